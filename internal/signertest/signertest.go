// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signertest derives deterministic signers for tests.
package signertest

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
)

// Master is a deterministic test root key.
type Master struct {
	Key         *hdkeychain.ExtendedKey
	Fingerprint string
	Mnemonic    string
	chain       keypath.Chain
}

// NewMaster derives a master key from a mnemonic whose entropy is filled
// with b, so different bytes give unrelated signers.
func NewMaster(t testing.TB, b byte, c keypath.Chain,
	passphrase string) *Master {

	t.Helper()

	mnemonic, err := bip39.NewMnemonic(bytes.Repeat([]byte{b}, 16))
	require.NoError(t, err)

	seed := bip39.NewSeed(mnemonic, passphrase)
	key, err := hdkeychain.NewMaster(seed, c.Params())
	require.NoError(t, err)

	return &Master{
		Key:         key,
		Fingerprint: Fingerprint(t, key),
		Mnemonic:    mnemonic,
		chain:       c,
	}
}

// Fingerprint returns the lower-case hex master fingerprint of key.
func Fingerprint(t testing.TB, key *hdkeychain.ExtendedKey) string {
	t.Helper()

	pub, err := key.ECPubKey()
	require.NoError(t, err)
	return hex.EncodeToString(
		btcutil.Hash160(pub.SerializeCompressed())[:4],
	)
}

// XPub returns the extended public key at path.
func (m *Master) XPub(t testing.TB, path string) string {
	t.Helper()

	indexes, err := keypath.Parse(path)
	require.NoError(t, err)

	k := m.Key
	for _, idx := range indexes {
		k, err = k.Derive(idx)
		require.NoError(t, err)
	}
	pub, err := k.Neuter()
	require.NoError(t, err)
	return pub.String()
}

// Signer returns the wallet slot of this master for a bucket index.
func (m *Master) Signer(t testing.TB, w keypath.WalletType,
	a keypath.AddressType, index int) descriptor.SingleSigner {

	t.Helper()

	path, err := keypath.DerivePath(m.chain, w, a, index)
	require.NoError(t, err)
	return m.SignerAt(t, path)
}

// SignerAt returns the wallet slot of this master at an arbitrary path.
func (m *Master) SignerAt(t testing.TB, path string) descriptor.SingleSigner {
	t.Helper()

	return descriptor.SingleSigner{
		XPub:              m.XPub(t, path),
		DerivationPath:    path,
		MasterFingerprint: m.Fingerprint,
		MasterSignerID:    m.Fingerprint,
	}
}

// Getter returns a function serving xpubs by path, the shape the look-ahead
// cache expects from a signing device.
func (m *Master) Getter(t testing.TB) func(string) (string, error) {
	return func(path string) (string, error) {
		return m.XPub(t, path), nil
	}
}
