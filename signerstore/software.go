// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signerstore

import (
	"encoding/hex"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/internal/zero"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"
)

// SoftwareSigner is the root key of a signer whose mnemonic we hold.
type SoftwareSigner struct {
	master      *hdkeychain.ExtendedKey
	fingerprint string
}

// NewSoftwareSigner derives the root key of a BIP39 mnemonic.
func NewSoftwareSigner(mnemonic, passphrase string,
	c keypath.Chain) (*SoftwareSigner, error) {

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, errcode.New(errcode.ErrInvalidParameter,
			"invalid mnemonic", err)
	}
	defer zero.Bytes(seed)

	master, err := hdkeychain.NewMaster(seed, c.Params())
	if err != nil {
		return nil, errcode.New(errcode.ErrInvalidParameter,
			"unusable seed", err)
	}
	pub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}

	return &SoftwareSigner{
		master: master,
		fingerprint: hex.EncodeToString(
			btcutil.Hash160(pub.SerializeCompressed())[:4],
		),
	}, nil
}

// Fingerprint returns the lower-case master fingerprint.
func (s *SoftwareSigner) Fingerprint() string {
	return s.fingerprint
}

// XPub returns the extended public key at path.
func (s *SoftwareSigner) XPub(path string) (string, error) {
	indexes, err := keypath.Parse(path)
	if err != nil {
		return "", errcode.New(errcode.ErrInvalidBip32Path,
			"invalid path", err)
	}

	k := s.master
	for _, idx := range indexes {
		if k, err = k.Derive(idx); err != nil {
			return "", err
		}
	}
	pub, err := k.Neuter()
	if err != nil {
		return "", err
	}
	return pub.String(), nil
}

// GetSoftwareSigner unlocks the stored mnemonic with passphrase.  It fails
// with ErrInvalidSignerPassphrase when the result does not reproduce the
// signer's fingerprint.
func (s *Store) GetSoftwareSigner(passphrase string) (*SoftwareSigner,
	error) {

	mnemonic, err := s.db.GetString(recorddb.KeyMnemonic)
	if err != nil {
		return nil, err
	}
	if mnemonic == "" {
		return nil, errcode.Errorf(errcode.ErrInvalidParameter,
			"signer %s is not a software signer", s.id)
	}

	signer, err := NewSoftwareSigner(mnemonic, passphrase, s.chain)
	if err != nil {
		return nil, err
	}
	if signer.Fingerprint() != s.id {
		return nil, errcode.Errorf(errcode.ErrInvalidSignerPassphrase,
			"passphrase does not unlock signer %s", s.id)
	}
	return signer, nil
}
