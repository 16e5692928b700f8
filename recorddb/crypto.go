// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recorddb

import (
	"errors"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/internal/zero"
	"github.com/btcsuite/btcwallet/snacl"
)

// ScryptOptions are the scrypt cost parameters used when a new master key is
// derived from a passphrase.  They are stored alongside the key, so stores
// created with different options remain readable.
type ScryptOptions struct {
	N, R, P int
}

// DefaultScryptOptions are the snacl defaults.
var DefaultScryptOptions = ScryptOptions{
	N: snacl.DefaultN,
	R: snacl.DefaultR,
	P: snacl.DefaultP,
}

// FastScryptOptions trade key stretching for speed.  Only tests should use
// them.
var FastScryptOptions = ScryptOptions{N: 16, R: 8, P: 1}

// keyring encrypts record values.  A nil crypto key means the store is
// plaintext and values are stored as is.
//
// The passphrase derives a snacl master key whose only job is to wrap a
// random crypto key.  Values are sealed with the crypto key, so a passphrase
// change only re-wraps 32 bytes once ReKey has moved the values over.
type keyring struct {
	crypto *snacl.CryptoKey
}

func (k *keyring) encrypted() bool {
	return k != nil && k.crypto != nil
}

func (k *keyring) seal(v []byte) ([]byte, error) {
	if !k.encrypted() {
		return append(make([]byte, 0, len(v)), v...), nil
	}
	return k.crypto.Encrypt(v)
}

func (k *keyring) open(v []byte) ([]byte, error) {
	if !k.encrypted() {
		return append([]byte(nil), v...), nil
	}
	plain, err := k.crypto.Decrypt(v)
	if err != nil {
		return nil, errcode.New(errcode.ErrDatabase,
			"failed to decrypt record", err)
	}
	return plain, nil
}

func (k *keyring) zero() {
	if k.encrypted() {
		k.crypto.Zero()
	}
}

// newKeyring creates fresh master and crypto keys for passphrase.  It returns
// the marshalled master key parameters and the wrapped crypto key to persist.
// An empty passphrase yields a plaintext keyring and nil blobs.
func newKeyring(passphrase string, opts ScryptOptions) (*keyring, []byte,
	[]byte, error) {

	if passphrase == "" {
		return &keyring{}, nil, nil, nil
	}

	pass, clear := zero.Passphrase(passphrase)
	defer clear()

	master, err := snacl.NewSecretKey(&pass, opts.N, opts.R, opts.P)
	if err != nil {
		return nil, nil, nil, errcode.New(errcode.ErrDatabase,
			"failed to derive master key", err)
	}
	defer master.Zero()

	crypto, err := snacl.GenerateCryptoKey()
	if err != nil {
		return nil, nil, nil, errcode.New(errcode.ErrDatabase,
			"failed to generate crypto key", err)
	}

	wrapped, err := master.Encrypt(crypto[:])
	if err != nil {
		crypto.Zero()
		return nil, nil, nil, errcode.New(errcode.ErrDatabase,
			"failed to wrap crypto key", err)
	}

	return &keyring{crypto: crypto}, master.Marshal(), wrapped, nil
}

// unlockKeyring derives the master key from passphrase and unwraps the crypto
// key.  A wrong passphrase is reported as ErrInvalidPassphrase.
func unlockKeyring(passphrase string, masterParams,
	wrapped []byte) (*keyring, error) {

	var master snacl.SecretKey
	if err := master.Unmarshal(masterParams); err != nil {
		return nil, errcode.New(errcode.ErrDatabase,
			"malformed master key parameters", err)
	}

	pass, clear := zero.Passphrase(passphrase)
	defer clear()

	if err := master.DeriveKey(&pass); err != nil {
		if errors.Is(err, snacl.ErrInvalidPassword) {
			return nil, errcode.New(errcode.ErrInvalidPassphrase,
				"invalid passphrase", nil)
		}
		return nil, errcode.New(errcode.ErrDatabase,
			"failed to derive master key", err)
	}
	defer master.Zero()

	raw, err := master.Decrypt(wrapped)
	if err != nil {
		return nil, errcode.New(errcode.ErrInvalidPassphrase,
			"invalid passphrase", err)
	}
	defer zero.Bytes(raw)

	if len(raw) != snacl.KeySize {
		return nil, errcode.Errorf(errcode.ErrDatabase,
			"crypto key has %d bytes, want %d", len(raw),
			snacl.KeySize)
	}

	var crypto snacl.CryptoKey
	copy(crypto[:], raw)
	return &keyring{crypto: &crypto}, nil
}
