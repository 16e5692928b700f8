// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"fmt"
	"strings"

	"github.com/RandyMcMillan/libnunchuk/keypath"
)

// SignerType describes how a signer produces signatures.
type SignerType uint8

const (
	// Hardware signers hold their keys on an external device.
	Hardware SignerType = iota

	// Airgap signers only ever exchanged extended public keys with us.
	Airgap

	// Software signers keep an encrypted mnemonic in the signer store.
	Software
)

// String returns the signer type name.
func (t SignerType) String() string {
	switch t {
	case Hardware:
		return "hardware"
	case Airgap:
		return "airgap"
	case Software:
		return "software"
	default:
		return fmt.Sprintf("signer_type(%d)", uint8(t))
	}
}

// SingleSigner is one key slot of a wallet: an extended public key (or a
// bare public key for escrow wallets) together with its origin.  Name and
// LastHealthCheck are display attributes resolved from the owning signer
// record and are not part of the wallet's identity.
type SingleSigner struct {
	Name              string
	XPub              string
	PublicKey         string
	DerivationPath    string
	MasterFingerprint string
	MasterSignerID    string
	LastHealthCheck   int64
	Type              SignerType
}

// Fingerprint returns the lower-cased master fingerprint, the form used as
// the signer store id.
func (s *SingleSigner) Fingerprint() string {
	return strings.ToLower(s.MasterFingerprint)
}

// Key returns the identity of the slot: the key material and its origin.
// Two slots with equal keys are the same signer regardless of display
// attributes.
func (s *SingleSigner) Key() string {
	return s.origin() + s.XPub + "|" + s.PublicKey
}

// origin formats the "[fingerprint/path]" key origin.
func (s *SingleSigner) origin() string {
	path := strings.TrimPrefix(
		keypath.FormalizePath(s.DerivationPath), "m",
	)
	return "[" + s.Fingerprint() + path + "]"
}

// keyExpression formats the signer as a descriptor key expression for the
// requested branch.
func (s *SingleSigner) keyExpression(branch Branch, index int) string {
	if s.XPub == "" {
		return s.origin() + s.PublicKey
	}
	return s.origin() + s.XPub + branch.suffix(index)
}
