// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keypath

import "fmt"

// WalletType is the policy shape of a wallet.
type WalletType uint8

const (
	// SingleSig is a 1-of-1 wallet.
	SingleSig WalletType = iota

	// MultiSig is an m-of-n wallet with n > 1.
	MultiSig

	// Escrow is an m-of-n wallet whose signers contribute bare public
	// keys rather than extended keys.
	Escrow
)

// String returns the wallet type name used in logs and export data.
func (w WalletType) String() string {
	switch w {
	case SingleSig:
		return "single_sig"
	case MultiSig:
		return "multi_sig"
	case Escrow:
		return "escrow"
	default:
		return fmt.Sprintf("wallet_type(%d)", uint8(w))
	}
}

// WalletTypeFor derives the wallet type from the number of signers and the
// escrow flag.
func WalletTypeFor(n int, escrow bool) WalletType {
	switch {
	case n == 1:
		return SingleSig
	case escrow:
		return Escrow
	default:
		return MultiSig
	}
}

// AddressType is the output script family a wallet pays to.  The numeric
// values are persisted and must not be reordered.
type AddressType uint8

const (
	// AnyAddress is only meaningful as a cache bucket selector for wallet
	// types whose derivation path does not depend on the script family.
	AnyAddress AddressType = iota

	// Legacy is P2PKH / P2SH.
	Legacy

	// NestedSegwit is P2SH-P2WPKH / P2SH-P2WSH.
	NestedSegwit

	// NativeSegwit is P2WPKH / P2WSH.
	NativeSegwit

	// Taproot is P2TR key path only.
	Taproot
)

// String returns the address type name.
func (a AddressType) String() string {
	switch a {
	case AnyAddress:
		return "any"
	case Legacy:
		return "legacy"
	case NestedSegwit:
		return "nested_segwit"
	case NativeSegwit:
		return "native_segwit"
	case Taproot:
		return "taproot"
	default:
		return fmt.Sprintf("address_type(%d)", uint8(a))
	}
}
