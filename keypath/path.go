// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keypath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

const (
	// MainnetHealthCheckPath is the health check path on mainnet.
	MainnetHealthCheckPath = "m/45h/0h/0h/1/10000"

	// TestnetHealthCheckPath is the health check path on test networks.
	TestnetHealthCheckPath = "m/45h/1h/0h/1/10000"

	// TagCustom marks cached keys that belong to no bucket, such as the
	// root key and the health check key.
	TagCustom = "custom"

	purposeLegacy   = 44
	purposeNested   = 49
	purposeNative   = 84
	purposeTaproot  = 86
	purposeMultisig = 48
	purposeEscrow   = 45

	// multisigScriptType is the BIP48 script type component.  A single
	// multisig bucket serves every address type, so it is fixed to the
	// native segwit value.
	multisigScriptType = 2
)

var (
	// ErrInvalidPath is returned for paths that cannot be parsed.
	ErrInvalidPath = errors.New("invalid derivation path")

	// ErrNoBucket is returned by DerivePath for (wallet, address) pairs
	// that have no canonical path, such as single-sig with AnyAddress.
	ErrNoBucket = errors.New("no canonical path for wallet and address type")
)

// Bucket groups cached derived keys that share a canonical path layout.
// Within a bucket, keys differ only by their account index.
type Bucket struct {
	Wallet  WalletType
	Address AddressType
}

// BucketFor normalizes a (wallet, address) pair to its cache bucket.  Multisig
// and escrow keys are address type agnostic.
func BucketFor(w WalletType, a AddressType) Bucket {
	if w == MultiSig || w == Escrow {
		a = AnyAddress
	}
	return Bucket{Wallet: w, Address: a}
}

// CacheBuckets lists the buckets filled by the look-ahead cache, in fetch
// order.
var CacheBuckets = []Bucket{
	{MultiSig, AnyAddress},
	{SingleSig, NativeSegwit},
	{SingleSig, NestedSegwit},
	{SingleSig, Legacy},
	{Escrow, AnyAddress},
}

// Tag is the persisted bucket label of a cached key.
func (b Bucket) Tag() string {
	switch b.Wallet {
	case MultiSig:
		return "bip48"
	case Escrow:
		return "escrow"
	}
	switch b.Address {
	case Legacy:
		return "bip44"
	case NestedSegwit:
		return "bip49"
	case NativeSegwit:
		return "bip84"
	case Taproot:
		return "bip86"
	}
	return TagCustom
}

// String returns a log friendly form of the bucket.
func (b Bucket) String() string {
	return b.Wallet.String() + "/" + b.Address.String()
}

// DerivePath returns the canonical BIP32 path of the account key at index for
// the given chain, wallet type and address type.  For a fixed bucket it is
// injective and strictly increasing in index.
func DerivePath(c Chain, w WalletType, a AddressType, index int) (string, error) {
	if index < 0 || uint32(index) >= hdkeychain.HardenedKeyStart {
		return "", fmt.Errorf("%w: index %d out of range",
			ErrInvalidPath, index)
	}

	coin := c.CoinType()
	b := BucketFor(w, a)
	switch b.Wallet {
	case MultiSig:
		return fmt.Sprintf("m/%dh/%dh/%dh/%dh", purposeMultisig, coin,
			index, multisigScriptType), nil
	case Escrow:
		return fmt.Sprintf("m/%dh/%dh/%dh", purposeEscrow, coin,
			index), nil
	}

	var purpose int
	switch b.Address {
	case Legacy:
		purpose = purposeLegacy
	case NestedSegwit:
		purpose = purposeNested
	case NativeSegwit:
		purpose = purposeNative
	case Taproot:
		purpose = purposeTaproot
	default:
		return "", ErrNoBucket
	}
	return fmt.Sprintf("m/%dh/%dh/%dh", purpose, coin, index), nil
}

// FormalizePath normalizes the hardened marker to "h", lower-cases the path
// and ensures the leading "m" component, so that paths written by different
// tools compare equal.
func FormalizePath(path string) string {
	p := strings.ToLower(strings.TrimSpace(path))
	p = strings.ReplaceAll(p, "'", "h")
	p = strings.TrimSuffix(p, "/")
	switch {
	case p == "" || p == "m":
		return "m"
	case strings.HasPrefix(p, "m/"):
		return p
	case strings.HasPrefix(p, "/"):
		return "m" + p
	default:
		return "m/" + p
	}
}

// Parse converts a path into its child indexes, applying the hardened offset
// where marked.
func Parse(path string) ([]uint32, error) {
	p := FormalizePath(path)
	if p == "m" {
		return nil, nil
	}

	parts := strings.Split(p[2:], "/")
	indexes := make([]uint32, 0, len(parts))
	for _, part := range parts {
		hardened := strings.HasSuffix(part, "h")
		part = strings.TrimSuffix(part, "h")
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil || uint32(n) >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

// ParseIndexFromPath extracts the account index from a canonical path.  It
// returns -1 when the path has no account component.
func ParseIndexFromPath(path string) int {
	indexes, err := Parse(path)
	if err != nil || len(indexes) < 3 {
		return -1
	}
	return int(indexes[2] &^ hdkeychain.HardenedKeyStart)
}

// BucketOf classifies a path by its shape, inverting DerivePath.  The second
// return value is false for paths that do not belong to any bucket.
func BucketOf(path string) (Bucket, bool) {
	indexes, err := Parse(path)
	if err != nil || len(indexes) < 3 {
		return Bucket{}, false
	}
	for _, idx := range indexes[:3] {
		if idx < hdkeychain.HardenedKeyStart {
			return Bucket{}, false
		}
	}

	purpose := indexes[0] - hdkeychain.HardenedKeyStart
	switch {
	case purpose == purposeMultisig && len(indexes) == 4 &&
		indexes[3] == hdkeychain.HardenedKeyStart+multisigScriptType:

		return Bucket{MultiSig, AnyAddress}, true

	case len(indexes) != 3:
		return Bucket{}, false

	case purpose == purposeEscrow:
		return Bucket{Escrow, AnyAddress}, true
	case purpose == purposeLegacy:
		return Bucket{SingleSig, Legacy}, true
	case purpose == purposeNested:
		return Bucket{SingleSig, NestedSegwit}, true
	case purpose == purposeNative:
		return Bucket{SingleSig, NativeSegwit}, true
	case purpose == purposeTaproot:
		return Bucket{SingleSig, Taproot}, true
	}
	return Bucket{}, false
}

// TagOf returns the bucket tag for a path, or TagCustom.
func TagOf(path string) string {
	b, ok := BucketOf(path)
	if !ok {
		return TagCustom
	}
	return b.Tag()
}
