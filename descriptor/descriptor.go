// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor builds and parses the output descriptors of wallets and
// derives the content-addressed wallet id from them.
package descriptor

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/RandyMcMillan/libnunchuk/keypath"
)

// Branch selects which derivation branch the key expressions of a descriptor
// refer to.
type Branch uint8

const (
	// ExternalAll is the ranged receive branch "/0/*".
	ExternalAll Branch = iota

	// InternalAll is the ranged change branch "/1/*".
	InternalAll

	// External is a single receive key "/0/i".
	External

	// Internal is a single change key "/1/i".
	Internal
)

func (b Branch) suffix(index int) string {
	switch b {
	case InternalAll:
		return "/1/*"
	case External:
		return "/0/" + strconv.Itoa(index)
	case Internal:
		return "/1/" + strconv.Itoa(index)
	default:
		return "/0/*"
	}
}

var (
	// ErrUnsupported is returned for policy and script combinations we do
	// not build descriptors for.
	ErrUnsupported = errors.New("unsupported descriptor")

	// ErrMalformed is returned by Parse for descriptors it cannot read.
	ErrMalformed = errors.New("malformed descriptor")
)

// ForSigners returns the descriptor, without checksum, of an m-of-len(signers)
// wallet.  Key expressions are sorted so that the result does not depend on
// the order the signers were supplied in.
func ForSigners(signers []SingleSigner, m int, branch Branch, index int,
	a keypath.AddressType, w keypath.WalletType) (string, error) {

	if len(signers) == 0 {
		return "", fmt.Errorf("%w: no signers", ErrUnsupported)
	}

	keys := make([]string, 0, len(signers))
	for i := range signers {
		keys = append(keys, signers[i].keyExpression(branch, index))
	}
	sort.Strings(keys)

	if w == keypath.SingleSig {
		k := keys[0]
		switch a {
		case keypath.Legacy:
			return "pkh(" + k + ")", nil
		case keypath.NestedSegwit:
			return "sh(wpkh(" + k + "))", nil
		case keypath.NativeSegwit:
			return "wpkh(" + k + ")", nil
		case keypath.Taproot:
			return "tr(" + k + ")", nil
		}
		return "", fmt.Errorf("%w: single sig %v", ErrUnsupported, a)
	}

	multi := "sortedmulti(" + strconv.Itoa(m) + "," +
		strings.Join(keys, ",") + ")"
	switch a {
	case keypath.Legacy:
		return "sh(" + multi + ")", nil
	case keypath.NestedSegwit:
		return "sh(wsh(" + multi + "))", nil
	case keypath.NativeSegwit:
		return "wsh(" + multi + ")", nil
	}
	return "", fmt.Errorf("%w: %v %v", ErrUnsupported, w, a)
}

// WalletID computes the content-addressed id of a wallet: the checksum of its
// ranged receive descriptor.
func WalletID(signers []SingleSigner, m int, a keypath.AddressType,
	w keypath.WalletType) (string, error) {

	desc, err := ForSigners(signers, m, ExternalAll, -1, a, w)
	if err != nil {
		return "", err
	}
	return Checksum(desc)
}

// Wallet is the policy recovered from a descriptor.
type Wallet struct {
	M       int
	N       int
	Address keypath.AddressType
	Type    keypath.WalletType
	Signers []SingleSigner
}

// wrappers maps descriptor prefixes to the address type they imply, longest
// prefix first.
var wrappers = []struct {
	prefix string
	suffix string
	multi  bool
	addr   keypath.AddressType
}{
	{"sh(wsh(sortedmulti(", ")))", true, keypath.NestedSegwit},
	{"sh(wsh(multi(", ")))", true, keypath.NestedSegwit},
	{"wsh(sortedmulti(", "))", true, keypath.NativeSegwit},
	{"wsh(multi(", "))", true, keypath.NativeSegwit},
	{"sh(sortedmulti(", "))", true, keypath.Legacy},
	{"sh(multi(", "))", true, keypath.Legacy},
	{"sh(wpkh(", "))", false, keypath.NestedSegwit},
	{"wpkh(", ")", false, keypath.NativeSegwit},
	{"pkh(", ")", false, keypath.Legacy},
	{"tr(", ")", false, keypath.Taproot},
}

// Parse recovers the policy and signer set of a wallet descriptor, with or
// without checksum.  Wallets whose keys are all bare public keys are escrow
// wallets.
func Parse(desc string) (*Wallet, error) {
	body, _, err := SplitChecksum(strings.TrimSpace(desc))
	if err != nil {
		return nil, err
	}

	for _, wr := range wrappers {
		if !strings.HasPrefix(body, wr.prefix) ||
			!strings.HasSuffix(body, wr.suffix) {

			continue
		}

		inner := body[len(wr.prefix) : len(body)-len(wr.suffix)]
		parts := strings.Split(inner, ",")

		w := &Wallet{M: 1, Address: wr.addr}
		if wr.multi {
			if len(parts) < 2 {
				return nil, ErrMalformed
			}
			w.M, err = strconv.Atoi(parts[0])
			if err != nil {
				return nil, fmt.Errorf("%w: threshold", ErrMalformed)
			}
			parts = parts[1:]
		} else if len(parts) != 1 {
			return nil, ErrMalformed
		}

		allPubKeys := true
		for _, p := range parts {
			s, err := parseKey(p)
			if err != nil {
				return nil, err
			}
			if s.XPub != "" {
				allPubKeys = false
			}
			w.Signers = append(w.Signers, *s)
		}
		w.N = len(w.Signers)
		if w.M < 1 || w.M > w.N {
			return nil, fmt.Errorf("%w: %d of %d", ErrMalformed,
				w.M, w.N)
		}
		w.Type = keypath.WalletTypeFor(w.N, allPubKeys)
		return w, nil
	}
	return nil, fmt.Errorf("%w: unknown script %q", ErrMalformed, body)
}

// parseKey reads a "[fingerprint/path]key/branch/*" expression.
func parseKey(expr string) (*SingleSigner, error) {
	if !strings.HasPrefix(expr, "[") {
		return nil, fmt.Errorf("%w: key %q has no origin", ErrMalformed,
			expr)
	}
	end := strings.IndexByte(expr, ']')
	if end < 0 {
		return nil, fmt.Errorf("%w: key %q", ErrMalformed, expr)
	}

	origin := strings.SplitN(expr[1:end], "/", 2)
	s := &SingleSigner{MasterFingerprint: strings.ToLower(origin[0])}
	if len(origin[0]) != 8 {
		return nil, fmt.Errorf("%w: fingerprint %q", ErrMalformed,
			origin[0])
	}
	s.DerivationPath = "m"
	if len(origin) == 2 {
		s.DerivationPath = keypath.FormalizePath(origin[1])
	}
	if _, err := keypath.Parse(s.DerivationPath); err != nil {
		return nil, err
	}

	key := expr[end+1:]
	if i := strings.IndexByte(key, '/'); i >= 0 {
		key = key[:i]
	}
	switch {
	case key == "":
		return nil, fmt.Errorf("%w: empty key", ErrMalformed)
	case len(key) == 66 && (key[:2] == "02" || key[:2] == "03"):
		s.PublicKey = key
	default:
		s.XPub = key
	}
	return s, nil
}
