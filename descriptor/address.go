// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// childKey derives the public key of a signer at branch/index.  Escrow
// signers have a single fixed key.
func childKey(s *SingleSigner, internal bool, index uint32) (*btcec.PublicKey,
	error) {

	if s.XPub == "" {
		raw, err := hex.DecodeString(s.PublicKey)
		if err != nil {
			return nil, err
		}
		return btcec.ParsePubKey(raw)
	}

	xpub, err := hdkeychain.NewKeyFromString(s.XPub)
	if err != nil {
		return nil, err
	}
	var branch uint32
	if internal {
		branch = 1
	}
	branchKey, err := xpub.Derive(branch)
	if err != nil {
		return nil, err
	}
	child, err := branchKey.Derive(index)
	if err != nil {
		return nil, err
	}
	return child.ECPubKey()
}

// DeriveAddress returns the address of a wallet at the given receive or change
// index.
func DeriveAddress(w *Wallet, index uint32, internal bool,
	params *chaincfg.Params) (string, error) {

	pubKeys := make([][]byte, 0, len(w.Signers))
	for i := range w.Signers {
		pk, err := childKey(&w.Signers[i], internal, index)
		if err != nil {
			return "", fmt.Errorf("signer %s: %w",
				w.Signers[i].Fingerprint(), err)
		}
		pubKeys = append(pubKeys, pk.SerializeCompressed())
	}

	var (
		addr btcutil.Address
		err  error
	)
	if w.Type == keypath.SingleSig {
		addr, err = singleSigAddress(pubKeys[0], w.Address, params)
	} else {
		addr, err = multiSigAddress(pubKeys, w.M, w.Address, params)
	}
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func singleSigAddress(pubKey []byte, a keypath.AddressType,
	params *chaincfg.Params) (btcutil.Address, error) {

	pkHash := btcutil.Hash160(pubKey)
	switch a {
	case keypath.Legacy:
		return btcutil.NewAddressPubKeyHash(pkHash, params)

	case keypath.NativeSegwit:
		return btcutil.NewAddressWitnessPubKeyHash(pkHash, params)

	case keypath.NestedSegwit:
		wpkh, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, params)
		if err != nil {
			return nil, err
		}
		redeem, err := txscript.PayToAddrScript(wpkh)
		if err != nil {
			return nil, err
		}
		return btcutil.NewAddressScriptHash(redeem, params)

	case keypath.Taproot:
		pk, err := btcec.ParsePubKey(pubKey)
		if err != nil {
			return nil, err
		}
		outputKey := txscript.ComputeTaprootKeyNoScript(pk)
		return btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(outputKey), params,
		)
	}
	return nil, fmt.Errorf("%w: single sig %v", ErrUnsupported, a)
}

func multiSigAddress(pubKeys [][]byte, m int, a keypath.AddressType,
	params *chaincfg.Params) (btcutil.Address, error) {

	sort.Slice(pubKeys, func(i, j int) bool {
		return bytes.Compare(pubKeys[i], pubKeys[j]) < 0
	})

	builder := txscript.NewScriptBuilder().AddInt64(int64(m))
	for _, pk := range pubKeys {
		builder.AddData(pk)
	}
	builder.AddInt64(int64(len(pubKeys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	script, err := builder.Script()
	if err != nil {
		return nil, err
	}

	switch a {
	case keypath.Legacy:
		return btcutil.NewAddressScriptHash(script, params)

	case keypath.NativeSegwit, keypath.NestedSegwit:
		h := sha256.Sum256(script)
		wsh, err := btcutil.NewAddressWitnessScriptHash(h[:], params)
		if err != nil || a == keypath.NativeSegwit {
			return wsh, err
		}
		redeem, err := txscript.PayToAddrScript(wsh)
		if err != nil {
			return nil, err
		}
		return btcutil.NewAddressScriptHash(redeem, params)
	}
	return nil, fmt.Errorf("%w: multisig %v", ErrUnsupported, a)
}
