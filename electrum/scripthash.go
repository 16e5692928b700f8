// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// ScripthashFromScript returns the Electrum script hash of an output script:
// the SHA256 digest of the script in reversed byte order, hex encoded.
func ScripthashFromScript(pkScript []byte) string {
	h := chainhash.HashH(pkScript)

	// chainhash.Hash prints byte reversed, which is the order the
	// protocol asks for.
	return h.String()
}

// ScripthashFromAddress returns the Electrum script hash of an address.
func ScripthashFromAddress(addr string,
	params *chaincfg.Params) (string, error) {

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return "", errcode.New(errcode.ErrInvalidParameter,
			"invalid address "+addr, err)
	}
	if !decoded.IsForNet(params) {
		return "", errcode.Errorf(errcode.ErrInvalidParameter,
			"address %s is not for %s", addr, params.Name)
	}
	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return "", errcode.New(errcode.ErrInvalidParameter,
			"unable to build script for "+addr, err)
	}
	return ScripthashFromScript(pkScript), nil
}
