// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txtest builds transactions and PSBTs for ledger tests.
package txtest

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/RandyMcMillan/libnunchuk/txcodec"
)

// Out is an output to create: an address and an amount in satoshis.
type Out struct {
	Address string
	Amount  int64
}

// In is an outpoint to spend.
type In struct {
	TxID string
	Vout uint32
}

// MsgTx builds an unsigned transaction.
func MsgTx(t testing.TB, params *chaincfg.Params, ins []In,
	outs []Out) *wire.MsgTx {

	t.Helper()

	msg := wire.NewMsgTx(2)
	for _, in := range ins {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		require.NoError(t, err)
		msg.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil))
	}
	for _, out := range outs {
		addr, err := btcutil.DecodeAddress(out.Address, params)
		require.NoError(t, err)
		script, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)
		msg.AddTxOut(wire.NewTxOut(out.Amount, script))
	}
	return msg
}

// RawTx builds a transaction and returns its hex encoding and id.
func RawTx(t testing.TB, params *chaincfg.Params, ins []In,
	outs []Out) (string, string) {

	t.Helper()

	msg := MsgTx(t, params, ins, outs)
	raw, err := txcodec.EncodeRawTx(msg)
	require.NoError(t, err)
	return raw, msg.TxHash().String()
}

// Coinbase returns a distinct fake funding transaction id for seed n.
func Coinbase(n byte) string {
	var h chainhash.Hash
	for i := range h {
		h[i] = n
	}
	return h.String()
}

// Psbt wraps the transaction into a PSBT.  For every input each fingerprint
// in listed gets a BIP32 derivation entry with a distinct throwaway key, and each
// fingerprint in signed additionally gets a partial signature.
func Psbt(t testing.TB, params *chaincfg.Params, ins []In, outs []Out,
	listed []uint32, signed map[uint32]bool) (string, string) {

	t.Helper()

	msg := MsgTx(t, params, ins, outs)
	packet, err := psbt.NewFromUnsignedTx(msg)
	require.NoError(t, err)

	for i := range packet.Inputs {
		for k, fp := range listed {
			var seed [32]byte
			seed[0] = byte(i + 1)
			seed[1] = byte(k + 1)
			priv, _ := btcec.PrivKeyFromBytes(seed[:])
			pub := priv.PubKey().SerializeCompressed()

			packet.Inputs[i].Bip32Derivation = append(
				packet.Inputs[i].Bip32Derivation,
				&psbt.Bip32Derivation{
					PubKey:               pub,
					MasterKeyFingerprint: fp,
				},
			)
			if signed[fp] {
				packet.Inputs[i].PartialSigs = append(
					packet.Inputs[i].PartialSigs,
					&psbt.PartialSig{
						PubKey:    pub,
						Signature: ecdsa.Sign(
							priv, chainhash.HashB(pub),
						).Serialize(),
					},
				)
			}
		}
	}

	b64, err := packet.B64Encode()
	require.NoError(t, err)
	return b64, msg.TxHash().String()
}
