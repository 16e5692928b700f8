// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txcodec decodes raw transactions and PSBTs into the flat view the
// wallet ledger works with: inputs, addressed outputs and which signers have
// contributed signatures.
package txcodec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrDecode is returned for payloads that are neither a hex transaction nor a
// base64 PSBT.
var ErrDecode = errors.New("unable to decode transaction")

// Input is a previous output spent by a transaction.
type Input struct {
	TxID string
	Vout uint32
}

// String formats the outpoint as "txid:vout".
func (i Input) String() string {
	return fmt.Sprintf("%s:%d", i.TxID, i.Vout)
}

// Output is a transaction output with its decoded address.  Address is empty
// for non-standard scripts.
type Output struct {
	Address string
	Amount  btcutil.Amount
	Script  []byte
}

// Tx is the decoded view of a raw transaction or PSBT.
type Tx struct {
	// ID is the transaction id.  For a PSBT it is the id of the unsigned
	// transaction, which equals the final id for segwit spends.
	ID string

	Inputs  []Input
	Outputs []Output

	// Signers maps the lower-case master fingerprints found in the PSBT's
	// BIP32 derivations to whether that signer has produced a signature
	// for every input it is listed on.  It is empty for raw transactions.
	Signers map[string]bool

	// Psbt is set when the payload was a PSBT.
	Psbt *psbt.Packet

	// Msg is the (unsigned, for a PSBT) wire transaction.
	Msg *wire.MsgTx
}

// SignedCount returns the number of signers that have signed.
func (t *Tx) SignedCount() int {
	n := 0
	for _, signed := range t.Signers {
		if signed {
			n++
		}
	}
	return n
}

// DecodeRawTx decodes a hex serialized transaction.
func DecodeRawTx(rawHex string, params *chaincfg.Params) (*Tx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return fromMsgTx(&msg, params), nil
}

// DecodePsbt decodes a base64 PSBT.
func DecodePsbt(b64 string, params *chaincfg.Params) (*Tx, error) {
	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(strings.TrimSpace(b64)), true,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	tx := fromMsgTx(packet.UnsignedTx, params)
	tx.Psbt = packet
	tx.Signers = signerContributions(packet)
	return tx, nil
}

// Decode accepts either encoding, trying the PSBT form first.
func Decode(payload string, params *chaincfg.Params) (*Tx, error) {
	if tx, err := DecodePsbt(payload, params); err == nil {
		return tx, nil
	}
	return DecodeRawTx(payload, params)
}

// EncodePsbt serializes a packet to base64.
func EncodePsbt(packet *psbt.Packet) (string, error) {
	return packet.B64Encode()
}

// EncodeRawTx serializes a transaction to hex.
func EncodeRawTx(msg *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func fromMsgTx(msg *wire.MsgTx, params *chaincfg.Params) *Tx {
	tx := &Tx{
		ID:      msg.TxHash().String(),
		Inputs:  make([]Input, 0, len(msg.TxIn)),
		Outputs: make([]Output, 0, len(msg.TxOut)),
		Signers: make(map[string]bool),
		Msg:     msg,
	}
	for _, in := range msg.TxIn {
		tx.Inputs = append(tx.Inputs, Input{
			TxID: in.PreviousOutPoint.Hash.String(),
			Vout: in.PreviousOutPoint.Index,
		})
	}
	for _, out := range msg.TxOut {
		tx.Outputs = append(tx.Outputs, Output{
			Address: ScriptAddress(out.PkScript, params),
			Amount:  btcutil.Amount(out.Value),
			Script:  out.PkScript,
		})
	}
	return tx
}

// ScriptAddress returns the encoded address of a standard output script.
func ScriptAddress(pkScript []byte, params *chaincfg.Params) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

// FingerprintHex formats a PSBT master key fingerprint the way signer ids are
// written.  PSBTs store the four fingerprint bytes as a little-endian uint32.
func FingerprintHex(fp uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], fp)
	return hex.EncodeToString(b[:])
}

// signerContributions reports, per master fingerprint, whether a partial
// signature exists on every input that lists one of its keys.  Finalized
// inputs count as signed by every signer listed on them.
func signerContributions(packet *psbt.Packet) map[string]bool {
	signers := make(map[string]bool)
	for _, in := range packet.Inputs {
		final := len(in.FinalScriptWitness) > 0 ||
			len(in.FinalScriptSig) > 0

		for _, d := range in.Bip32Derivation {
			fp := FingerprintHex(d.MasterKeyFingerprint)

			signed := final
			for _, sig := range in.PartialSigs {
				if bytes.Equal(sig.PubKey, d.PubKey) {
					signed = true
					break
				}
			}

			prev, seen := signers[fp]
			signers[fp] = signed && (!seen || prev)
		}
	}
	return signers
}
