// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"bytes"
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"
)

// Transaction row fields.  Blocktime and extra were added by schema versions
// 1 and 2, rows written before that lack them.
const (
	typeTxValue     tlv.Type = 0
	typeTxHeight    tlv.Type = 1
	typeTxFee       tlv.Type = 2
	typeTxMemo      tlv.Type = 3
	typeTxChangePos tlv.Type = 4
	typeTxBlocktime tlv.Type = 5
	typeTxExtra     tlv.Type = 6
)

// Address row fields.  The UTXO snapshot is only present once one has been
// stored.
const (
	typeAddrIndex    tlv.Type = 0
	typeAddrInternal tlv.Type = 1
	typeAddrUsed     tlv.Type = 2
	typeAddrUtxo     tlv.Type = 3
)

// Signer slot fields.
const (
	typeSignerXPub            tlv.Type = 0
	typeSignerPublicKey       tlv.Type = 1
	typeSignerPath            tlv.Type = 2
	typeSignerFingerprint     tlv.Type = 3
	typeSignerName            tlv.Type = 4
	typeSignerMasterID        tlv.Type = 5
	typeSignerLastHealthCheck tlv.Type = 6
)

// txRow is a transaction as persisted.  Signed integers travel as their two's
// complement so that the -1 and -2 heights survive.
type txRow struct {
	value     []byte
	height    int64
	fee       int64
	memo      []byte
	changePos int64
	blocktime int64
	extra     []byte

	// hasBlocktime and hasExtra report whether the fields were present
	// in the decoded row.
	hasBlocktime bool
	hasExtra     bool
}

func encodeTxRow(r *txRow) ([]byte, error) {
	var (
		height    = uint64(r.height)
		fee       = uint64(r.fee)
		changePos = uint64(r.changePos)
		blocktime = uint64(r.blocktime)
	)
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeTxValue, &r.value),
		tlv.MakePrimitiveRecord(typeTxHeight, &height),
		tlv.MakePrimitiveRecord(typeTxFee, &fee),
		tlv.MakePrimitiveRecord(typeTxMemo, &r.memo),
		tlv.MakePrimitiveRecord(typeTxChangePos, &changePos),
	}
	if r.hasBlocktime {
		records = append(records, tlv.MakePrimitiveRecord(
			typeTxBlocktime, &blocktime,
		))
	}
	if r.hasExtra {
		records = append(records, tlv.MakePrimitiveRecord(
			typeTxExtra, &r.extra,
		))
	}
	return encodeStream(records)
}

func decodeTxRow(b []byte) (*txRow, error) {
	var (
		r                                 txRow
		height, fee, changePos, blocktime uint64
	)
	parsed, err := decodeStream(b,
		tlv.MakePrimitiveRecord(typeTxValue, &r.value),
		tlv.MakePrimitiveRecord(typeTxHeight, &height),
		tlv.MakePrimitiveRecord(typeTxFee, &fee),
		tlv.MakePrimitiveRecord(typeTxMemo, &r.memo),
		tlv.MakePrimitiveRecord(typeTxChangePos, &changePos),
		tlv.MakePrimitiveRecord(typeTxBlocktime, &blocktime),
		tlv.MakePrimitiveRecord(typeTxExtra, &r.extra),
	)
	if err != nil {
		return nil, err
	}

	r.height = int64(height)
	r.fee = int64(fee)
	r.changePos = int64(changePos)
	r.blocktime = int64(blocktime)
	r.hasBlocktime = present(parsed, typeTxBlocktime)
	r.hasExtra = present(parsed, typeTxExtra)
	return &r, nil
}

// addressRow is an address ledger entry as persisted.
type addressRow struct {
	index    int64
	internal bool
	used     bool
	utxo     []byte
	hasUtxo  bool
}

func encodeAddressRow(r *addressRow) ([]byte, error) {
	var (
		index    = uint64(r.index)
		internal = boolByte(r.internal)
		used     = boolByte(r.used)
	)
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeAddrIndex, &index),
		tlv.MakePrimitiveRecord(typeAddrInternal, &internal),
		tlv.MakePrimitiveRecord(typeAddrUsed, &used),
	}
	if r.hasUtxo {
		records = append(records, tlv.MakePrimitiveRecord(
			typeAddrUtxo, &r.utxo,
		))
	}
	return encodeStream(records)
}

func decodeAddressRow(b []byte) (*addressRow, error) {
	var (
		r              addressRow
		index          uint64
		internal, used uint8
	)
	parsed, err := decodeStream(b,
		tlv.MakePrimitiveRecord(typeAddrIndex, &index),
		tlv.MakePrimitiveRecord(typeAddrInternal, &internal),
		tlv.MakePrimitiveRecord(typeAddrUsed, &used),
		tlv.MakePrimitiveRecord(typeAddrUtxo, &r.utxo),
	)
	if err != nil {
		return nil, err
	}

	r.index = int64(index)
	r.internal = internal == 1
	r.used = used == 1
	r.hasUtxo = present(parsed, typeAddrUtxo)
	return &r, nil
}

// signerRow is a signer slot as persisted.
type signerRow struct {
	xpub            []byte
	publicKey       []byte
	path            []byte
	fingerprint     []byte
	name            []byte
	masterID        []byte
	lastHealthCheck int64
}

func encodeSignerRow(r *signerRow) ([]byte, error) {
	lastHealthCheck := uint64(r.lastHealthCheck)
	return encodeStream([]tlv.Record{
		tlv.MakePrimitiveRecord(typeSignerXPub, &r.xpub),
		tlv.MakePrimitiveRecord(typeSignerPublicKey, &r.publicKey),
		tlv.MakePrimitiveRecord(typeSignerPath, &r.path),
		tlv.MakePrimitiveRecord(typeSignerFingerprint, &r.fingerprint),
		tlv.MakePrimitiveRecord(typeSignerName, &r.name),
		tlv.MakePrimitiveRecord(typeSignerMasterID, &r.masterID),
		tlv.MakePrimitiveRecord(
			typeSignerLastHealthCheck, &lastHealthCheck,
		),
	})
}

func decodeSignerRow(b []byte) (*signerRow, error) {
	var (
		r               signerRow
		lastHealthCheck uint64
	)
	_, err := decodeStream(b,
		tlv.MakePrimitiveRecord(typeSignerXPub, &r.xpub),
		tlv.MakePrimitiveRecord(typeSignerPublicKey, &r.publicKey),
		tlv.MakePrimitiveRecord(typeSignerPath, &r.path),
		tlv.MakePrimitiveRecord(typeSignerFingerprint, &r.fingerprint),
		tlv.MakePrimitiveRecord(typeSignerName, &r.name),
		tlv.MakePrimitiveRecord(typeSignerMasterID, &r.masterID),
		tlv.MakePrimitiveRecord(
			typeSignerLastHealthCheck, &lastHealthCheck,
		),
	)
	if err != nil {
		return nil, err
	}
	r.lastHealthCheck = int64(lastHealthCheck)
	return &r, nil
}

func encodeStream(records []tlv.Record) ([]byte, error) {
	tlvStream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tlvStream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStream(b []byte, records ...tlv.Record) (tlv.TypeMap, error) {
	tlvStream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	parsed, err := tlvStream.DecodeWithParsedTypes(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("malformed row: %w", err)
	}
	return parsed, nil
}

// present reports whether a known type was decoded.
func present(parsed tlv.TypeMap, typ tlv.Type) bool {
	t, ok := parsed[typ]
	return ok && t == nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
