// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signerstore

import (
	"bytes"
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeCacheXPub tlv.Type = 0
	typeCacheTag  tlv.Type = 1
	typeCacheUsed tlv.Type = 2
)

const (
	typeRemoteXPub            tlv.Type = 0
	typeRemotePublicKey       tlv.Type = 1
	typeRemoteName            tlv.Type = 2
	typeRemoteLastHealthCheck tlv.Type = 3
	typeRemoteUsed            tlv.Type = 4
)

// cacheRow is a derived key cache entry as persisted, keyed by path.
type cacheRow struct {
	xpub []byte
	tag  []byte
	used bool
}

func encodeCacheRow(r *cacheRow) ([]byte, error) {
	used := boolByte(r.used)
	return encodeStream(
		tlv.MakePrimitiveRecord(typeCacheXPub, &r.xpub),
		tlv.MakePrimitiveRecord(typeCacheTag, &r.tag),
		tlv.MakePrimitiveRecord(typeCacheUsed, &used),
	)
}

func decodeCacheRow(b []byte) (*cacheRow, error) {
	var (
		r    cacheRow
		used uint8
	)
	err := decodeStream(b,
		tlv.MakePrimitiveRecord(typeCacheXPub, &r.xpub),
		tlv.MakePrimitiveRecord(typeCacheTag, &r.tag),
		tlv.MakePrimitiveRecord(typeCacheUsed, &used),
	)
	if err != nil {
		return nil, err
	}
	r.used = used == 1
	return &r, nil
}

// remoteRow is a remote signer entry as persisted, keyed by path.
type remoteRow struct {
	xpub            []byte
	publicKey       []byte
	name            []byte
	lastHealthCheck int64
	used            bool
}

func encodeRemoteRow(r *remoteRow) ([]byte, error) {
	var (
		lastHealthCheck = uint64(r.lastHealthCheck)
		used            = boolByte(r.used)
	)
	return encodeStream(
		tlv.MakePrimitiveRecord(typeRemoteXPub, &r.xpub),
		tlv.MakePrimitiveRecord(typeRemotePublicKey, &r.publicKey),
		tlv.MakePrimitiveRecord(typeRemoteName, &r.name),
		tlv.MakePrimitiveRecord(
			typeRemoteLastHealthCheck, &lastHealthCheck,
		),
		tlv.MakePrimitiveRecord(typeRemoteUsed, &used),
	)
}

func decodeRemoteRow(b []byte) (*remoteRow, error) {
	var (
		r               remoteRow
		lastHealthCheck uint64
		used            uint8
	)
	err := decodeStream(b,
		tlv.MakePrimitiveRecord(typeRemoteXPub, &r.xpub),
		tlv.MakePrimitiveRecord(typeRemotePublicKey, &r.publicKey),
		tlv.MakePrimitiveRecord(typeRemoteName, &r.name),
		tlv.MakePrimitiveRecord(
			typeRemoteLastHealthCheck, &lastHealthCheck,
		),
		tlv.MakePrimitiveRecord(typeRemoteUsed, &used),
	)
	if err != nil {
		return nil, err
	}
	r.lastHealthCheck = int64(lastHealthCheck)
	r.used = used == 1
	return &r, nil
}

func encodeStream(records ...tlv.Record) ([]byte, error) {
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

func decodeStream(b []byte, records ...tlv.Record) error {
	tlvStream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	if err := tlvStream.Decode(bytes.NewReader(b)); err != nil {
		return fmt.Errorf("malformed signer row: %w", err)
	}
	return nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
