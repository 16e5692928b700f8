// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"github.com/RandyMcMillan/libnunchuk/recorddb"
)

// versions lists the wallet schema upgrades in order.  Version 1 added the
// block time of transactions and version 2 their extra data.
var versions = []recorddb.Migration{
	{Version: 1, Apply: addBlocktime},
	{Version: 2, Apply: addExtra},
}

func latestVersion() uint32 {
	return recorddb.LatestVersion(versions)
}

// MaybeMigrate upgrades a store written by an older release.  It is a no-op
// for a store that is up to date.
func (s *Store) MaybeMigrate() error {
	before, err := s.db.Version()
	if err != nil {
		return err
	}
	if before == latestVersion() {
		return nil
	}

	if err := s.db.Migrate("wallet "+s.id, versions); err != nil {
		return err
	}

	log.Infof("Migrated wallet %s from version %d to %d", s.id, before,
		latestVersion())
	return nil
}

// rewriteTxRows applies f to every transaction row and stores the rows it
// reports as changed.
func rewriteTxRows(tx *recorddb.Tx, f func(*txRow) bool) error {
	t, ok := tx.Table(txTable)
	if !ok {
		return nil
	}

	changed := make(map[string][]byte)
	err := t.ForEach(func(id string, v []byte) error {
		row, err := decodeTxRow(v)
		if err != nil {
			return err
		}
		if !f(row) {
			return nil
		}
		b, err := encodeTxRow(row)
		if err != nil {
			return err
		}
		changed[id] = b
		return nil
	})
	if err != nil {
		return err
	}

	for id, b := range changed {
		if _, err := t.Put(id, b); err != nil {
			return err
		}
	}
	return nil
}

func addBlocktime(tx *recorddb.Tx) error {
	return rewriteTxRows(tx, func(r *txRow) bool {
		if r.hasBlocktime {
			return false
		}
		r.blocktime = 0
		r.hasBlocktime = true
		return true
	})
}

func addExtra(tx *recorddb.Tx) error {
	return rewriteTxRows(tx, func(r *txRow) bool {
		if r.hasExtra {
			return false
		}
		r.extra = nil
		r.hasExtra = true
		return true
	})
}
