// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package appstate keeps the per-chain application state: the last known
// chain tip, the selected wallet, the storage layout version and the time of
// the last backup import.
package appstate

import (
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Store is the app-state record store of one chain.
type Store struct {
	db *recorddb.DB
}

// New wraps an open record store.
func New(db *recorddb.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying record store.
func (s *Store) DB() *recorddb.DB {
	return s.db
}

// ChainTip returns the last block height seen, or zero.
func (s *Store) ChainTip() (int, error) {
	tip, err := s.db.GetInt(recorddb.KeyChainTip)
	return int(tip), err
}

// SetChainTip reports whether the tip changed.
func (s *Store) SetChainTip(height int) (bool, error) {
	changed, err := s.db.PutInt(recorddb.KeyChainTip, int64(height))
	if err == nil && changed {
		log.Debugf("Chain tip now %d", height)
	}
	return changed, err
}

// SelectedWallet returns the wallet the application last selected.
func (s *Store) SelectedWallet() (fn.Option[string], error) {
	id, err := s.db.GetString(recorddb.KeySelectedWallet)
	if err != nil || id == "" {
		return fn.None[string](), err
	}
	return fn.Some(id), nil
}

// SetSelectedWallet reports whether the selection changed.  An empty id
// clears it.
func (s *Store) SetSelectedWallet(id string) (bool, error) {
	return s.db.PutString(recorddb.KeySelectedWallet, id)
}

// StorageVersion returns the layout version the chain's stores were last
// migrated to.
func (s *Store) StorageVersion() (int64, error) {
	return s.db.GetInt(recorddb.KeyVersion)
}

// SetStorageVersion reports whether the version changed.
func (s *Store) SetStorageVersion(version int64) (bool, error) {
	return s.db.PutInt(recorddb.KeyVersion, version)
}

// LastSyncTs returns the timestamp of the last backup imported.
func (s *Store) LastSyncTs() (int64, error) {
	return s.db.GetInt(recorddb.KeyLastSyncTs)
}

// SetLastSyncTs reports whether the timestamp changed.
func (s *Store) SetLastSyncTs(ts int64) (bool, error) {
	return s.db.PutInt(recorddb.KeyLastSyncTs, ts)
}
