// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storage composes the wallet, signer and app-state record stores of
// every chain behind one facade.
//
// Each chain lives in its own subtree of the data directory:
//
//	<root>/<chain>/wallets/<wallet id>
//	<root>/<chain>/signers/<master fingerprint>
//	<root>/<chain>/state/appstate
//	<root>/<chain>/tmp/
//
// All access to a chain's stores goes through a single reader/writer lock.
// Reads take it shared, mutations take it exclusively.  Passphrase rotation
// and backup import hold the lock of every chain.
package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/RandyMcMillan/libnunchuk/appstate"
	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/RandyMcMillan/libnunchuk/signerstore"
	"github.com/RandyMcMillan/libnunchuk/walletstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
)

// StorageVersion is the layout version recorded in each chain's app state
// once construction time migration has run.
const StorageVersion = 3

const (
	walletsDir = "wallets"
	signersDir = "signers"
	stateDir   = "state"
	tmpDir     = "tmp"

	stateFile = "appstate"
)

// DefaultDataDir returns the per-user application data directory.
func DefaultDataDir() string {
	return btcutil.AppDataDir("nunchuk", false)
}

// Config holds the parameters of New.
type Config struct {
	// DataDir is the storage root.  It must be an existing directory.
	// Empty selects DefaultDataDir, which is created when missing.
	DataDir string

	// Passphrase encrypts every wallet and signer store.  Empty keeps
	// them plaintext.
	Passphrase string

	// Clock stamps creation dates, health checks and backups.  Defaults
	// to the system clock.
	Clock clock.Clock

	// DBOptions are passed to every record store opened.
	DBOptions []recorddb.Option
}

// chainStore is the state of one chain's subtree.
type chainStore struct {
	mu sync.RWMutex

	chain keypath.Chain
	dir   string

	// signerPass maps signer ids to unlocked software signer passphrases.
	// Guarded by mu.
	signerPass map[string]string

	// handles caches open record stores by path.  A bolt file can only be
	// opened once per process, and readers holding mu shared may race to
	// open the same store.
	handleMtx sync.Mutex
	handles   map[string]*recorddb.DB
}

func (cs *chainStore) path(kind, id string) string {
	return filepath.Join(cs.dir, kind, id)
}

func (cs *chainStore) open(path, passphrase string,
	opts []recorddb.Option) (*recorddb.DB, error) {

	cs.handleMtx.Lock()
	defer cs.handleMtx.Unlock()

	if db, ok := cs.handles[path]; ok {
		return db, nil
	}
	db, err := recorddb.Open(path, passphrase, opts...)
	if err != nil {
		return nil, err
	}
	cs.handles[path] = db
	return db, nil
}

// release closes the cached handle of path, if any.
func (cs *chainStore) release(path string) error {
	cs.handleMtx.Lock()
	defer cs.handleMtx.Unlock()

	db, ok := cs.handles[path]
	if !ok {
		return nil
	}
	delete(cs.handles, path)
	return db.Close()
}

func (cs *chainStore) closeAll() error {
	cs.handleMtx.Lock()
	defer cs.handleMtx.Unlock()

	var firstErr error
	for path, db := range cs.handles {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(cs.handles, path)
	}
	return firstErr
}

// Storage is the record-store facade.  It is safe for concurrent access.
type Storage struct {
	root   string
	clock  clock.Clock
	dbOpts []recorddb.Option

	// passphrase is read under any chain lock and only written while every
	// chain lock is held.
	passphrase string

	chains map[keypath.Chain]*chainStore
}

// New opens the storage rooted at cfg.DataDir, creating the per-chain layout
// as needed, and migrates every chain to the current version.
func New(cfg *Config) (*Storage, error) {
	root := cfg.DataDir
	if root == "" {
		root = DefaultDataDir()
		if err := os.MkdirAll(root, 0700); err != nil {
			return nil, errcode.New(errcode.ErrInvalidDataDir,
				"unable to create "+root, err)
		}
	} else {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, errcode.New(errcode.ErrInvalidDataDir,
				"invalid data directory", err)
		}
		root = abs

		fi, err := os.Stat(root)
		if err != nil || !fi.IsDir() {
			return nil, errcode.Errorf(errcode.ErrInvalidDataDir,
				"%s is not a directory", root)
		}
	}

	s := &Storage{
		root:       root,
		clock:      cfg.Clock,
		dbOpts:     cfg.DBOptions,
		passphrase: cfg.Passphrase,
		chains:     make(map[keypath.Chain]*chainStore),
	}
	if s.clock == nil {
		s.clock = clock.NewDefaultClock()
	}

	for _, c := range keypath.Chains {
		cs := &chainStore{
			chain:      c,
			dir:        filepath.Join(root, c.String()),
			signerPass: make(map[string]string),
			handles:    make(map[string]*recorddb.DB),
		}
		for _, d := range []string{walletsDir, signersDir, stateDir,
			tmpDir} {

			err := os.MkdirAll(filepath.Join(cs.dir, d), 0700)
			if err != nil {
				return nil, errcode.New(errcode.ErrInvalidDataDir,
					"unable to create chain layout", err)
			}
		}
		s.chains[c] = cs
	}

	for _, c := range keypath.Chains {
		if err := s.migrate(c); err != nil {
			s.Close()
			return nil, err
		}
	}

	log.Infof("Opened storage at %s (encrypted=%v)", root,
		cfg.Passphrase != "")
	return s, nil
}

// DataDir returns the absolute storage root.
func (s *Storage) DataDir() string {
	return s.root
}

// Close closes every open record store.
func (s *Storage) Close() error {
	s.lockAll()
	defer s.unlockAll()

	var firstErr error
	for _, c := range keypath.Chains {
		if err := s.chains[c].closeAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Storage) chainFor(c keypath.Chain) (*chainStore, error) {
	cs, ok := s.chains[c]
	if !ok {
		return nil, errcode.Errorf(errcode.ErrInvalidParameter,
			"unknown chain %v", c)
	}
	return cs, nil
}

// view runs f holding the chain lock shared.
func (s *Storage) view(c keypath.Chain, f func(*chainStore) error) error {
	cs, err := s.chainFor(c)
	if err != nil {
		return err
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return f(cs)
}

// update runs f holding the chain lock exclusively.
func (s *Storage) update(c keypath.Chain, f func(*chainStore) error) error {
	cs, err := s.chainFor(c)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return f(cs)
}

// lockAll takes every chain lock exclusively, always in the same order.
func (s *Storage) lockAll() {
	for _, c := range keypath.Chains {
		s.chains[c].mu.Lock()
	}
}

func (s *Storage) unlockAll() {
	for i := len(keypath.Chains) - 1; i >= 0; i-- {
		s.chains[keypath.Chains[i]].mu.Unlock()
	}
}

// walletStore opens an existing wallet store.
func (s *Storage) walletStore(cs *chainStore, id string) (*walletstore.Store,
	error) {

	path := cs.path(walletsDir, id)
	if !descriptor.IsWalletID(id) || !recorddb.Exists(path) {
		return nil, errcode.Errorf(errcode.ErrWalletNotFound,
			"wallet %s not found", id)
	}
	db, err := cs.open(path, s.passphrase, s.dbOpts)
	if err != nil {
		return nil, err
	}
	return walletstore.New(db, id, cs.chain), nil
}

// signerExists reports whether a record store is present for signer id.
func (s *Storage) signerExists(cs *chainStore, id string) bool {
	return recorddb.Exists(cs.path(signersDir, strings.ToLower(id)))
}

// signerStore opens an existing signer store.
func (s *Storage) signerStore(cs *chainStore, id string) (*signerstore.Store,
	error) {

	if !s.signerExists(cs, id) {
		return nil, errcode.Errorf(errcode.ErrSignerNotFound,
			"signer %s not found", id)
	}
	return s.openSigner(cs, id)
}

// openSigner opens the signer store of id, creating an empty one if needed.
func (s *Storage) openSigner(cs *chainStore, id string) (*signerstore.Store,
	error) {

	id = strings.ToLower(id)
	if !isFingerprint(id) {
		return nil, errcode.Errorf(errcode.ErrInvalidParameter,
			"invalid master fingerprint %q", id)
	}
	db, err := cs.open(cs.path(signersDir, id), s.passphrase, s.dbOpts)
	if err != nil {
		return nil, err
	}
	return signerstore.New(db, id, cs.chain), nil
}

// appState opens the chain's app-state store.  It is never encrypted.
func (s *Storage) appState(cs *chainStore) (*appstate.Store, error) {
	db, err := cs.open(cs.path(stateDir, stateFile), "", s.dbOpts)
	if err != nil {
		return nil, err
	}
	return appstate.New(db), nil
}

// isFingerprint reports whether name is a lower-case hex master
// fingerprint.
func isFingerprint(name string) bool {
	if len(name) != 8 {
		return false
	}
	for _, r := range name {
		if !('0' <= r && r <= '9' || 'a' <= r && r <= 'f') {
			return false
		}
	}
	return true
}

// listIDs returns the store ids under one of the chain's directories.  Files
// whose names fail valid are ignored.
func listIDs(cs *chainStore, kind string,
	valid func(string) bool) ([]string, error) {

	entries, err := os.ReadDir(filepath.Join(cs.dir, kind))
	if err != nil {
		return nil, errcode.New(errcode.ErrDatabase,
			"unable to list "+kind, err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !valid(e.Name()) {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// migrate brings every wallet of a chain to the latest schema and then
// advances the chain's storage version.
func (s *Storage) migrate(c keypath.Chain) error {
	return s.update(c, func(cs *chainStore) error {
		ids, err := listIDs(cs, walletsDir, descriptor.IsWalletID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			w, err := s.walletStore(cs, id)
			if err != nil {
				return err
			}
			if err := w.MaybeMigrate(); err != nil {
				return err
			}
		}

		state, err := s.appState(cs)
		if err != nil {
			return err
		}
		version, err := state.StorageVersion()
		if err != nil || version >= StorageVersion {
			return err
		}

		// Before version 3 remote signers were not recorded when a
		// wallet was created, so rebuild them from the wallets.
		if version < 3 {
			for _, id := range ids {
				if _, err := s.getWallet(cs, id, true); err != nil {
					return err
				}
			}
		}

		if _, err := state.SetStorageVersion(StorageVersion); err != nil {
			return err
		}
		log.Infof("Migrated %v storage from version %d to %d", c,
			version, StorageVersion)
		return nil
	})
}
