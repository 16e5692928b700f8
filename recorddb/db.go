// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package recorddb implements the encrypted key/value record store that backs
// every wallet, signer and app-state store.
//
// A store is a single bolt file opened through walletdb.  It holds a string
// table and an integer table addressed by Key, plus any number of named
// tables of opaque rows.  When the store has a passphrase every value is
// sealed with a random crypto key that is itself wrapped by a scrypt derived
// master key.  Keys and table names are stored in the clear.
package recorddb

import (
	"bytes"
	"encoding/binary"
	"os"
	"time"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/btcsuite/btcwallet/walletdb"

	// Register the bolt driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	dbDriver = "bdb"

	// formatVersion is the layout of the bolt buckets themselves, not the
	// schema of the rows kept in them.
	formatVersion = 1
)

var (
	// metaBucket holds the plaintext crypto parameters.
	metaBucket = []byte("meta")

	// dataBucket is the root of all sealed content.
	dataBucket = []byte("data")

	strBucket   = []byte("vstr")
	intBucket   = []byte("vint")
	tableBucket = []byte("tables")

	formatKey = []byte("format")
	masterKey = []byte("master")
	cryptoKey = []byte("crypto")
)

// Option configures Open.
type Option func(*options)

type options struct {
	scrypt  ScryptOptions
	timeout time.Duration
}

func defaultOptions() *options {
	return &options{
		scrypt:  DefaultScryptOptions,
		timeout: 10 * time.Second,
	}
}

// WithScrypt sets the scrypt parameters used for keys created by this call,
// including keys created later by ReKey and Export on the returned store.
func WithScrypt(s ScryptOptions) Option {
	return func(o *options) {
		o.scrypt = s
	}
}

// WithTimeout sets how long Open waits for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// DB is an open record store.
type DB struct {
	db   walletdb.DB
	path string
	keys *keyring
	opts *options
}

// Exists reports whether a store file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes the store file at path.  The store must not be open.
// Removing a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errcode.New(errcode.ErrDatabase,
			"failed to remove record store "+path, err)
	}
	return nil
}

// Open opens the store at path, creating it when it does not exist.  A new
// store is encrypted under passphrase unless the passphrase is empty.
//
// Opening an existing store fails with ErrInvalidPassphrase when the
// passphrase is wrong, when it is empty but the store is encrypted, and when
// it is set but the store is plaintext.
func Open(path, passphrase string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	var (
		db  walletdb.DB
		err error
	)
	if Exists(path) {
		db, err = walletdb.Open(dbDriver, path, true, o.timeout, false)
	} else {
		db, err = walletdb.Create(dbDriver, path, true, o.timeout, false)
	}
	if err != nil {
		return nil, errcode.New(errcode.ErrDatabase,
			"failed to open record store "+path, err)
	}

	keys, err := initKeys(db, passphrase, o.scrypt)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Tracef("Opened record store %s (encrypted=%v)", path,
		keys.encrypted())

	return &DB{db: db, path: path, keys: keys, opts: o}, nil
}

// initKeys writes the meta bucket of a fresh store or unlocks the keys of an
// existing one.
func initKeys(db walletdb.DB, passphrase string,
	scrypt ScryptOptions) (*keyring, error) {

	var (
		keys  *keyring
		fresh bool
	)
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		meta := tx.ReadBucket(metaBucket)
		if meta == nil {
			fresh = true
			return nil
		}

		params := meta.Get(masterKey)
		switch {
		case params == nil && passphrase != "":
			return errcode.New(errcode.ErrInvalidPassphrase,
				"store is not encrypted", nil)

		case params == nil:
			keys = &keyring{}
			return nil

		case passphrase == "":
			return errcode.New(errcode.ErrInvalidPassphrase,
				"store is encrypted", nil)
		}

		var err error
		keys, err = unlockKeyring(
			passphrase, params, meta.Get(cryptoKey),
		)
		return err
	})
	if err != nil || !fresh {
		return keys, err
	}

	keys, params, wrapped, err := newKeyring(passphrase, scrypt)
	if err != nil {
		return nil, err
	}
	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		return writeMeta(tx, params, wrapped)
	})
	if err != nil {
		keys.zero()
		return nil, errcode.New(errcode.ErrDatabase,
			"failed to initialize record store", err)
	}
	return keys, nil
}

// writeMeta (re)creates the meta bucket and makes sure the data buckets
// exist.
func writeMeta(tx walletdb.ReadWriteTx, params, wrapped []byte) error {
	if tx.ReadBucket(metaBucket) != nil {
		if err := tx.DeleteTopLevelBucket(metaBucket); err != nil {
			return err
		}
	}
	meta, err := tx.CreateTopLevelBucket(metaBucket)
	if err != nil {
		return err
	}

	var format [4]byte
	binary.BigEndian.PutUint32(format[:], formatVersion)
	if err := meta.Put(formatKey, format[:]); err != nil {
		return err
	}
	if params != nil {
		if err := meta.Put(masterKey, params); err != nil {
			return err
		}
		if err := meta.Put(cryptoKey, wrapped); err != nil {
			return err
		}
	}

	data, err := tx.CreateTopLevelBucket(dataBucket)
	if err != nil && err != walletdb.ErrBucketExists {
		return err
	}
	if data == nil {
		data = tx.ReadWriteBucket(dataBucket)
	}
	for _, name := range [][]byte{strBucket, intBucket, tableBucket} {
		if _, err := data.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the file backing the store.
func (d *DB) Path() string {
	return d.path
}

// Encrypted reports whether the store has a passphrase.
func (d *DB) Encrypted() bool {
	return d.keys.encrypted()
}

// Close releases the file lock and forgets the crypto key.
func (d *DB) Close() error {
	d.keys.zero()
	if err := d.db.Close(); err != nil {
		return errcode.New(errcode.ErrDatabase,
			"failed to close record store "+d.path, err)
	}
	return nil
}

// View runs f in a read-only transaction.
func (d *DB) View(f func(tx *Tx) error) error {
	return wrapDBErr(walletdb.View(d.db, func(rtx walletdb.ReadTx) error {
		return f(&Tx{root: rtx.ReadBucket(dataBucket), keys: d.keys})
	}))
}

// Update runs f in a read-write transaction that is committed, and so
// durably persisted, before Update returns.
func (d *DB) Update(f func(tx *Tx) error) error {
	return wrapDBErr(walletdb.Update(d.db, func(wtx walletdb.ReadWriteTx) error {
		root := wtx.ReadWriteBucket(dataBucket)
		return f(&Tx{root: root, rw: root, keys: d.keys})
	}))
}

// PutString stores value under key.  It reports whether the stored value
// changed.
func (d *DB) PutString(key Key, value string) (bool, error) {
	var changed bool
	err := d.Update(func(tx *Tx) error {
		var err error
		changed, err = tx.PutString(key, value)
		return err
	})
	return changed, err
}

// PutInt stores value under key.  It reports whether the stored value
// changed.
func (d *DB) PutInt(key Key, value int64) (bool, error) {
	var changed bool
	err := d.Update(func(tx *Tx) error {
		var err error
		changed, err = tx.PutInt(key, value)
		return err
	})
	return changed, err
}

// GetString returns the value under key, or "" when it is unset.
func (d *DB) GetString(key Key) (string, error) {
	var value string
	err := d.View(func(tx *Tx) error {
		var err error
		value, err = tx.GetString(key)
		return err
	})
	return value, err
}

// GetInt returns the value under key, or 0 when it is unset.
func (d *DB) GetInt(key Key) (int64, error) {
	var value int64
	err := d.View(func(tx *Tx) error {
		var err error
		value, err = tx.GetInt(key)
		return err
	})
	return value, err
}

// wrapDBErr passes errcode errors through and tags everything else as a
// database failure.
func wrapDBErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errcode.Code(err); ok {
		return err
	}
	return errcode.New(errcode.ErrDatabase, "record store failure", err)
}

func keyBytes(k Key) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(k))
	return b[:]
}

func equalValue(old, value []byte) bool {
	return old != nil && bytes.Equal(old, value)
}
