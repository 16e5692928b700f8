// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recorddb

import (
	"encoding/binary"
	"errors"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/btcsuite/btcwallet/walletdb"
)

var errReadOnly = errors.New("write in a read-only transaction")

// Tx is a view of a store inside one bolt transaction.  Values read through
// it are already decrypted and values written through it are sealed.
type Tx struct {
	root walletdb.ReadBucket
	rw   walletdb.ReadWriteBucket
	keys *keyring
}

func (tx *Tx) writable() error {
	if tx.rw == nil {
		return errReadOnly
	}
	return nil
}

// PutString stores value under key and reports whether it changed.
func (tx *Tx) PutString(key Key, value string) (bool, error) {
	return tx.putScalar(strBucket, key, []byte(value))
}

// PutInt stores value under key and reports whether it changed.
func (tx *Tx) PutInt(key Key, value int64) (bool, error) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(value))
	return tx.putScalar(intBucket, key, b[:])
}

// GetString returns the value under key, or "" when it is unset.
func (tx *Tx) GetString(key Key) (string, error) {
	v, err := tx.getScalar(strBucket, key)
	return string(v), err
}

// GetInt returns the value under key, or 0 when it is unset.
func (tx *Tx) GetInt(key Key) (int64, error) {
	v, err := tx.getScalar(intBucket, key)
	if err != nil || v == nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, errcode.Errorf(errcode.ErrDatabase,
			"integer record %d has %d bytes", key, len(v))
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func (tx *Tx) putScalar(bucket []byte, key Key, value []byte) (bool, error) {
	if err := tx.writable(); err != nil {
		return false, err
	}
	t := &Table{
		r:    tx.rw.NestedReadBucket(bucket),
		w:    tx.rw.NestedReadWriteBucket(bucket),
		keys: tx.keys,
	}
	return t.put(keyBytes(key), value)
}

func (tx *Tx) getScalar(bucket []byte, key Key) ([]byte, error) {
	t := &Table{r: tx.root.NestedReadBucket(bucket), keys: tx.keys}
	return t.get(keyBytes(key))
}

// HasTable reports whether the named table exists.
func (tx *Tx) HasTable(name string) bool {
	return tx.tables().NestedReadBucket([]byte(name)) != nil
}

// Table returns the named table.  The second return value is false when the
// table does not exist.
func (tx *Tx) Table(name string) (*Table, bool) {
	r := tx.tables().NestedReadBucket([]byte(name))
	if r == nil {
		return nil, false
	}
	t := &Table{r: r, keys: tx.keys}
	if tx.rw != nil {
		t.w = tx.rw.NestedReadWriteBucket(tableBucket).
			NestedReadWriteBucket([]byte(name))
	}
	return t, true
}

// CreateTable returns the named table, creating it if needed.
func (tx *Tx) CreateTable(name string) (*Table, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	b, err := tx.rw.NestedReadWriteBucket(tableBucket).
		CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	return &Table{r: b, w: b, keys: tx.keys}, nil
}

// DropTable deletes the named table and its rows.  Dropping a missing table
// is not an error.
func (tx *Tx) DropTable(name string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if !tx.HasTable(name) {
		return nil
	}
	return tx.rw.NestedReadWriteBucket(tableBucket).
		DeleteNestedBucket([]byte(name))
}

// Clear removes every scalar and every table, leaving an empty store.
func (tx *Tx) Clear() error {
	if err := tx.writable(); err != nil {
		return err
	}
	for _, name := range [][]byte{strBucket, intBucket, tableBucket} {
		if err := tx.rw.DeleteNestedBucket(name); err != nil {
			return err
		}
		if _, err := tx.rw.CreateBucket(name); err != nil {
			return err
		}
	}
	return nil
}

// tableNames lists the tables in key order.
func (tx *Tx) tableNames() ([]string, error) {
	var names []string
	err := tx.tables().ForEach(func(k, v []byte) error {
		if v == nil {
			names = append(names, string(k))
		}
		return nil
	})
	return names, err
}

func (tx *Tx) tables() walletdb.ReadBucket {
	return tx.root.NestedReadBucket(tableBucket)
}

// Table is a named set of rows keyed by string.
type Table struct {
	r    walletdb.ReadBucket
	w    walletdb.ReadWriteBucket
	keys *keyring
}

// Get returns the row under key, or nil when there is none.
func (t *Table) Get(key string) ([]byte, error) {
	return t.get([]byte(key))
}

// Has reports whether a row exists under key.
func (t *Table) Has(key string) bool {
	return t.r.Get([]byte(key)) != nil
}

// Put upserts a row and reports whether the stored value changed.
func (t *Table) Put(key string, value []byte) (bool, error) {
	return t.put([]byte(key), value)
}

// Insert adds a row only if key is not yet present.  It reports whether the
// row was added.
func (t *Table) Insert(key string, value []byte) (bool, error) {
	if t.w == nil {
		return false, errReadOnly
	}
	if t.Has(key) {
		return false, nil
	}
	sealed, err := t.keys.seal(value)
	if err != nil {
		return false, err
	}
	return true, t.w.Put([]byte(key), sealed)
}

// Delete removes a row and reports whether it existed.
func (t *Table) Delete(key string) (bool, error) {
	if t.w == nil {
		return false, errReadOnly
	}
	if !t.Has(key) {
		return false, nil
	}
	return true, t.w.Delete([]byte(key))
}

// ForEach calls f for every row in key order.
func (t *Table) ForEach(f func(key string, value []byte) error) error {
	return t.r.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		plain, err := t.keys.open(v)
		if err != nil {
			return err
		}
		return f(string(k), plain)
	})
}

// Len returns the number of rows.
func (t *Table) Len() int {
	n := 0
	t.r.ForEach(func(_, v []byte) error {
		if v != nil {
			n++
		}
		return nil
	})
	return n
}

func (t *Table) get(key []byte) ([]byte, error) {
	v := t.r.Get(key)
	if v == nil {
		return nil, nil
	}
	plain, err := t.keys.open(v)
	if err != nil {
		return nil, err
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func (t *Table) put(key, value []byte) (bool, error) {
	if t.w == nil {
		return false, errReadOnly
	}
	old, err := t.get(key)
	if err != nil {
		return false, err
	}
	if equalValue(old, value) {
		return false, nil
	}
	sealed, err := t.keys.seal(value)
	if err != nil {
		return false, err
	}
	return true, t.w.Put(key, sealed)
}
