// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recorddb

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/btcsuite/btcwallet/walletdb"
)

// content is the decrypted logical content of a store.
type content struct {
	strs   map[Key][]byte
	ints   map[Key][]byte
	tables map[string]map[string][]byte
}

func (tx *Tx) dump() (*content, error) {
	c := &content{
		strs:   make(map[Key][]byte),
		ints:   make(map[Key][]byte),
		tables: make(map[string]map[string][]byte),
	}

	scalars := func(bucket []byte, into map[Key][]byte) error {
		t := &Table{r: tx.root.NestedReadBucket(bucket), keys: tx.keys}
		return t.r.ForEach(func(k, v []byte) error {
			if len(k) != 4 {
				return nil
			}
			plain, err := t.get(k)
			if err != nil {
				return err
			}
			into[Key(binary.BigEndian.Uint32(k))] = plain
			return nil
		})
	}
	if err := scalars(strBucket, c.strs); err != nil {
		return nil, err
	}
	if err := scalars(intBucket, c.ints); err != nil {
		return nil, err
	}

	names, err := tx.tableNames()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		t, _ := tx.Table(name)
		rows := make(map[string][]byte)
		err := t.ForEach(func(key string, value []byte) error {
			rows[key] = value
			return nil
		})
		if err != nil {
			return nil, err
		}
		c.tables[name] = rows
	}
	return c, nil
}

// load writes c into an empty store.
func (tx *Tx) load(c *content) error {
	if err := tx.Clear(); err != nil {
		return err
	}
	for k, v := range c.strs {
		if _, err := tx.putScalar(strBucket, k, v); err != nil {
			return err
		}
	}
	for k, v := range c.ints {
		if _, err := tx.putScalar(intBucket, k, v); err != nil {
			return err
		}
	}
	for name, rows := range c.tables {
		t, err := tx.CreateTable(name)
		if err != nil {
			return err
		}
		for k, v := range rows {
			if _, err := t.Put(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReKey re-encrypts the store in place under newPassphrase.  An empty
// passphrase turns the store into a plaintext one and a non-empty one
// encrypts a plaintext store.  The whole change is one bolt transaction.
func (d *DB) ReKey(newPassphrase string) error {
	keys, params, wrapped, err := newKeyring(newPassphrase, d.opts.scrypt)
	if err != nil {
		return err
	}

	err = walletdb.Update(d.db, func(wtx walletdb.ReadWriteTx) error {
		root := wtx.ReadWriteBucket(dataBucket)
		old := &Tx{root: root, rw: root, keys: d.keys}
		c, err := old.dump()
		if err != nil {
			return err
		}

		next := &Tx{root: root, rw: root, keys: keys}
		if err := next.load(c); err != nil {
			return err
		}
		return writeMeta(wtx, params, wrapped)
	})
	if err != nil {
		keys.zero()
		return wrapDBErr(err)
	}

	d.keys.zero()
	d.keys = keys

	log.Debugf("Re-keyed record store %s (encrypted=%v)", d.path,
		keys.encrypted())
	return nil
}

// Export writes a standalone copy of the store to newPath, encrypted under
// passphrase, or plaintext when passphrase is empty.  Any file already at
// newPath is overwritten.
func (d *DB) Export(newPath, passphrase string) error {
	var c *content
	err := d.View(func(tx *Tx) error {
		var err error
		c, err = tx.dump()
		return err
	})
	if err != nil {
		return err
	}

	if Exists(newPath) {
		if err := Remove(newPath); err != nil {
			return err
		}
	}

	dst, err := Open(newPath, passphrase, WithScrypt(d.opts.scrypt),
		WithTimeout(d.opts.timeout))
	if err != nil {
		return err
	}
	err = dst.Update(func(tx *Tx) error {
		return tx.load(c)
	})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	log.Debugf("Exported record store %s to %s", d.path, newPath)
	return nil
}

// snapshot is the JSON form of the logical content.
type snapshot struct {
	Strings map[string]string            `json:"strings"`
	Ints    map[string]int64             `json:"ints"`
	Tables  map[string]map[string]string `json:"tables"`
}

// Snapshot returns the decrypted logical content of the store as
// deterministic JSON.  Two stores holding the same records produce identical
// snapshots regardless of their passphrases.
func (d *DB) Snapshot() ([]byte, error) {
	var c *content
	err := d.View(func(tx *Tx) error {
		var err error
		c, err = tx.dump()
		return err
	})
	if err != nil {
		return nil, err
	}

	s := snapshot{
		Strings: make(map[string]string, len(c.strs)),
		Ints:    make(map[string]int64, len(c.ints)),
		Tables:  make(map[string]map[string]string, len(c.tables)),
	}
	for k, v := range c.strs {
		s.Strings[strconv.Itoa(int(k))] = string(v)
	}
	for k, v := range c.ints {
		if len(v) == 8 {
			s.Ints[strconv.Itoa(int(k))] = int64(
				binary.BigEndian.Uint64(v),
			)
		}
	}
	for name, rows := range c.tables {
		out := make(map[string]string, len(rows))
		for k, v := range rows {
			out[k] = hex.EncodeToString(v)
		}
		s.Tables[name] = out
	}

	b, err := json.Marshal(s)
	if err != nil {
		return nil, errcode.New(errcode.ErrDatabase,
			"failed to encode snapshot", err)
	}
	return b, nil
}
