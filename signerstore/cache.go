// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signerstore

import (
	"sort"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// CachedKey is an extended public key fetched from a master signer.
type CachedKey struct {
	Path string
	XPub string

	// Tag is the bucket the key belongs to, or keypath.TagCustom.
	Tag string

	// Allocated is set once a wallet uses the key.  It never reverts.
	Allocated bool
}

func cache(tx *recorddb.Tx, id string) (*recorddb.Table, error) {
	t, ok := tx.Table(cacheTable)
	if !ok {
		return nil, errcode.Errorf(errcode.ErrInvalidParameter,
			"signer %s is not a master signer", id)
	}
	return t, nil
}

// AddXPub caches the key at path.  An existing entry gets the new xpub but
// keeps its tag and allocation state.  It reports whether the entry changed.
func (s *Store) AddXPub(path, xpub, tag string) (bool, error) {
	path = keypath.FormalizePath(path)

	var changed bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		t, err := cache(tx, s.id)
		if err != nil {
			return err
		}

		row := &cacheRow{tag: []byte(tag)}
		if v, err := t.Get(path); err != nil {
			return err
		} else if v != nil {
			if row, err = decodeCacheRow(v); err != nil {
				return err
			}
		}
		row.xpub = []byte(xpub)

		b, err := encodeCacheRow(row)
		if err != nil {
			return err
		}
		changed, err = t.Put(path, b)
		return err
	})
	if err != nil {
		return false, err
	}

	if changed {
		log.Tracef("Signer %s: cached %s (%s)", s.id, path, tag)
	}
	return changed, nil
}

// AddXPubAt caches the account key of a bucket index.
func (s *Store) AddXPubAt(w keypath.WalletType, a keypath.AddressType,
	index int, xpub string) (bool, error) {

	path, err := keypath.DerivePath(s.chain, w, a, index)
	if err != nil {
		return false, errcode.New(errcode.ErrInvalidBip32Path,
			"no canonical path", err)
	}
	return s.AddXPub(path, xpub, keypath.BucketFor(w, a).Tag())
}

// UseIndex allocates the cached key of a bucket index.  It reports false if
// the key is not cached or already allocated.
func (s *Store) UseIndex(w keypath.WalletType, a keypath.AddressType,
	index int) (bool, error) {

	path, err := keypath.DerivePath(s.chain, w, a, index)
	if err != nil {
		return false, errcode.New(errcode.ErrInvalidBip32Path,
			"no canonical path", err)
	}

	var allocated bool
	err = s.db.Update(func(tx *recorddb.Tx) error {
		t, err := cache(tx, s.id)
		if err != nil {
			return err
		}
		v, err := t.Get(path)
		if err != nil || v == nil {
			return err
		}
		row, err := decodeCacheRow(v)
		if err != nil || row.used {
			return err
		}

		row.used = true
		b, err := encodeCacheRow(row)
		if err != nil {
			return err
		}
		allocated, err = t.Put(path, b)
		return err
	})
	if err != nil {
		return false, err
	}

	if allocated {
		log.Debugf("Signer %s: allocated %s", s.id, path)
	}
	return allocated, nil
}

// CachedKeys returns every cached key in path order.
func (s *Store) CachedKeys() ([]CachedKey, error) {
	var keys []CachedKey
	err := s.db.View(func(tx *recorddb.Tx) error {
		var err error
		keys, err = cachedKeys(tx, s.id)
		return err
	})
	return keys, err
}

func cachedKeys(tx *recorddb.Tx, id string) ([]CachedKey, error) {
	t, err := cache(tx, id)
	if err != nil {
		return nil, err
	}

	var keys []CachedKey
	err = t.ForEach(func(path string, v []byte) error {
		row, err := decodeCacheRow(v)
		if err != nil {
			return err
		}
		keys = append(keys, CachedKey{
			Path:      path,
			XPub:      string(row.xpub),
			Tag:       string(row.tag),
			Allocated: row.used,
		})
		return nil
	})
	return keys, err
}

// bucketIndexes returns the account indexes cached for a bucket, ascending,
// together with their allocation state.
func (s *Store) bucketIndexes(w keypath.WalletType,
	a keypath.AddressType) ([]int, map[int]bool, error) {

	tag := keypath.BucketFor(w, a).Tag()
	keys, err := s.CachedKeys()
	if err != nil {
		return nil, nil, err
	}

	var (
		indexes   []int
		allocated = make(map[int]bool)
	)
	for _, k := range keys {
		if k.Tag != tag {
			continue
		}
		i := keypath.ParseIndexFromPath(k.Path)
		if i < 0 {
			continue
		}
		indexes = append(indexes, i)
		allocated[i] = k.Allocated
	}
	sort.Ints(indexes)
	return indexes, allocated, nil
}

// GetUnusedIndex returns the lowest cached index of a bucket that is not
// allocated, or -1 if the look-ahead is exhausted.
func (s *Store) GetUnusedIndex(w keypath.WalletType,
	a keypath.AddressType) (int, error) {

	indexes, allocated, err := s.bucketIndexes(w, a)
	if err != nil {
		return -1, err
	}
	for _, i := range indexes {
		if !allocated[i] {
			return i, nil
		}
	}
	return -1, nil
}

// IsAllocated reports whether the cached key of a bucket index has been
// allocated to a wallet.
func (s *Store) IsAllocated(w keypath.WalletType, a keypath.AddressType,
	index int) (bool, error) {

	_, allocated, err := s.bucketIndexes(w, a)
	if err != nil {
		return false, err
	}
	return allocated[index], nil
}

// GetCachedIndex returns the highest cached index of a bucket regardless of
// allocation, or -1 if none is cached.
func (s *Store) GetCachedIndex(w keypath.WalletType,
	a keypath.AddressType) (int, error) {

	indexes, _, err := s.bucketIndexes(w, a)
	if err != nil || len(indexes) == 0 {
		return -1, err
	}
	return indexes[len(indexes)-1], nil
}

// GetXpub returns the cached key at path.
func (s *Store) GetXpub(path string) (fn.Option[string], error) {
	path = keypath.FormalizePath(path)

	xpub := fn.None[string]()
	err := s.db.View(func(tx *recorddb.Tx) error {
		t, ok := tx.Table(cacheTable)
		if !ok {
			return nil
		}
		v, err := t.Get(path)
		if err != nil || v == nil {
			return err
		}
		row, err := decodeCacheRow(v)
		if err != nil {
			return err
		}
		xpub = fn.Some(string(row.xpub))
		return nil
	})
	return xpub, err
}

// GetXpubAt returns the cached account key of a bucket index.
func (s *Store) GetXpubAt(w keypath.WalletType, a keypath.AddressType,
	index int) (fn.Option[string], error) {

	path, err := keypath.DerivePath(s.chain, w, a, index)
	if err != nil {
		return fn.None[string](), errcode.New(
			errcode.ErrInvalidBip32Path, "no canonical path", err,
		)
	}
	return s.GetXpub(path)
}

// GetSingleSigners returns a wallet slot for every allocated key.
func (s *Store) GetSingleSigners() ([]descriptor.SingleSigner, error) {
	var signers []descriptor.SingleSigner
	err := s.db.View(func(tx *recorddb.Tx) error {
		if !tx.HasTable(cacheTable) {
			return nil
		}
		keys, err := cachedKeys(tx, s.id)
		if err != nil {
			return err
		}
		name, err := tx.GetString(recorddb.KeyName)
		if err != nil {
			return err
		}
		fp, err := tx.GetString(recorddb.KeyFingerprint)
		if err != nil {
			return err
		}
		health, err := tx.GetInt(recorddb.KeyLastHealthCheck)
		if err != nil {
			return err
		}
		t, err := tx.GetInt(recorddb.KeySignerType)
		if err != nil {
			return err
		}

		for _, k := range keys {
			if !k.Allocated {
				continue
			}
			signers = append(signers, descriptor.SingleSigner{
				Name:              name,
				XPub:              k.XPub,
				DerivationPath:    k.Path,
				MasterFingerprint: fp,
				MasterSignerID:    s.id,
				LastHealthCheck:   health,
				Type:              descriptor.SignerType(t),
			})
		}
		return nil
	})
	return signers, err
}
