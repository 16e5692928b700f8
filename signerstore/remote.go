// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signerstore

import (
	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// RemoteSigner is a key shared with us by a signer we have no device for.
type RemoteSigner struct {
	descriptor.SingleSigner

	// Used is set once a wallet references the key.
	Used bool
}

func (s *Store) remoteSigner(path string, row *remoteRow) RemoteSigner {
	return RemoteSigner{
		SingleSigner: descriptor.SingleSigner{
			Name:              string(row.name),
			XPub:              string(row.xpub),
			PublicKey:         string(row.publicKey),
			DerivationPath:    path,
			MasterFingerprint: s.id,
			LastHealthCheck:   row.lastHealthCheck,
			Type:              descriptor.Airgap,
		},
		Used: row.used,
	}
}

// AddRemote records a remote key.  It reports false if an entry for path
// already exists, which is left untouched.
func (s *Store) AddRemote(name, xpub, publicKey, path string,
	used bool) (bool, error) {

	path = keypath.FormalizePath(path)

	var added bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		t, err := tx.CreateTable(remoteTable)
		if err != nil {
			return err
		}
		if _, err := tx.PutString(recorddb.KeyID, s.id); err != nil {
			return err
		}
		b, err := encodeRemoteRow(&remoteRow{
			xpub:      []byte(xpub),
			publicKey: []byte(publicKey),
			name:      []byte(name),
			used:      used,
		})
		if err != nil {
			return err
		}
		added, err = t.Insert(path, b)
		return err
	})
	if err != nil {
		return false, err
	}

	if added {
		log.Debugf("Signer %s: added remote %s", s.id, path)
	}
	return added, nil
}

// updateRemote applies f to the entry at path and stores it if f reports a
// change.
func (s *Store) updateRemote(path string, f func(*remoteRow) bool) (bool,
	error) {

	path = keypath.FormalizePath(path)

	var changed bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		t, ok := tx.Table(remoteTable)
		if !ok {
			return nil
		}
		v, err := t.Get(path)
		if err != nil || v == nil {
			return err
		}
		row, err := decodeRemoteRow(v)
		if err != nil {
			return err
		}
		if !f(row) {
			return nil
		}
		b, err := encodeRemoteRow(row)
		if err != nil {
			return err
		}
		changed = true
		_, err = t.Put(path, b)
		return err
	})
	return changed, err
}

// UseRemote marks the entry at path used.  It reports false if the entry is
// missing or already used.
func (s *Store) UseRemote(path string) (bool, error) {
	return s.updateRemote(path, func(r *remoteRow) bool {
		if r.used {
			return false
		}
		r.used = true
		return true
	})
}

// SetRemoteName renames the entry at path and reports whether it exists.
func (s *Store) SetRemoteName(path, name string) (bool, error) {
	return s.updateRemote(path, func(r *remoteRow) bool {
		r.name = []byte(name)
		return true
	})
}

// SetRemoteLastHealthCheck records a health check of the entry at path.
func (s *Store) SetRemoteLastHealthCheck(path string, ts int64) (bool,
	error) {

	return s.updateRemote(path, func(r *remoteRow) bool {
		r.lastHealthCheck = ts
		return true
	})
}

// GetRemoteSigner returns the entry at path.
func (s *Store) GetRemoteSigner(path string) (fn.Option[RemoteSigner],
	error) {

	path = keypath.FormalizePath(path)

	signer := fn.None[RemoteSigner]()
	err := s.db.View(func(tx *recorddb.Tx) error {
		t, ok := tx.Table(remoteTable)
		if !ok {
			return nil
		}
		v, err := t.Get(path)
		if err != nil || v == nil {
			return err
		}
		row, err := decodeRemoteRow(v)
		if err != nil {
			return err
		}
		signer = fn.Some(s.remoteSigner(path, row))
		return nil
	})
	return signer, err
}

// GetRemoteSigners lists the remote entries.  A Master record lists none;
// its entries stay stored and are still served by GetRemoteSigner.
func (s *Store) GetRemoteSigners() ([]RemoteSigner, error) {
	var signers []RemoteSigner
	err := s.db.View(func(tx *recorddb.Tx) error {
		if tx.HasTable(cacheTable) {
			return nil
		}
		var err error
		signers, err = s.remoteSigners(tx)
		return err
	})
	return signers, err
}

// AllRemoteSigners lists the remote entries regardless of capability.
func (s *Store) AllRemoteSigners() ([]RemoteSigner, error) {
	var signers []RemoteSigner
	err := s.db.View(func(tx *recorddb.Tx) error {
		var err error
		signers, err = s.remoteSigners(tx)
		return err
	})
	return signers, err
}

func (s *Store) remoteSigners(tx *recorddb.Tx) ([]RemoteSigner, error) {
	t, ok := tx.Table(remoteTable)
	if !ok {
		return nil, nil
	}

	var signers []RemoteSigner
	err := t.ForEach(func(path string, v []byte) error {
		row, err := decodeRemoteRow(v)
		if err != nil {
			return err
		}
		signers = append(signers, s.remoteSigner(path, row))
		return nil
	})
	return signers, err
}

// DeleteRemoteSigner removes the entry at path unless a wallet uses it.  It
// reports whether an entry was removed.
func (s *Store) DeleteRemoteSigner(path string) (bool, error) {
	path = keypath.FormalizePath(path)

	var deleted bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		t, ok := tx.Table(remoteTable)
		if !ok {
			return nil
		}
		v, err := t.Get(path)
		if err != nil || v == nil {
			return err
		}
		row, err := decodeRemoteRow(v)
		if err != nil || row.used {
			return err
		}
		deleted, err = t.Delete(path)
		return err
	})
	if err != nil {
		return false, err
	}

	if deleted {
		log.Debugf("Signer %s: deleted remote %s", s.id, path)
	}
	return deleted, nil
}
