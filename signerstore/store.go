// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signerstore keeps the record of one signer, identified by its
// master fingerprint.
//
// A record is either Remote, holding only the keys other parties shared with
// us, or Master, which adds device details and the derived key cache used to
// allocate account indexes.  A Remote record is upgraded to Master in place
// when the same fingerprint is later added as a local signer; its remote
// entries are kept.
package signerstore

import (
	"strings"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
)

const (
	cacheTable  = "bip32"
	remoteTable = "remote"
)

// Capability is what a signer record can be used for.
type Capability uint8

const (
	// Remote records only hold keys shared by other parties.
	Remote Capability = iota

	// Master records belong to a signer we can ask for keys.
	Master
)

// String returns the capability name.
func (c Capability) String() string {
	if c == Master {
		return "master"
	}
	return "remote"
}

// Device identifies the hardware or software behind a master signer.
type Device struct {
	Type              string
	Model             string
	MasterFingerprint string
	SignerType        descriptor.SignerType
}

// Store is the record store of one signer.
type Store struct {
	db    *recorddb.DB
	id    string
	chain keypath.Chain
}

// New wraps an open record store as the signer store of the lower-case
// fingerprint id.
func New(db *recorddb.DB, id string, chain keypath.Chain) *Store {
	return &Store{db: db, id: strings.ToLower(id), chain: chain}
}

// ID returns the signer's master fingerprint.
func (s *Store) ID() string {
	return s.id
}

// DB returns the underlying record store.
func (s *Store) DB() *recorddb.DB {
	return s.db
}

// Capability reports whether the record is a Master.  It is derived from the
// presence of the key cache, so an upgrade is visible immediately.
func (s *Store) Capability() (Capability, error) {
	c := Remote
	err := s.db.View(func(tx *recorddb.Tx) error {
		if tx.HasTable(cacheTable) {
			c = Master
		}
		return nil
	})
	return c, err
}

// IsMaster is shorthand for Capability() == Master.
func (s *Store) IsMaster() (bool, error) {
	c, err := s.Capability()
	return c == Master, err
}

// InitSigner creates a Master record.  It fails with ErrSignerExists if the
// store already holds a signer of either capability; existing Remote records
// are converted with Upgrade.
func (s *Store) InitSigner(name string, device Device, mnemonic string) error {
	err := s.db.Update(func(tx *recorddb.Tx) error {
		if tx.HasTable(cacheTable) || tx.HasTable(remoteTable) {
			return errcode.Errorf(errcode.ErrSignerExists,
				"signer %s already exists", s.id)
		}
		return s.initMaster(tx, name, device, mnemonic)
	})
	if err != nil {
		return err
	}

	log.Debugf("Created master signer %s (%v)", s.id, device.SignerType)
	return nil
}

// Upgrade turns a Remote record into a Master, keeping its remote entries.
func (s *Store) Upgrade(name string, device Device, mnemonic string) error {
	err := s.db.Update(func(tx *recorddb.Tx) error {
		if tx.HasTable(cacheTable) {
			return errcode.Errorf(errcode.ErrSignerExists,
				"signer %s is already a master", s.id)
		}
		return s.initMaster(tx, name, device, mnemonic)
	})
	if err != nil {
		return err
	}

	log.Infof("Upgraded remote signer %s to master", s.id)
	return nil
}

func (s *Store) initMaster(tx *recorddb.Tx, name string, device Device,
	mnemonic string) error {

	if _, err := tx.CreateTable(cacheTable); err != nil {
		return err
	}

	signerType := device.SignerType
	if mnemonic != "" {
		signerType = descriptor.Software
	}

	strs := []struct {
		key   recorddb.Key
		value string
	}{
		{recorddb.KeyID, s.id},
		{recorddb.KeyName, name},
		{recorddb.KeyFingerprint, strings.ToLower(
			device.MasterFingerprint,
		)},
		{recorddb.KeyMnemonic, mnemonic},
		{recorddb.KeyDeviceType, device.Type},
		{recorddb.KeyDeviceModel, device.Model},
	}
	for _, kv := range strs {
		if _, err := tx.PutString(kv.key, kv.value); err != nil {
			return err
		}
	}
	_, err := tx.PutInt(recorddb.KeySignerType, int64(signerType))
	return err
}

// Name returns the display name.
func (s *Store) Name() (string, error) {
	return s.db.GetString(recorddb.KeyName)
}

// SetName reports whether the name changed.
func (s *Store) SetName(name string) (bool, error) {
	return s.db.PutString(recorddb.KeyName, name)
}

// Fingerprint returns the master fingerprint recorded at creation.
func (s *Store) Fingerprint() (string, error) {
	return s.db.GetString(recorddb.KeyFingerprint)
}

// Device returns the device details of a master signer.
func (s *Store) Device() (Device, error) {
	var d Device
	err := s.db.View(func(tx *recorddb.Tx) error {
		var err error
		if d.Type, err = tx.GetString(recorddb.KeyDeviceType); err != nil {
			return err
		}
		if d.Model, err = tx.GetString(recorddb.KeyDeviceModel); err != nil {
			return err
		}
		d.MasterFingerprint, err = tx.GetString(recorddb.KeyFingerprint)
		if err != nil {
			return err
		}
		t, err := tx.GetInt(recorddb.KeySignerType)
		d.SignerType = descriptor.SignerType(t)
		return err
	})
	return d, err
}

// LastHealthCheck returns the unix time of the last successful health check.
func (s *Store) LastHealthCheck() (int64, error) {
	return s.db.GetInt(recorddb.KeyLastHealthCheck)
}

// SetLastHealthCheck records a successful health check.
func (s *Store) SetLastHealthCheck(ts int64) (bool, error) {
	return s.db.PutInt(recorddb.KeyLastHealthCheck, ts)
}

// IsSoftware reports whether the record holds a mnemonic.
func (s *Store) IsSoftware() (bool, error) {
	mnemonic, err := s.db.GetString(recorddb.KeyMnemonic)
	return mnemonic != "", err
}

// DeleteSigner removes every record of the signer.  The caller removes the
// file.
func (s *Store) DeleteSigner() error {
	err := s.db.Update(func(tx *recorddb.Tx) error {
		return tx.Clear()
	})
	if err != nil {
		return err
	}

	log.Infof("Deleted signer %s", s.id)
	return nil
}
