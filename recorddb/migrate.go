// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recorddb

import (
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/btcwallet/walletdb/migration"
)

// Migration upgrades the rows of a store to Version.
type Migration struct {
	Version uint32
	Apply   func(tx *Tx) error
}

// migrationManager adapts a store transaction to the walletdb migration
// runner.  The schema version lives in the KeyVersion integer slot.
type migrationManager struct {
	name       string
	tx         *Tx
	migrations []Migration
}

var _ migration.Manager = (*migrationManager)(nil)

func (m *migrationManager) Name() string {
	return m.name
}

func (m *migrationManager) Namespace() walletdb.ReadWriteBucket {
	return m.tx.rw
}

func (m *migrationManager) CurrentVersion(walletdb.ReadBucket) (uint32, error) {
	v, err := m.tx.GetInt(KeyVersion)
	return uint32(v), err
}

func (m *migrationManager) SetVersion(_ walletdb.ReadWriteBucket,
	version uint32) error {

	_, err := m.tx.PutInt(KeyVersion, int64(version))
	return err
}

func (m *migrationManager) Versions() []migration.Version {
	versions := []migration.Version{{Number: 0}}
	for _, mig := range m.migrations {
		apply := mig.Apply
		versions = append(versions, migration.Version{
			Number: mig.Version,
			Migration: func(walletdb.ReadWriteBucket) error {
				return apply(m.tx)
			},
		})
	}
	return versions
}

// Migrate brings the store's schema version up to the last of migrations,
// applying each newer step in order inside a single transaction.  It is a
// no-op on an up to date store.
func (d *DB) Migrate(name string, migrations []Migration) error {
	return d.Update(func(tx *Tx) error {
		return migration.Upgrade(&migrationManager{
			name:       name,
			tx:         tx,
			migrations: migrations,
		})
	})
}

// Version returns the stored schema version.
func (d *DB) Version() (uint32, error) {
	v, err := d.GetInt(KeyVersion)
	return uint32(v), err
}

// LatestVersion returns the version a set of migrations leads to.
func LatestVersion(migrations []Migration) uint32 {
	var latest uint32
	for _, m := range migrations {
		if m.Version > latest {
			latest = m.Version
		}
	}
	return latest
}
