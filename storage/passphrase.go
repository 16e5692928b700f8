// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"os"
	"path/filepath"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/keypath"
)

// SetPassphrase changes the passphrase of every wallet and signer store of
// every chain.  The app-state stores stay plaintext.
//
// Encrypting a plaintext storage and decrypting an encrypted one are staged
// through each chain's tmp directory: a converted copy is written there and
// then moved over the original.  Changing one passphrase for another re-keys
// each store in place.
//
// A failure part way leaves the stores already converted under the new
// passphrase and the rest under the old one; nothing is rolled back.  The
// storage keeps using the old passphrase unless every store was converted.
func (s *Storage) SetPassphrase(passphrase string) error {
	s.lockAll()
	defer s.unlockAll()

	if passphrase == s.passphrase {
		return errcode.Errorf(errcode.ErrPassphraseAlreadyUsed,
			"passphrase already in use")
	}

	for _, c := range keypath.Chains {
		cs := s.chains[c]
		for _, kind := range []string{walletsDir, signersDir} {
			valid := isFingerprint
			if kind == walletsDir {
				valid = descriptor.IsWalletID
			}
			ids, err := listIDs(cs, kind, valid)
			if err != nil {
				return err
			}
			for _, id := range ids {
				err := s.rekey(cs, kind, id, passphrase)
				if err != nil {
					log.Errorf("Passphrase change stopped at "+
						"%v %s %s: %v", c, kind, id, err)
					return err
				}
			}
		}
	}

	s.passphrase = passphrase
	log.Infof("Storage passphrase changed (encrypted=%v)", passphrase != "")
	return nil
}

// rekey converts one store to passphrase.
func (s *Storage) rekey(cs *chainStore, kind, id, passphrase string) error {
	path := cs.path(kind, id)
	db, err := cs.open(path, s.passphrase, s.dbOpts)
	if err != nil {
		return err
	}

	if s.passphrase != "" && passphrase != "" {
		return db.ReKey(passphrase)
	}

	staged := filepath.Join(cs.dir, tmpDir, kind+"-"+id)
	if err := db.Export(staged, passphrase); err != nil {
		return err
	}
	if err := cs.release(path); err != nil {
		return err
	}
	if err := os.Rename(staged, path); err != nil {
		return errcode.New(errcode.ErrDatabase,
			"unable to replace "+path, err)
	}
	return nil
}
