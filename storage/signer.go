// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"strings"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/RandyMcMillan/libnunchuk/signerstore"
)

// Look-ahead batch sizes fetched per bucket when refreshing a master
// signer's key cache.
const (
	MultisigCacheNumber       = 5
	SingleSigBip84CacheNumber = 5
	SingleSigBip49CacheNumber = 3
	SingleSigBip44CacheNumber = 3
	EscrowCacheNumber         = 5

	// TotalCacheNumber is the number of keys fetched by a refresh.
	TotalCacheNumber = MultisigCacheNumber + SingleSigBip84CacheNumber +
		SingleSigBip49CacheNumber + SingleSigBip44CacheNumber +
		EscrowCacheNumber

	// firstCacheNumber is the number of keys fetched on first connection:
	// the root, the health check key and one key per bucket.
	firstCacheNumber = 7
)

// refreshBatch returns the refresh batch size of a bucket.
func refreshBatch(b keypath.Bucket) int {
	switch {
	case b.Wallet == keypath.MultiSig:
		return MultisigCacheNumber
	case b.Wallet == keypath.Escrow:
		return EscrowCacheNumber
	case b.Address == keypath.NativeSegwit:
		return SingleSigBip84CacheNumber
	case b.Address == keypath.NestedSegwit:
		return SingleSigBip49CacheNumber
	default:
		return SingleSigBip44CacheNumber
	}
}

// MasterSigner is a signer we hold a device or seed for.
type MasterSigner struct {
	ID              string
	Name            string
	Device          signerstore.Device
	LastHealthCheck int64
	Software        bool
}

func normalizeID(id string) string {
	return strings.ToLower(id)
}

// CreateMasterSigner records a signer backed by a device or, when mnemonic
// is set, a software seed.  A fingerprint only known as a remote signer so
// far is upgraded in place and keeps its remote entries.  It fails with
// ErrSignerExists for an existing master.
func (s *Storage) CreateMasterSigner(c keypath.Chain, name string,
	device signerstore.Device, mnemonic string) (string, error) {

	id := normalizeID(device.MasterFingerprint)
	err := s.update(c, func(cs *chainStore) error {
		existed := s.signerExists(cs, id)
		ss, err := s.openSigner(cs, id)
		if err != nil {
			return err
		}
		if existed {
			return ss.Upgrade(name, device, mnemonic)
		}
		return ss.InitSigner(name, device, mnemonic)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateSingleSigner records a remote signer key.  It fails with
// ErrSignerExists when the fingerprint belongs to a master or the path is
// already recorded.
func (s *Storage) CreateSingleSigner(c keypath.Chain, name, xpub, publicKey,
	path, fingerprint string) (*descriptor.SingleSigner, error) {

	id := normalizeID(fingerprint)
	err := s.update(c, func(cs *chainStore) error {
		ss, err := s.openSigner(cs, id)
		if err != nil {
			return err
		}
		master, err := ss.IsMaster()
		if err != nil {
			return err
		}
		if master {
			return errcode.Errorf(errcode.ErrSignerExists,
				"signer %s is a master signer", id)
		}
		added, err := ss.AddRemote(name, xpub, publicKey, path, false)
		if err != nil {
			return err
		}
		if !added {
			return errcode.Errorf(errcode.ErrSignerExists,
				"signer %s already has %s", id, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &descriptor.SingleSigner{
		Name:              name,
		XPub:              xpub,
		PublicKey:         publicKey,
		DerivationPath:    keypath.FormalizePath(path),
		MasterFingerprint: id,
		Type:              descriptor.Airgap,
	}, nil
}

// viewSigner runs f on an existing signer store holding the chain lock
// shared.
func (s *Storage) viewSigner(c keypath.Chain, id string,
	f func(*signerstore.Store) error) error {

	return s.view(c, func(cs *chainStore) error {
		ss, err := s.signerStore(cs, id)
		if err != nil {
			return err
		}
		return f(ss)
	})
}

// updateSigner runs f on an existing signer store holding the chain lock
// exclusively.
func (s *Storage) updateSigner(c keypath.Chain, id string,
	f func(*signerstore.Store) error) error {

	return s.update(c, func(cs *chainStore) error {
		ss, err := s.signerStore(cs, id)
		if err != nil {
			return err
		}
		return f(ss)
	})
}

// GetMasterSigner returns a master signer, or ErrSignerNotFound if the
// fingerprint is unknown or only known as a remote signer.
func (s *Storage) GetMasterSigner(c keypath.Chain,
	id string) (*MasterSigner, error) {

	var m *MasterSigner
	err := s.viewSigner(c, id, func(ss *signerstore.Store) error {
		master, err := ss.IsMaster()
		if err != nil {
			return err
		}
		if !master {
			return errcode.Errorf(errcode.ErrSignerNotFound,
				"signer %s is not a master signer", id)
		}

		m = &MasterSigner{ID: ss.ID()}
		if m.Name, err = ss.Name(); err != nil {
			return err
		}
		if m.Device, err = ss.Device(); err != nil {
			return err
		}
		if m.LastHealthCheck, err = ss.LastHealthCheck(); err != nil {
			return err
		}
		m.Software, err = ss.IsSoftware()
		return err
	})
	return m, err
}

// IsMasterSigner reports whether a signer record is a master.
func (s *Storage) IsMasterSigner(c keypath.Chain, id string) (bool, error) {
	var master bool
	err := s.viewSigner(c, id, func(ss *signerstore.Store) error {
		var err error
		master, err = ss.IsMaster()
		return err
	})
	return master, err
}

// ListMasterSigners returns the ids of every signer record of the chain,
// masters and remote-only alike.
func (s *Storage) ListMasterSigners(c keypath.Chain) ([]string, error) {
	var ids []string
	err := s.view(c, func(cs *chainStore) error {
		var err error
		ids, err = listIDs(cs, signersDir, isFingerprint)
		return err
	})
	return ids, err
}

// UpdateMasterSigner renames a signer.
func (s *Storage) UpdateMasterSigner(c keypath.Chain, id,
	name string) (bool, error) {

	var changed bool
	err := s.updateSigner(c, id, func(ss *signerstore.Store) error {
		var err error
		changed, err = ss.SetName(name)
		return err
	})
	return changed, err
}

// DeleteMasterSigner removes a signer record and its file.
func (s *Storage) DeleteMasterSigner(c keypath.Chain, id string) error {
	id = normalizeID(id)
	return s.update(c, func(cs *chainStore) error {
		ss, err := s.signerStore(cs, id)
		if err != nil {
			return err
		}
		if err := ss.DeleteSigner(); err != nil {
			return err
		}
		delete(cs.signerPass, id)

		path := cs.path(signersDir, id)
		if err := cs.release(path); err != nil {
			return err
		}
		return recorddb.Remove(path)
	})
}

// SetHealthCheckSuccess stamps a master signer's last health check.
func (s *Storage) SetHealthCheckSuccess(c keypath.Chain,
	id string) (bool, error) {

	var changed bool
	err := s.updateSigner(c, id, func(ss *signerstore.Store) error {
		var err error
		changed, err = ss.SetLastHealthCheck(s.clock.Now().Unix())
		return err
	})
	return changed, err
}

// SetRemoteHealthCheckSuccess stamps a remote signer's last health check.
func (s *Storage) SetRemoteHealthCheckSuccess(c keypath.Chain, fingerprint,
	path string) (bool, error) {

	var found bool
	err := s.updateSigner(c, fingerprint, func(ss *signerstore.Store) error {
		var err error
		found, err = ss.SetRemoteLastHealthCheck(
			path, s.clock.Now().Unix(),
		)
		return err
	})
	return found, err
}

// CacheXPub caches a master signer's account key of a bucket index.
func (s *Storage) CacheXPub(c keypath.Chain, id string, w keypath.WalletType,
	a keypath.AddressType, index int, xpub string) (bool, error) {

	var changed bool
	err := s.updateSigner(c, id, func(ss *signerstore.Store) error {
		var err error
		changed, err = ss.AddXPubAt(w, a, index, xpub)
		return err
	})
	return changed, err
}

// CacheMasterSignerXPub fills a master signer's key cache from a device.
//
// On first connection it fetches the root key, the health check key and the
// first key of every bucket.  Otherwise it fetches a fixed batch per bucket
// starting just above the highest cached index.  Each key is stored as soon
// as it is fetched, so an interrupted run leaves a smaller valid cache.
// progress receives the percentage done after each key; returning false
// stops the run early.  Multisig index 0 is never fetched.
func (s *Storage) CacheMasterSignerXPub(c keypath.Chain, id string,
	getXPub func(path string) (string, error), progress func(int) bool,
	first bool) error {

	return s.updateSigner(c, id, func(ss *signerstore.Store) error {
		total := TotalCacheNumber
		if first {
			total = firstCacheNumber
		}

		count := 0
		fetch := func(path, tag string) (bool, error) {
			xpub, err := getXPub(path)
			if err != nil {
				return false, err
			}
			if _, err := ss.AddXPub(path, xpub, tag); err != nil {
				return false, err
			}
			count++
			return progress == nil || progress(count*100/total), nil
		}

		if first {
			for _, path := range []string{"m", c.HealthCheckPath()} {
				more, err := fetch(path, keypath.TagCustom)
				if err != nil || !more {
					return err
				}
			}
		}

		for _, b := range keypath.CacheBuckets {
			index, err := ss.GetCachedIndex(b.Wallet, b.Address)
			if err != nil {
				return err
			}
			if index < 0 && b.Wallet == keypath.MultiSig {
				index = 0
			}

			n := refreshBatch(b)
			if first {
				n = 1
			}
			for i := index + 1; i <= index+n; i++ {
				path, err := keypath.DerivePath(
					c, b.Wallet, b.Address, i,
				)
				if err != nil {
					return err
				}
				more, err := fetch(path, b.Tag())
				if err != nil || !more {
					return err
				}
			}
		}

		log.Debugf("Cached %d keys of signer %s", count, ss.ID())
		return nil
	})
}

// GetSignerFromMasterSigner returns the wallet slot of a master signer's
// cached key at a bucket index.
func (s *Storage) GetSignerFromMasterSigner(c keypath.Chain, id string,
	w keypath.WalletType, a keypath.AddressType,
	index int) (*descriptor.SingleSigner, error) {

	path, err := keypath.DerivePath(c, w, a, index)
	if err != nil {
		return nil, errcode.New(errcode.ErrInvalidBip32Path,
			"no canonical path", err)
	}

	var signer *descriptor.SingleSigner
	err = s.viewSigner(c, id, func(ss *signerstore.Store) error {
		opt, err := ss.GetXpub(path)
		if err != nil {
			return err
		}
		xpub, err := opt.UnwrapOrErr(errcode.Errorf(
			errcode.ErrSignerNotFound, "signer %s has no key at %s",
			id, path,
		))
		if err != nil {
			return err
		}

		signer = &descriptor.SingleSigner{
			XPub:           xpub,
			DerivationPath: path,
			MasterSignerID: ss.ID(),
		}
		if signer.Name, err = ss.Name(); err != nil {
			return err
		}
		signer.MasterFingerprint, err = ss.Fingerprint()
		if err != nil {
			return err
		}
		signer.LastHealthCheck, err = ss.LastHealthCheck()
		if err != nil {
			return err
		}
		device, err := ss.Device()
		signer.Type = device.SignerType
		return err
	})
	return signer, err
}

// GetSignersFromMasterSigner returns the wallet slots a master signer has
// allocated.
func (s *Storage) GetSignersFromMasterSigner(c keypath.Chain,
	id string) ([]descriptor.SingleSigner, error) {

	var signers []descriptor.SingleSigner
	err := s.viewSigner(c, id, func(ss *signerstore.Store) error {
		var err error
		signers, err = ss.GetSingleSigners()
		return err
	})
	return signers, err
}

// GetCurrentIndexFromMasterSigner returns the lowest unallocated cached
// index of a bucket, or -1.
func (s *Storage) GetCurrentIndexFromMasterSigner(c keypath.Chain, id string,
	w keypath.WalletType, a keypath.AddressType) (int, error) {

	index := -1
	err := s.viewSigner(c, id, func(ss *signerstore.Store) error {
		var err error
		index, err = ss.GetUnusedIndex(w, a)
		return err
	})
	return index, err
}

// GetCachedIndexFromMasterSigner returns the highest cached index of a
// bucket, or -1.
func (s *Storage) GetCachedIndexFromMasterSigner(c keypath.Chain, id string,
	w keypath.WalletType, a keypath.AddressType) (int, error) {

	index := -1
	err := s.viewSigner(c, id, func(ss *signerstore.Store) error {
		var err error
		index, err = ss.GetCachedIndex(w, a)
		return err
	})
	return index, err
}

// GetMasterSignerXPub returns a cached key by path.
func (s *Storage) GetMasterSignerXPub(c keypath.Chain, id,
	path string) (string, error) {

	var xpub string
	err := s.viewSigner(c, id, func(ss *signerstore.Store) error {
		opt, err := ss.GetXpub(path)
		if err != nil {
			return err
		}
		xpub, err = opt.UnwrapOrErr(errcode.Errorf(
			errcode.ErrSignerNotFound, "signer %s has no key at %s",
			id, path,
		))
		return err
	})
	return xpub, err
}

// GetRemoteSigners lists the remote keys of every remote-only signer.
func (s *Storage) GetRemoteSigners(
	c keypath.Chain) ([]signerstore.RemoteSigner, error) {

	var signers []signerstore.RemoteSigner
	err := s.view(c, func(cs *chainStore) error {
		ids, err := listIDs(cs, signersDir, isFingerprint)
		if err != nil {
			return err
		}
		for _, id := range ids {
			ss, err := s.signerStore(cs, id)
			if err != nil {
				return err
			}
			remote, err := ss.GetRemoteSigners()
			if err != nil {
				return err
			}
			signers = append(signers, remote...)
		}
		return nil
	})
	return signers, err
}

// DeleteRemoteSigner removes an unused remote key.
func (s *Storage) DeleteRemoteSigner(c keypath.Chain, fingerprint,
	path string) (bool, error) {

	var deleted bool
	err := s.updateSigner(c, fingerprint, func(ss *signerstore.Store) error {
		var err error
		deleted, err = ss.DeleteRemoteSigner(path)
		return err
	})
	return deleted, err
}

// UpdateRemoteSigner renames a remote key.
func (s *Storage) UpdateRemoteSigner(c keypath.Chain, fingerprint, path,
	name string) (bool, error) {

	var found bool
	err := s.updateSigner(c, fingerprint, func(ss *signerstore.Store) error {
		var err error
		found, err = ss.SetRemoteName(path, name)
		return err
	})
	return found, err
}

// SendSignerPassphrase unlocks a software signer for the life of the
// process.  The passphrase is only kept if it reproduces the signer's
// fingerprint.
func (s *Storage) SendSignerPassphrase(c keypath.Chain, id,
	passphrase string) error {

	id = normalizeID(id)
	return s.update(c, func(cs *chainStore) error {
		ss, err := s.signerStore(cs, id)
		if err != nil {
			return err
		}
		if _, err := ss.GetSoftwareSigner(passphrase); err != nil {
			return err
		}
		cs.signerPass[id] = passphrase
		return nil
	})
}

// ClearSignerPassphrase forgets an unlocked software signer.
func (s *Storage) ClearSignerPassphrase(c keypath.Chain, id string) error {
	return s.update(c, func(cs *chainStore) error {
		delete(cs.signerPass, normalizeID(id))
		return nil
	})
}

// GetSoftwareSigner returns an unlocked software signer.  It fails with
// ErrInvalidSignerPassphrase until SendSignerPassphrase has succeeded.
func (s *Storage) GetSoftwareSigner(c keypath.Chain,
	id string) (*signerstore.SoftwareSigner, error) {

	id = normalizeID(id)

	var signer *signerstore.SoftwareSigner
	err := s.view(c, func(cs *chainStore) error {
		passphrase, ok := cs.signerPass[id]
		if !ok {
			return errcode.Errorf(errcode.ErrInvalidSignerPassphrase,
				"software signer %s is locked", id)
		}
		ss, err := s.signerStore(cs, id)
		if err != nil {
			return err
		}
		signer, err = ss.GetSoftwareSigner(passphrase)
		return err
	})
	return signer, err
}
