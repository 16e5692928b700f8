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
	"github.com/RandyMcMillan/libnunchuk/walletstore"
)

// importedSignerName names remote signers first seen inside a wallet.
const importedSignerName = "import"

// WalletParams describes a wallet to create.
type WalletParams struct {
	Name        string
	Description string
	M           int
	N           int
	Signers     []descriptor.SingleSigner
	AddressType keypath.AddressType
	Escrow      bool

	// AllowUsedSigner accepts master signer keys already allocated to
	// another wallet.
	AllowUsedSigner bool

	// CreateDate overrides the creation time, as when restoring a wallet.
	// Zero uses the current time.
	CreateDate int64
}

// CreateWallet runs the wallet creation protocol under the chain's exclusive
// lock:
//
//  1. the policy is validated and the wallet id computed from the signer set;
//  2. the id must not exist yet (ErrWalletExists);
//  3. master signer keys must sit at their canonical path
//     (ErrInvalidBip32Path) and be unallocated unless AllowUsedSigner is set
//     (ErrSignerUsed);
//  4. master keys are allocated, remote entries are marked used or created;
//  5. the wallet store is initialized.
func (s *Storage) CreateWallet(c keypath.Chain,
	p *WalletParams) (*walletstore.Wallet, error) {

	var w *walletstore.Wallet
	err := s.update(c, func(cs *chainStore) error {
		var err error
		w, err = s.createWallet(cs, p)
		return err
	})
	return w, err
}

func (s *Storage) createWallet(cs *chainStore,
	p *WalletParams) (*walletstore.Wallet, error) {

	if p.M < 1 || p.M > p.N {
		return nil, errcode.Errorf(errcode.ErrInvalidParameter,
			"invalid policy %d of %d", p.M, p.N)
	}
	if p.N != len(p.Signers) {
		return nil, errcode.Errorf(errcode.ErrInvalidParameter,
			"policy has %d signers but %d were given", p.N,
			len(p.Signers))
	}
	wt := keypath.WalletTypeFor(p.N, p.Escrow)

	id, err := descriptor.WalletID(p.Signers, p.M, p.AddressType, wt)
	if err != nil {
		return nil, errcode.New(errcode.ErrInvalidParameter,
			"unable to build wallet descriptor", err)
	}
	if recorddb.Exists(cs.path(walletsDir, id)) {
		return nil, errcode.Errorf(errcode.ErrWalletExists,
			"wallet %s already exists", id)
	}

	// Check every signer before touching any record, so a rejected
	// wallet leaves no allocations behind.
	// masters maps the positions of signers backed by a master record to
	// their bucket index.
	masters := make(map[int]int)
	for i := range p.Signers {
		signer := &p.Signers[i]
		fp := strings.ToLower(signer.MasterFingerprint)
		if !isFingerprint(fp) {
			return nil, errcode.Errorf(errcode.ErrInvalidParameter,
				"invalid master fingerprint %q",
				signer.MasterFingerprint)
		}
		if signer.XPub == "" || !s.signerExists(cs, fp) {
			continue
		}
		ss, err := s.openSigner(cs, fp)
		if err != nil {
			return nil, err
		}
		master, err := ss.IsMaster()
		if err != nil {
			return nil, err
		}
		if !master {
			continue
		}

		index := keypath.ParseIndexFromPath(signer.DerivationPath)
		want, err := keypath.DerivePath(cs.chain, wt, p.AddressType,
			index)
		if err != nil || index < 0 ||
			keypath.FormalizePath(want) !=
				keypath.FormalizePath(signer.DerivationPath) {

			return nil, errcode.Errorf(errcode.ErrInvalidBip32Path,
				"signer %s: %s is not a canonical %v %v path",
				fp, signer.DerivationPath, wt, p.AddressType)
		}

		used, err := ss.IsAllocated(wt, p.AddressType, index)
		if err != nil {
			return nil, err
		}
		if used && !p.AllowUsedSigner {
			return nil, errcode.Errorf(errcode.ErrSignerUsed,
				"signer %s index %d is already used", fp, index)
		}
		masters[i] = index
	}

	for i := range p.Signers {
		signer := &p.Signers[i]
		fp := strings.ToLower(signer.MasterFingerprint)
		ss, err := s.openSigner(cs, fp)
		if err != nil {
			return nil, err
		}

		if index, ok := masters[i]; ok {
			_, err := ss.AddXPubAt(wt, p.AddressType, index,
				signer.XPub)
			if err != nil {
				return nil, err
			}
			if _, err := ss.UseIndex(wt, p.AddressType,
				index); err != nil {

				return nil, err
			}
			continue
		}

		remote, err := ss.GetRemoteSigner(signer.DerivationPath)
		if err != nil {
			return nil, err
		}
		if remote.IsSome() {
			_, err = ss.UseRemote(signer.DerivationPath)
		} else {
			name := signer.Name
			if name == "" {
				name = importedSignerName
			}
			_, err = ss.AddRemote(name, signer.XPub,
				signer.PublicKey, signer.DerivationPath, true)
		}
		if err != nil {
			return nil, err
		}
	}

	createDate := p.CreateDate
	if createDate == 0 {
		createDate = s.clock.Now().Unix()
	}

	db, err := cs.open(cs.path(walletsDir, id), s.passphrase, s.dbOpts)
	if err != nil {
		return nil, err
	}
	ws := walletstore.New(db, id, cs.chain)
	err = ws.Init(p.Name, p.M, p.N, p.Signers, p.AddressType, p.Escrow,
		createDate, p.Description)
	if err != nil {
		return nil, err
	}

	log.Infof("Created %v wallet %s (%d of %d)", cs.chain, id, p.M, p.N)
	return s.getWallet(cs, id, false)
}

// GetWallet returns a wallet with its balance.  Signer names, health checks
// and master ids are resolved from the signer records, so a rename shows in
// every wallet using the signer.  MasterSignerID is empty for signers that
// are not masters.
func (s *Storage) GetWallet(c keypath.Chain,
	id string) (*walletstore.Wallet, error) {

	var w *walletstore.Wallet
	err := s.view(c, func(cs *chainStore) error {
		var err error
		w, err = s.getWallet(cs, id, false)
		return err
	})
	return w, err
}

// getWallet resolves a wallet's signers.  With createSigners, remote entries
// missing from the signer records are recorded; the caller must then hold
// the lock exclusively.
func (s *Storage) getWallet(cs *chainStore, id string,
	createSigners bool) (*walletstore.Wallet, error) {

	ws, err := s.walletStore(cs, id)
	if err != nil {
		return nil, err
	}
	w, err := ws.GetWallet()
	if err != nil {
		return nil, err
	}

	for i := range w.Signers {
		signer := &w.Signers[i]
		fp := strings.ToLower(signer.MasterFingerprint)
		signer.MasterSignerID = ""

		if !s.signerExists(cs, fp) && !createSigners {
			continue
		}
		ss, err := s.openSigner(cs, fp)
		if err != nil {
			return nil, err
		}

		master, err := ss.IsMaster()
		if err != nil {
			return nil, err
		}
		if master {
			if signer.Name, err = ss.Name(); err != nil {
				return nil, err
			}
			signer.LastHealthCheck, err = ss.LastHealthCheck()
			if err != nil {
				return nil, err
			}
			device, err := ss.Device()
			if err != nil {
				return nil, err
			}
			signer.Type = device.SignerType
			signer.MasterSignerID = fp
			continue
		}

		remote, err := ss.GetRemoteSigner(signer.DerivationPath)
		if err != nil {
			return nil, err
		}
		remote.WhenSome(func(r signerstore.RemoteSigner) {
			signer.Name = r.Name
			signer.LastHealthCheck = r.LastHealthCheck
			signer.Type = r.Type
		})
		if remote.IsNone() && createSigners {
			name := signer.Name
			if name == "" {
				name = importedSignerName
			}
			_, err := ss.AddRemote(name, signer.XPub,
				signer.PublicKey, signer.DerivationPath, true)
			if err != nil {
				return nil, err
			}
			log.Debugf("Recorded remote signer %s/%s of wallet %s",
				fp, signer.DerivationPath, id)
		}
	}
	return w, nil
}

// ListWallets returns the ids of the chain's wallets.
func (s *Storage) ListWallets(c keypath.Chain) ([]string, error) {
	var ids []string
	err := s.view(c, func(cs *chainStore) error {
		var err error
		ids, err = listIDs(cs, walletsDir, descriptor.IsWalletID)
		return err
	})
	return ids, err
}

// UpdateWallet sets the mutable fields of a wallet and reports whether
// either changed.
func (s *Storage) UpdateWallet(c keypath.Chain, id, name,
	description string) (bool, error) {

	var changed bool
	err := s.updateWallet(c, id, func(ws *walletstore.Store) error {
		nameChanged, err := ws.SetName(name)
		if err != nil {
			return err
		}
		descChanged, err := ws.SetDescription(description)
		changed = nameChanged || descChanged
		return err
	})
	return changed, err
}

// DeleteWallet removes a wallet and its file.
func (s *Storage) DeleteWallet(c keypath.Chain, id string) error {
	return s.update(c, func(cs *chainStore) error {
		ws, err := s.walletStore(cs, id)
		if err != nil {
			return err
		}
		if err := ws.DeleteWallet(); err != nil {
			return err
		}
		path := cs.path(walletsDir, id)
		if err := cs.release(path); err != nil {
			return err
		}
		return recorddb.Remove(path)
	})
}

// ExportWallet writes a plaintext copy of a wallet store to path.
func (s *Storage) ExportWallet(c keypath.Chain, id, path string) error {
	return s.viewWallet(c, id, func(ws *walletstore.Store) error {
		return ws.DB().Export(path, "")
	})
}

// ImportWalletDb adds the plaintext wallet store at path, as written by
// ExportWallet, and returns its id.
func (s *Storage) ImportWalletDb(c keypath.Chain, path string) (string,
	error) {

	if !recorddb.Exists(path) {
		return "", errcode.Errorf(errcode.ErrInvalidParameter,
			"%s does not exist", path)
	}

	var id string
	err := s.update(c, func(cs *chainStore) error {
		src, err := recorddb.Open(path, "", s.dbOpts...)
		if err != nil {
			return err
		}
		defer src.Close()

		id, err = src.GetString(recorddb.KeyID)
		if err != nil {
			return err
		}
		if !descriptor.IsWalletID(id) {
			return errcode.Errorf(errcode.ErrInvalidParameter,
				"%s is not a wallet store", path)
		}
		dst := cs.path(walletsDir, id)
		if recorddb.Exists(dst) {
			return errcode.Errorf(errcode.ErrWalletExists,
				"wallet %s already exists", id)
		}
		if err := src.Export(dst, s.passphrase); err != nil {
			return err
		}

		ws, err := s.walletStore(cs, id)
		if err != nil {
			return err
		}
		return ws.MaybeMigrate()
	})
	if err != nil {
		return "", err
	}

	log.Infof("Imported %v wallet %s from %s", c, id, path)
	return id, nil
}

// GetWalletExportData returns the wallet's receive descriptor with checksum.
func (s *Storage) GetWalletExportData(c keypath.Chain, id string) (string,
	error) {

	var desc string
	err := s.viewWallet(c, id, func(ws *walletstore.Store) error {
		w, err := ws.GetWallet()
		if err != nil {
			return err
		}
		desc, err = w.Descriptor(descriptor.ExternalAll)
		return err
	})
	return desc, err
}

// GetMultisigConfig returns the text setup file of a multisig wallet.
func (s *Storage) GetMultisigConfig(c keypath.Chain, id string) (string,
	error) {

	var config string
	err := s.viewWallet(c, id, func(ws *walletstore.Store) error {
		var err error
		config, err = ws.GetMultisigConfig()
		return err
	})
	return config, err
}

// DeriveAddress returns a wallet's address at a receive or change index
// without recording it.
func (s *Storage) DeriveAddress(c keypath.Chain, id string, index int,
	internal bool) (string, error) {

	var addr string
	err := s.viewWallet(c, id, func(ws *walletstore.Store) error {
		w, err := ws.GetWallet()
		if err != nil {
			return err
		}
		addr, err = descriptor.DeriveAddress(
			w.Policy(), uint32(index), internal, c.Params(),
		)
		return err
	})
	return addr, err
}

// GetNewAddress derives the address after the highest one recorded on the
// receive or change branch and records it.
func (s *Storage) GetNewAddress(c keypath.Chain, id string,
	internal bool) (string, error) {

	var addr string
	err := s.updateWallet(c, id, func(ws *walletstore.Store) error {
		w, err := ws.GetWallet()
		if err != nil {
			return err
		}
		index, err := ws.GetCurrentAddressIndex(internal)
		if err != nil {
			return err
		}
		index++

		addr, err = descriptor.DeriveAddress(
			w.Policy(), uint32(index), internal, c.Params(),
		)
		if err != nil {
			return err
		}
		_, err = ws.AddAddress(addr, index, internal)
		return err
	})
	return addr, err
}

// viewWallet runs f on a wallet store holding the chain lock shared.
func (s *Storage) viewWallet(c keypath.Chain, id string,
	f func(*walletstore.Store) error) error {

	return s.view(c, func(cs *chainStore) error {
		ws, err := s.walletStore(cs, id)
		if err != nil {
			return err
		}
		return f(ws)
	})
}

// updateWallet runs f on a wallet store holding the chain lock exclusively.
func (s *Storage) updateWallet(c keypath.Chain, id string,
	f func(*walletstore.Store) error) error {

	return s.update(c, func(cs *chainStore) error {
		ws, err := s.walletStore(cs, id)
		if err != nil {
			return err
		}
		return f(ws)
	})
}
