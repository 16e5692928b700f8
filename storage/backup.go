// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"encoding/json"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/RandyMcMillan/libnunchuk/signerstore"
)

type backupWallet struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Descriptor  string `json:"descriptor"`
	CreateDate  int64  `json:"create_date"`
	Description string `json:"description"`
}

type backupKey struct {
	Path string `json:"path"`
	XPub string `json:"xpub"`
	Type string `json:"type"`
}

type backupRemote struct {
	Path            string `json:"path"`
	XPub            string `json:"xpub"`
	PublicKey       string `json:"public_key"`
	Name            string `json:"name"`
	LastHealthCheck int64  `json:"last_health_check"`
	Used            bool   `json:"used"`
}

type backupSigner struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	DeviceType      string         `json:"device_type"`
	DeviceModel     string         `json:"device_model"`
	LastHealthCheck int64          `json:"last_health_check"`
	BIP32           []backupKey    `json:"bip32"`
	Remote          []backupRemote `json:"remote"`
}

type backupChain struct {
	Wallets []backupWallet `json:"wallets"`
	Signers []backupSigner `json:"signers"`
}

// backupDoc is the backup document.  Chains are keyed by name.
type backupDoc struct {
	Mainnet *backupChain `json:"mainnet,omitempty"`
	Testnet *backupChain `json:"testnet,omitempty"`
	Regtest *backupChain `json:"regtest,omitempty"`
	Ts      int64        `json:"ts"`
}

func (d *backupDoc) chain(c keypath.Chain) **backupChain {
	switch c {
	case keypath.Main:
		return &d.Mainnet
	case keypath.Testnet:
		return &d.Testnet
	default:
		return &d.Regtest
	}
}

// ExportBackup serializes the wallets and signers of every chain, stamped
// with the current time.  Mnemonics and transactions are not included.
func (s *Storage) ExportBackup() (string, error) {
	doc := &backupDoc{Ts: s.clock.Now().Unix()}
	for _, c := range keypath.Chains {
		var bc *backupChain
		err := s.view(c, func(cs *chainStore) error {
			var err error
			bc, err = s.exportChain(cs)
			return err
		})
		if err != nil {
			return "", err
		}
		*doc.chain(c) = bc
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return "", errcode.New(errcode.ErrBackupFormat,
			"unable to encode backup", err)
	}
	return string(b), nil
}

func (s *Storage) exportChain(cs *chainStore) (*backupChain, error) {
	bc := &backupChain{
		Wallets: []backupWallet{},
		Signers: []backupSigner{},
	}

	ids, err := listIDs(cs, walletsDir, descriptor.IsWalletID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		ws, err := s.walletStore(cs, id)
		if err != nil {
			return nil, err
		}
		w, err := ws.GetWallet()
		if err != nil {
			return nil, err
		}
		desc, err := w.Descriptor(descriptor.ExternalAll)
		if err != nil {
			return nil, err
		}
		bc.Wallets = append(bc.Wallets, backupWallet{
			ID:          w.ID,
			Name:        w.Name,
			Descriptor:  desc,
			CreateDate:  w.CreateDate,
			Description: w.Description,
		})
	}

	ids, err = listIDs(cs, signersDir, isFingerprint)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		ss, err := s.signerStore(cs, id)
		if err != nil {
			return nil, err
		}
		bs, err := exportSigner(ss)
		if err != nil {
			return nil, err
		}
		if bs != nil {
			bc.Signers = append(bc.Signers, *bs)
		}
	}
	return bc, nil
}

// exportSigner returns nil for stores that hold no signer yet.
func exportSigner(ss *signerstore.Store) (*backupSigner, error) {
	id, err := ss.DB().GetString(recorddb.KeyID)
	if err != nil || id == "" {
		return nil, err
	}

	bs := &backupSigner{
		ID:     id,
		BIP32:  []backupKey{},
		Remote: []backupRemote{},
	}
	if bs.Name, err = ss.Name(); err != nil {
		return nil, err
	}
	if bs.LastHealthCheck, err = ss.LastHealthCheck(); err != nil {
		return nil, err
	}

	master, err := ss.IsMaster()
	if err != nil {
		return nil, err
	}
	if master {
		device, err := ss.Device()
		if err != nil {
			return nil, err
		}
		bs.DeviceType, bs.DeviceModel = device.Type, device.Model

		keys, err := ss.CachedKeys()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			bs.BIP32 = append(bs.BIP32, backupKey{
				Path: k.Path,
				XPub: k.XPub,
				Type: k.Tag,
			})
		}
	}

	remotes, err := ss.AllRemoteSigners()
	if err != nil {
		return nil, err
	}
	for _, r := range remotes {
		bs.Remote = append(bs.Remote, backupRemote{
			Path:            r.DerivationPath,
			XPub:            r.XPub,
			PublicKey:       r.PublicKey,
			Name:            r.Name,
			LastHealthCheck: r.LastHealthCheck,
			Used:            r.Used,
		})
	}
	return bs, nil
}

// SyncWithBackup applies a backup document written by ExportBackup.  Missing
// signers and wallets are created, existing ones get the backup's names and
// descriptions.  A document not newer than the last one applied is stale:
// nothing changes and false is returned.  progress, if set, receives the
// percentage done.
func (s *Storage) SyncWithBackup(data string,
	progress func(int) bool) (bool, error) {

	var doc backupDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return false, errcode.New(errcode.ErrBackupFormat,
			"malformed backup", err)
	}
	report := func(percent int) {
		if progress != nil {
			progress(percent)
		}
	}

	s.lockAll()
	defer s.unlockAll()

	state, err := s.appState(s.chains[keypath.Main])
	if err != nil {
		return false, err
	}
	lastSync, err := state.LastSyncTs()
	if err != nil {
		return false, err
	}
	if doc.Ts <= lastSync {
		log.Infof("Ignoring stale backup from %d (last sync %d)",
			doc.Ts, lastSync)
		report(100)
		return false, nil
	}

	var present []keypath.Chain
	for _, c := range keypath.Chains {
		if *doc.chain(c) != nil {
			present = append(present, c)
		}
	}

	step, percent := 0, 0
	if len(present) > 0 {
		step = 100 / (2 * len(present))
	}
	for _, c := range present {
		cs, bc := s.chains[c], *doc.chain(c)

		for i := range bc.Signers {
			if err := s.importSigner(cs, &bc.Signers[i]); err != nil {
				return false, err
			}
		}
		percent += step
		report(percent)

		for i := range bc.Wallets {
			if err := s.importWallet(cs, &bc.Wallets[i]); err != nil {
				return false, err
			}
		}
		percent += step
		report(percent)
	}

	if _, err := state.SetLastSyncTs(doc.Ts); err != nil {
		return false, err
	}
	report(100)

	log.Infof("Applied backup from %d", doc.Ts)
	return true, nil
}

func (s *Storage) importSigner(cs *chainStore, bs *backupSigner) error {
	if bs.ID == "" {
		return nil
	}
	ss, err := s.openSigner(cs, bs.ID)
	if err != nil {
		return err
	}

	master, err := ss.IsMaster()
	if err != nil {
		return err
	}
	if !master && len(bs.BIP32) > 0 {
		err := ss.Upgrade(bs.Name, signerstore.Device{
			Type:              bs.DeviceType,
			Model:             bs.DeviceModel,
			MasterFingerprint: ss.ID(),
			SignerType:        descriptor.Hardware,
		}, "")
		if err != nil {
			return err
		}
		master = true
	}

	if master {
		if _, err := ss.SetName(bs.Name); err != nil {
			return err
		}
		last, err := ss.LastHealthCheck()
		if err != nil {
			return err
		}
		if bs.LastHealthCheck > last {
			_, err := ss.SetLastHealthCheck(bs.LastHealthCheck)
			if err != nil {
				return err
			}
		}
		for _, k := range bs.BIP32 {
			_, err := ss.AddXPub(k.Path, k.XPub, keypath.TagOf(k.Path))
			if err != nil {
				return err
			}
		}
	}

	for _, r := range bs.Remote {
		_, err := ss.AddRemote(r.Name, r.XPub, r.PublicKey, r.Path,
			r.Used)
		if err != nil {
			return err
		}
		if r.LastHealthCheck > 0 {
			_, err := ss.SetRemoteLastHealthCheck(r.Path,
				r.LastHealthCheck)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Storage) importWallet(cs *chainStore, bw *backupWallet) error {
	if bw.ID == "" {
		return nil
	}

	if recorddb.Exists(cs.path(walletsDir, bw.ID)) {
		ws, err := s.walletStore(cs, bw.ID)
		if err != nil {
			return err
		}
		if _, err := ws.SetName(bw.Name); err != nil {
			return err
		}
		_, err = ws.SetDescription(bw.Description)
		return err
	}

	policy, err := descriptor.Parse(bw.Descriptor)
	if err != nil {
		log.Warnf("Skipping wallet %s of backup: %v", bw.ID, err)
		return nil
	}
	w, err := s.createWallet(cs, &WalletParams{
		Name:            bw.Name,
		Description:     bw.Description,
		M:               policy.M,
		N:               policy.N,
		Signers:         policy.Signers,
		AddressType:     policy.Address,
		Escrow:          policy.Type == keypath.Escrow,
		AllowUsedSigner: true,
		CreateDate:      bw.CreateDate,
	})
	switch {
	case errcode.Is(err, errcode.ErrInvalidParameter),
		errcode.Is(err, errcode.ErrInvalidBip32Path):

		log.Warnf("Skipping wallet %s of backup: %v", bw.ID, err)
		return nil

	case err != nil:
		return err
	}
	if w.ID != bw.ID {
		log.Warnf("Backup wallet %s restored as %s", bw.ID, w.ID)
	}
	return nil
}
