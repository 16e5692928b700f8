// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package walletstore keeps the records of a single wallet: its immutable
// policy, the ordered signer slots, the address ledger and the transaction
// ledger.  A Store wraps one open record store; callers serialize access.
package walletstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
)

const (
	signerTable  = "signer"
	addressTable = "address"
	txTable      = "vtx"
)

// immutableData is the JSON blob holding the fields that determine the
// wallet id.
type immutableData struct {
	M           int                 `json:"m"`
	N           int                 `json:"n"`
	AddressType keypath.AddressType `json:"address_type"`
	IsEscrow    bool                `json:"is_escrow"`
	CreateDate  int64               `json:"create_date"`
}

// Store is the record store of one wallet.
type Store struct {
	db    *recorddb.DB
	id    string
	chain keypath.Chain
}

// New wraps an open record store as the wallet store of id.
func New(db *recorddb.DB, id string, chain keypath.Chain) *Store {
	return &Store{db: db, id: id, chain: chain}
}

// ID returns the wallet id.
func (s *Store) ID() string {
	return s.id
}

// DB returns the underlying record store.
func (s *Store) DB() *recorddb.DB {
	return s.db
}

// Init writes the policy of a new wallet.  It fails with ErrWalletExists if
// the store has already been initialized.
func (s *Store) Init(name string, m, n int, signers []descriptor.SingleSigner,
	addressType keypath.AddressType, escrow bool, createDate int64,
	description string) error {

	data, err := json.Marshal(immutableData{
		M:           m,
		N:           n,
		AddressType: addressType,
		IsEscrow:    escrow,
		CreateDate:  createDate,
	})
	if err != nil {
		return errcode.New(errcode.ErrDatabase,
			"failed to encode wallet policy", err)
	}

	err = s.db.Update(func(tx *recorddb.Tx) error {
		existing, err := tx.GetString(recorddb.KeyImmutableData)
		if err != nil {
			return err
		}
		if existing != "" {
			return errcode.Errorf(errcode.ErrWalletExists,
				"wallet %s already initialized", s.id)
		}

		for _, table := range []string{signerTable, addressTable,
			txTable} {

			if _, err := tx.CreateTable(table); err != nil {
				return err
			}
		}

		if _, err := tx.PutString(recorddb.KeyID, s.id); err != nil {
			return err
		}
		if _, err := tx.PutInt(recorddb.KeyVersion,
			int64(latestVersion())); err != nil {

			return err
		}
		if _, err := tx.PutString(recorddb.KeyName, name); err != nil {
			return err
		}
		_, err = tx.PutString(recorddb.KeyDescription, description)
		if err != nil {
			return err
		}
		_, err = tx.PutString(recorddb.KeyImmutableData, string(data))
		if err != nil {
			return err
		}

		for i := range signers {
			if _, err := addSigner(tx, &signers[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debugf("Initialized wallet %s (%d of %d, %v)", s.id, m, n,
		addressType)
	return nil
}

// AddSigner appends a signer slot.  It reports false if an identical slot is
// already present.
func (s *Store) AddSigner(signer *descriptor.SingleSigner) (bool, error) {
	var added bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		var err error
		added, err = addSigner(tx, signer)
		return err
	})
	return added, err
}

func addSigner(tx *recorddb.Tx, signer *descriptor.SingleSigner) (bool,
	error) {

	t, err := tx.CreateTable(signerTable)
	if err != nil {
		return false, err
	}

	key := signer.Key()
	var dup bool
	err = t.ForEach(func(_ string, v []byte) error {
		row, err := decodeSignerRow(v)
		if err != nil {
			return err
		}
		if s := rowSigner(row); s.Key() == key {
			dup = true
		}
		return nil
	})
	if err != nil || dup {
		return false, err
	}

	row, err := encodeSignerRow(&signerRow{
		xpub:            []byte(signer.XPub),
		publicKey:       []byte(signer.PublicKey),
		path:            []byte(signer.DerivationPath),
		fingerprint:     []byte(signer.Fingerprint()),
		name:            []byte(signer.Name),
		masterID:        []byte(strings.ToLower(signer.MasterSignerID)),
		lastHealthCheck: signer.LastHealthCheck,
	})
	if err != nil {
		return false, err
	}

	// Slots are keyed by position so that iteration keeps the order they
	// were added in.
	return t.Insert(fmt.Sprintf("%04d", t.Len()), row)
}

func rowSigner(row *signerRow) descriptor.SingleSigner {
	return descriptor.SingleSigner{
		Name:              string(row.name),
		XPub:              string(row.xpub),
		PublicKey:         string(row.publicKey),
		DerivationPath:    string(row.path),
		MasterFingerprint: string(row.fingerprint),
		MasterSignerID:    string(row.masterID),
		LastHealthCheck:   row.lastHealthCheck,
	}
}

// GetSigners returns the signer slots in the order they were added.
func (s *Store) GetSigners() ([]descriptor.SingleSigner, error) {
	var signers []descriptor.SingleSigner
	err := s.db.View(func(tx *recorddb.Tx) error {
		var err error
		signers, err = getSigners(tx)
		return err
	})
	return signers, err
}

func getSigners(tx *recorddb.Tx) ([]descriptor.SingleSigner, error) {
	t, ok := tx.Table(signerTable)
	if !ok {
		return nil, nil
	}

	var signers []descriptor.SingleSigner
	err := t.ForEach(func(_ string, v []byte) error {
		row, err := decodeSignerRow(v)
		if err != nil {
			return err
		}
		signers = append(signers, rowSigner(row))
		return nil
	})
	return signers, err
}

func getPolicy(tx *recorddb.Tx, id string) (*immutableData, error) {
	raw, err := tx.GetString(recorddb.KeyImmutableData)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errcode.Errorf(errcode.ErrWalletNotFound,
			"wallet %s not initialized", id)
	}

	var data immutableData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errcode.New(errcode.ErrDatabase,
			"malformed wallet policy", err)
	}
	return &data, nil
}

// GetWallet returns the wallet with its current balance.
func (s *Store) GetWallet() (*Wallet, error) {
	var w *Wallet
	err := s.db.View(func(tx *recorddb.Tx) error {
		var err error
		w, err = s.getWallet(tx)
		if err != nil {
			return err
		}
		w.Balance, err = s.getBalance(tx)
		return err
	})
	return w, err
}

func (s *Store) getWallet(tx *recorddb.Tx) (*Wallet, error) {
	data, err := getPolicy(tx, s.id)
	if err != nil {
		return nil, err
	}
	signers, err := getSigners(tx)
	if err != nil {
		return nil, err
	}
	name, err := tx.GetString(recorddb.KeyName)
	if err != nil {
		return nil, err
	}
	desc, err := tx.GetString(recorddb.KeyDescription)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		ID:          s.id,
		Name:        name,
		Description: desc,
		M:           data.M,
		N:           data.N,
		AddressType: data.AddressType,
		WalletType:  keypath.WalletTypeFor(data.N, data.IsEscrow),
		Escrow:      data.IsEscrow,
		CreateDate:  data.CreateDate,
		Signers:     signers,
	}, nil
}

// SetName renames the wallet and reports whether the name changed.
func (s *Store) SetName(name string) (bool, error) {
	return s.db.PutString(recorddb.KeyName, name)
}

// SetDescription reports whether the description changed.
func (s *Store) SetDescription(desc string) (bool, error) {
	return s.db.PutString(recorddb.KeyDescription, desc)
}

// DeleteWallet removes every record of the wallet.  The caller removes the
// file.
func (s *Store) DeleteWallet() error {
	err := s.db.Update(func(tx *recorddb.Tx) error {
		return tx.Clear()
	})
	if err != nil {
		return err
	}

	log.Infof("Deleted wallet %s", s.id)
	return nil
}

// GetMultisigConfig renders the wallet in the plain text multisig setup
// format understood by hardware signers.
func (s *Store) GetMultisigConfig() (string, error) {
	w, err := s.GetWallet()
	if err != nil {
		return "", err
	}

	name := w.Name
	if len(name) > 20 {
		name = name[:20]
	}

	format := "P2WSH-P2SH"
	switch w.AddressType {
	case keypath.Legacy:
		format = "P2SH"
	case keypath.NativeSegwit:
		format = "P2WSH"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Exported from Nunchuk\n")
	fmt.Fprintf(&b, "Name: %s\n", name)
	fmt.Fprintf(&b, "Policy: %d of %d\n", w.M, w.N)
	fmt.Fprintf(&b, "Format: %s\n\n", format)
	for _, signer := range w.Signers {
		fmt.Fprintf(&b, "Derivation: %s\n", signer.DerivationPath)
		fmt.Fprintf(&b, "%s: %s\n\n", signer.MasterFingerprint,
			signer.XPub)
	}
	return b.String(), nil
}
