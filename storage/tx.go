// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/walletstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// AddAddress records a derived address of a wallet.
func (s *Storage) AddAddress(c keypath.Chain, walletID, addr string,
	index int, internal bool) (bool, error) {

	var added bool
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		added, err = ws.AddAddress(addr, index, internal)
		return err
	})
	return added, err
}

// UseAddress marks an address used.  It reports false if it already was.
func (s *Storage) UseAddress(c keypath.Chain, walletID,
	addr string) (bool, error) {

	var used bool
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		used, err = ws.UseAddress(addr)
		return err
	})
	return used, err
}

// GetAddresses lists the receive or change addresses of a wallet with the
// given used flag.
func (s *Storage) GetAddresses(c keypath.Chain, walletID string, used,
	internal bool) ([]string, error) {

	var addrs []string
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		addrs, err = ws.GetAddresses(used, internal)
		return err
	})
	return addrs, err
}

// GetAllAddresses lists every address of a wallet.
func (s *Storage) GetAllAddresses(c keypath.Chain,
	walletID string) ([]string, error) {

	var addrs []string
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		addrs, err = ws.GetAllAddresses()
		return err
	})
	return addrs, err
}

// ListAddresses returns the address ledger of a wallet.
func (s *Storage) ListAddresses(c keypath.Chain,
	walletID string) ([]walletstore.Address, error) {

	var addrs []walletstore.Address
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		addrs, err = ws.ListAddresses()
		return err
	})
	return addrs, err
}

// GetCurrentAddressIndex returns the highest recorded index of a branch, or
// -1.
func (s *Storage) GetCurrentAddressIndex(c keypath.Chain, walletID string,
	internal bool) (int, error) {

	index := -1
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		index, err = ws.GetCurrentAddressIndex(internal)
		return err
	})
	return index, err
}

// GetAddressIndex returns the index of a recorded address, or
// ErrAddressNotFound.
func (s *Storage) GetAddressIndex(c keypath.Chain, walletID,
	addr string) (int, error) {

	index := -1
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		index, err = ws.GetAddressIndex(addr)
		if err == nil && index < 0 {
			err = errcode.Errorf(errcode.ErrAddressNotFound,
				"address %s not found", addr)
		}
		return err
	})
	return index, err
}

// GetAddressBalance returns the confirmed balance of an address.
func (s *Storage) GetAddressBalance(c keypath.Chain, walletID,
	addr string) (btcutil.Amount, error) {

	var balance btcutil.Amount
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		balance, err = ws.GetAddressBalance(addr)
		return err
	})
	return balance, err
}

// SetUtxos replaces the UTXO snapshot of an address.
func (s *Storage) SetUtxos(c keypath.Chain, walletID, addr,
	utxos string) (bool, error) {

	var found bool
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		found, err = ws.SetUtxos(addr, utxos)
		return err
	})
	return found, err
}

// GetBalance returns a wallet's balance.
func (s *Storage) GetBalance(c keypath.Chain,
	walletID string) (btcutil.Amount, error) {

	var balance btcutil.Amount
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		balance, err = ws.GetBalance()
		return err
	})
	return balance, err
}

// GetUnspentOutputs lists a wallet's spendable outputs.
func (s *Storage) GetUnspentOutputs(c keypath.Chain, walletID string,
	excludeLocked bool) ([]walletstore.UnspentOutput, error) {

	var utxos []walletstore.UnspentOutput
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		utxos, err = ws.GetUnspentOutputs(excludeLocked)
		return err
	})
	return utxos, err
}

// InsertTransaction records a network transaction.
func (s *Storage) InsertTransaction(c keypath.Chain, walletID, rawTx string,
	height int, blocktime int64, fee btcutil.Amount, memo string,
	changePos int) (*walletstore.Transaction, error) {

	var t *walletstore.Transaction
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		t, err = ws.InsertTransaction(rawTx, height, blocktime, fee,
			memo, changePos)
		return err
	})
	return t, err
}

// UpdateTransaction moves a recorded transaction to a new height.
func (s *Storage) UpdateTransaction(c keypath.Chain, walletID, rawTx string,
	height int, blocktime int64, rejectMsg string) (bool, error) {

	var updated bool
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		updated, err = ws.UpdateTransaction(rawTx, height, blocktime,
			rejectMsg)
		return err
	})
	return updated, err
}

// UpdateTransactionMemo sets the memo of a transaction.
func (s *Storage) UpdateTransactionMemo(c keypath.Chain, walletID, txID,
	memo string) (bool, error) {

	var found bool
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		found, err = ws.UpdateTransactionMemo(txID, memo)
		return err
	})
	return found, err
}

// DeleteTransaction removes a transaction.
func (s *Storage) DeleteTransaction(c keypath.Chain, walletID,
	txID string) (bool, error) {

	var deleted bool
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		deleted, err = ws.DeleteTransaction(txID)
		return err
	})
	return deleted, err
}

// DraftParams holds the caller side details of a new draft.
type DraftParams struct {
	Psbt                  string
	Fee                   btcutil.Amount
	Memo                  string
	ChangePos             int
	Outputs               map[string]btcutil.Amount
	FeeRate               btcutil.Amount
	SubtractFeeFromAmount bool
	ReplaceTxID           string
}

// CreatePsbt records a draft.
func (s *Storage) CreatePsbt(c keypath.Chain, walletID string,
	p *DraftParams) (*walletstore.Transaction, error) {

	var t *walletstore.Transaction
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		t, err = ws.CreatePsbt(p.Psbt, p.Fee, p.Memo, p.ChangePos,
			p.Outputs, p.FeeRate, p.SubtractFeeFromAmount,
			p.ReplaceTxID)
		return err
	})
	return t, err
}

// UpdatePsbt replaces the payload of a draft.
func (s *Storage) UpdatePsbt(c keypath.Chain, walletID,
	psbt string) (bool, error) {

	var updated bool
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		updated, err = ws.UpdatePsbt(psbt)
		return err
	})
	return updated, err
}

// UpdatePsbtTxID moves a draft to the id of its finalized transaction.
func (s *Storage) UpdatePsbtTxID(c keypath.Chain, walletID, oldID,
	newID string) (bool, error) {

	var moved bool
	err := s.updateWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		moved, err = ws.RebindDraftID(oldID, newID)
		return err
	})
	return moved, err
}

// GetPsbt returns the payload of a draft.
func (s *Storage) GetPsbt(c keypath.Chain, walletID,
	txID string) (fn.Option[string], error) {

	psbt := fn.None[string]()
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		psbt, err = ws.GetPsbt(txID)
		return err
	})
	return psbt, err
}

// GetTransaction returns a transaction with its send and receive details.
func (s *Storage) GetTransaction(c keypath.Chain, walletID,
	txID string) (*walletstore.Transaction, error) {

	var t *walletstore.Transaction
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		t, err = ws.GetTransaction(txID)
		if err != nil {
			return err
		}
		return ws.FillSendReceiveData(t)
	})
	return t, err
}

// LookupTransaction returns a transaction if the wallet has recorded it.
func (s *Storage) LookupTransaction(c keypath.Chain, walletID,
	txID string) (fn.Option[*walletstore.Transaction], error) {

	t := fn.None[*walletstore.Transaction]()
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		var err error
		t, err = ws.LookupTransaction(txID)
		return err
	})
	return t, err
}

// GetTransactions returns a page of a wallet's history with send and receive
// details.  Drafts spending outputs that are no longer unspent are left
// out.
func (s *Storage) GetTransactions(c keypath.Chain, walletID string, count,
	skip int) ([]*walletstore.Transaction, error) {

	var txs []*walletstore.Transaction
	err := s.viewWallet(c, walletID, func(ws *walletstore.Store) error {
		all, err := ws.GetTransactions(count, skip)
		if err != nil {
			return err
		}
		utxos, err := ws.GetUnspentOutputs(false)
		if err != nil {
			return err
		}
		unspent := make(map[string]struct{}, len(utxos))
		for i := range utxos {
			unspent[utxos[i].Outpoint()] = struct{}{}
		}

		for _, t := range all {
			if t.Height == walletstore.HeightDraft &&
				!spendsUnspent(t, unspent) {

				log.Debugf("Hiding stale draft %s of wallet %s",
					t.TxID, walletID)
				continue
			}
			if err := ws.FillSendReceiveData(t); err != nil {
				return err
			}
			txs = append(txs, t)
		}
		return nil
	})
	return txs, err
}

func spendsUnspent(t *walletstore.Transaction,
	unspent map[string]struct{}) bool {

	for _, in := range t.Inputs {
		if _, ok := unspent[in.String()]; !ok {
			return false
		}
	}
	return true
}
