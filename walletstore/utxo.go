// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"encoding/json"
	"sort"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/RandyMcMillan/libnunchuk/txcodec"
	"github.com/btcsuite/btcd/btcutil"
)

// utxoItem is one entry of an address's UTXO snapshot.  Electrum servers
// report tx_hash, tx_pos and value in satoshis; Core style backends report
// txid, vout and amount in BTC.
type utxoItem struct {
	TxHash string      `json:"tx_hash"`
	TxPos  uint32      `json:"tx_pos"`
	Value  int64       `json:"value"`
	TxID   string      `json:"txid"`
	Vout   uint32      `json:"vout"`
	Amount json.Number `json:"amount"`
}

func (u *utxoItem) outpoint() (txcodec.Input, btcutil.Amount, error) {
	if u.TxHash != "" {
		return txcodec.Input{TxID: u.TxHash, Vout: u.TxPos},
			btcutil.Amount(u.Value), nil
	}

	btc, err := u.Amount.Float64()
	if err != nil {
		return txcodec.Input{}, 0, err
	}
	amt, err := btcutil.NewAmount(btc)
	if err != nil {
		return txcodec.Input{}, 0, err
	}
	return txcodec.Input{TxID: u.TxID, Vout: u.Vout}, amt, nil
}

// changeSet returns the change addresses not yet seen confirmed.  Unconfirmed
// outputs to them are the wallet's own and count towards the balance.
func changeSet(rows map[string]*addressRow) map[string]struct{} {
	set := make(map[string]struct{})
	for addr, r := range rows {
		if r.internal && !r.used {
			set[addr] = struct{}{}
		}
	}
	return set
}

// GetUnspentOutputs returns the wallet's spendable outputs: the backend
// snapshots of every address plus the change outputs of broadcast
// transactions the backend may not report yet.  With excludeLocked, outputs
// spent by drafts or unconfirmed transactions are left out.
func (s *Store) GetUnspentOutputs(excludeLocked bool) ([]UnspentOutput,
	error) {

	var utxos []UnspentOutput
	err := s.db.View(func(tx *recorddb.Tx) error {
		var err error
		utxos, _, err = s.getUnspentOutputs(tx, excludeLocked)
		return err
	})
	return utxos, err
}

func (s *Store) getUnspentOutputs(tx *recorddb.Tx,
	excludeLocked bool) ([]UnspentOutput, map[string]*addressRow, error) {

	rows, err := listAddresses(tx)
	if err != nil {
		return nil, nil, err
	}
	txs, err := s.listTransactions(tx)
	if err != nil {
		return nil, nil, err
	}
	change := changeSet(rows)

	var (
		utxos   []UnspentOutput
		locked  = make(map[string]struct{})
		memos   = make(map[string]string, len(txs))
		heights = make(map[string]int, len(txs))
	)
	for _, t := range txs {
		memos[t.TxID] = t.Memo
		heights[t.TxID] = t.Height

		switch t.Height {
		case HeightMempool:
			for vout, out := range t.Outputs {
				if _, ok := change[out.Address]; !ok {
					continue
				}
				u := UnspentOutput{
					TxID:    t.TxID,
					Vout:    uint32(vout),
					Address: out.Address,
					Amount:  out.Amount,
					Height:  t.Height,
					Memo:    t.Memo,
				}
				locked[u.Outpoint()] = struct{}{}
				utxos = append(utxos, u)
			}

		case HeightDraft:

		default:
			continue
		}

		if !excludeLocked {
			continue
		}
		for _, in := range t.Inputs {
			locked[in.String()] = struct{}{}
		}
	}

	addrs := make([]string, 0, len(rows))
	for addr, r := range rows {
		if r.hasUtxo && len(r.utxo) > 0 {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		var items []utxoItem
		if err := json.Unmarshal(rows[addr].utxo, &items); err != nil {
			return nil, nil, errcode.New(errcode.ErrDatabase,
				"malformed utxo snapshot of "+addr, err)
		}
		for i := range items {
			op, amt, err := items[i].outpoint()
			if err != nil {
				return nil, nil, errcode.New(errcode.ErrDatabase,
					"malformed utxo of "+addr, err)
			}
			if _, ok := locked[op.String()]; ok {
				continue
			}
			utxos = append(utxos, UnspentOutput{
				TxID:    op.TxID,
				Vout:    op.Vout,
				Address: addr,
				Amount:  amt,
				Height:  heights[op.TxID],
				Memo:    memos[op.TxID],
			})
		}
	}
	return utxos, rows, nil
}

// GetBalance returns the confirmed outputs plus unconfirmed change.
func (s *Store) GetBalance() (btcutil.Amount, error) {
	var balance btcutil.Amount
	err := s.db.View(func(tx *recorddb.Tx) error {
		var err error
		balance, err = s.getBalance(tx)
		return err
	})
	return balance, err
}

func (s *Store) getBalance(tx *recorddb.Tx) (btcutil.Amount, error) {
	utxos, rows, err := s.getUnspentOutputs(tx, true)
	if err != nil {
		return 0, err
	}
	change := changeSet(rows)

	var balance btcutil.Amount
	for _, u := range utxos {
		_, isChange := change[u.Address]
		if u.Height > 0 || isChange {
			balance += u.Amount
		}
	}
	return balance, nil
}

// GetAddressBalance returns the confirmed amount held at addr.
func (s *Store) GetAddressBalance(addr string) (btcutil.Amount, error) {
	utxos, err := s.GetUnspentOutputs(true)
	if err != nil {
		return 0, err
	}

	var balance btcutil.Amount
	for _, u := range utxos {
		if u.Height > 0 && u.Address == addr {
			balance += u.Amount
		}
	}
	return balance, nil
}
