// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/RandyMcMillan/libnunchuk/txcodec"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// extraData is the JSON blob kept next to each transaction.  Drafts carry
// the caller's request, broadcast transactions the signer contributions
// captured from their draft.
type extraData struct {
	Signers        map[string]bool  `json:"signers,omitempty"`
	Outputs        map[string]int64 `json:"outputs,omitempty"`
	FeeRate        *int64           `json:"fee_rate,omitempty"`
	Subtract       *bool            `json:"subtract,omitempty"`
	ReplaceTxID    string           `json:"replace_txid,omitempty"`
	ReplacedByTxID string           `json:"replaced_by_txid,omitempty"`
	RejectMsg      string           `json:"reject_msg,omitempty"`
}

func parseExtra(b []byte) (*extraData, error) {
	var extra extraData
	if len(b) == 0 {
		return &extra, nil
	}
	if err := json.Unmarshal(b, &extra); err != nil {
		return nil, errcode.New(errcode.ErrDatabase,
			"malformed transaction extra", err)
	}
	return &extra, nil
}

func (e *extraData) encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errcode.New(errcode.ErrDatabase,
			"failed to encode transaction extra", err)
	}
	return b, nil
}

// walletContext is the policy data every transaction read needs.
type walletContext struct {
	m       int
	signers []descriptor.SingleSigner
}

func (s *Store) loadContext(tx *recorddb.Tx) (*walletContext, error) {
	data, err := getPolicy(tx, s.id)
	if err != nil {
		return nil, err
	}
	signers, err := getSigners(tx)
	if err != nil {
		return nil, err
	}
	return &walletContext{m: data.M, signers: signers}, nil
}

func getTxRow(tx *recorddb.Tx, id string) (*txRow, error) {
	t, ok := tx.Table(txTable)
	if !ok {
		return nil, nil
	}
	v, err := t.Get(id)
	if err != nil || v == nil {
		return nil, err
	}
	return decodeTxRow(v)
}

func putTxRow(tx *recorddb.Tx, id string, row *txRow) error {
	t, err := tx.CreateTable(txTable)
	if err != nil {
		return err
	}
	b, err := encodeTxRow(row)
	if err != nil {
		return err
	}
	_, err = t.Put(id, b)
	return err
}

func inputError(err error) error {
	return errcode.New(errcode.ErrInput, "invalid transaction", err)
}

// draftSigners maps every wallet signer to whether it has signed the PSBT.
func draftSigners(decoded *txcodec.Tx,
	signers []descriptor.SingleSigner) map[string]bool {

	m := make(map[string]bool, len(signers))
	for i := range signers {
		fp := signers[i].Fingerprint()
		m[fp] = decoded.Signers[fp]
	}
	return m
}

// InsertTransaction adds a transaction seen on the network.  The existing
// record is returned unchanged if the id is already in the ledger.
// Confirmed transactions mark their output addresses used.
func (s *Store) InsertTransaction(rawTx string, height int, blocktime int64,
	fee btcutil.Amount, memo string, changePos int) (*Transaction, error) {

	decoded, err := txcodec.DecodeRawTx(rawTx, s.chain.Params())
	if err != nil {
		return nil, inputError(err)
	}

	var result *Transaction
	err = s.db.Update(func(tx *recorddb.Tx) error {
		t, err := tx.CreateTable(txTable)
		if err != nil {
			return err
		}
		row, err := encodeTxRow(&txRow{
			value:        []byte(rawTx),
			height:       int64(height),
			fee:          int64(fee),
			memo:         []byte(memo),
			changePos:    int64(changePos),
			blocktime:    blocktime,
			hasBlocktime: true,
			hasExtra:     true,
		})
		if err != nil {
			return err
		}
		if _, err := t.Insert(decoded.ID, row); err != nil {
			return err
		}

		if height > 0 {
			for _, out := range decoded.Outputs {
				if _, err := useAddress(tx, out.Address); err != nil {
					return err
				}
			}
		}

		result, err = s.getTransaction(tx, decoded.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Wallet %s: inserted tx %s at height %d", s.id,
		decoded.ID, height)
	return result, nil
}

// UpdateTransaction moves a ledger transaction to a new height.  Heights of
// zero and below capture the signer contributions of a draft being
// broadcast, and mark the transaction it replaces.  It reports false for
// unknown ids and for height -1, which only drafts may hold.
func (s *Store) UpdateTransaction(rawTx string, height int, blocktime int64,
	rejectMsg string) (bool, error) {

	if height == HeightDraft {
		return false, nil
	}

	decoded, err := txcodec.DecodeRawTx(rawTx, s.chain.Params())
	if err != nil {
		return false, inputError(err)
	}
	id := decoded.ID

	var updated bool
	err = s.db.Update(func(tx *recorddb.Tx) error {
		row, err := getTxRow(tx, id)
		if err != nil || row == nil {
			return err
		}

		if height <= 0 {
			extra, err := parseExtra(row.extra)
			if err != nil {
				return err
			}
			if row.height == HeightDraft {
				signers, err := getSigners(tx)
				if err != nil {
					return err
				}
				draft, err := txcodec.DecodePsbt(
					string(row.value), s.chain.Params(),
				)
				if err != nil {
					return errcode.New(errcode.ErrDatabase,
						"malformed draft "+id, err)
				}
				extra.Signers = draftSigners(draft, signers)

				if extra.ReplaceTxID != "" {
					_, err := setReplacedBy(
						tx, extra.ReplaceTxID, id,
					)
					if err != nil {
						return err
					}
				}
			}
			if rejectMsg != "" {
				extra.RejectMsg = rejectMsg
			}
			row.extra, err = extra.encode()
			if err != nil {
				return err
			}
			row.hasExtra = true
		}

		row.value = []byte(rawTx)
		row.height = int64(height)
		row.blocktime = blocktime
		row.hasBlocktime = true
		if err := putTxRow(tx, id, row); err != nil {
			return err
		}
		updated = true

		if height > 0 {
			for _, out := range decoded.Outputs {
				if _, err := useAddress(tx, out.Address); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if updated {
		log.Debugf("Wallet %s: tx %s now at height %d", s.id, id,
			height)
	}
	return updated, nil
}

// SetReplacedBy records that oldID was superseded by newID.  It reports
// false if oldID is not in the ledger.
func (s *Store) SetReplacedBy(oldID, newID string) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		var err error
		found, err = setReplacedBy(tx, oldID, newID)
		return err
	})
	return found, err
}

func setReplacedBy(tx *recorddb.Tx, oldID, newID string) (bool, error) {
	row, err := getTxRow(tx, oldID)
	if err != nil || row == nil {
		return false, err
	}
	extra, err := parseExtra(row.extra)
	if err != nil {
		return false, err
	}
	extra.ReplacedByTxID = newID
	if row.extra, err = extra.encode(); err != nil {
		return false, err
	}
	row.hasExtra = true
	return true, putTxRow(tx, oldID, row)
}

// UpdateTransactionMemo sets the memo of a transaction and reports whether
// the id exists.
func (s *Store) UpdateTransactionMemo(id, memo string) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		row, err := getTxRow(tx, id)
		if err != nil || row == nil {
			return err
		}
		found = true
		row.memo = []byte(memo)
		return putTxRow(tx, id, row)
	})
	return found, err
}

// CreatePsbt stores a new draft.  Outputs maps the caller's destination
// addresses to the amounts requested, as opposed to change.  If a draft with
// the same id exists it is returned unchanged.
func (s *Store) CreatePsbt(psbt string, fee btcutil.Amount, memo string,
	changePos int, outputs map[string]btcutil.Amount, feeRate btcutil.Amount,
	subtract bool, replaceTxID string) (*Transaction, error) {

	decoded, err := txcodec.DecodePsbt(psbt, s.chain.Params())
	if err != nil {
		return nil, inputError(err)
	}

	// Only the amount range is enforced.  Dust outputs are the caller's
	// choice and the draft is stored as built.
	for i, out := range decoded.Msg.TxOut {
		err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb)
		switch {
		case errors.Is(err, txrules.ErrOutputIsDust):
			log.Debugf("Draft %s output %d of %v is dust",
				decoded.ID, i, btcutil.Amount(out.Value))

		case err != nil:
			return nil, errcode.New(errcode.ErrInvalidAmount,
				"invalid output", err)
		}
	}
	if fee < 0 || feeRate < 0 {
		return nil, errcode.Errorf(errcode.ErrInvalidAmount,
			"negative fee %v or fee rate %v", fee, feeRate)
	}

	requested := make(map[string]int64, len(outputs))
	for addr, amt := range outputs {
		if amt < 0 || amt > btcutil.MaxSatoshi {
			return nil, errcode.Errorf(errcode.ErrInvalidAmount,
				"amount %v to %s out of range", amt, addr)
		}
		requested[addr] = int64(amt)
	}

	rate := int64(feeRate)
	extra, err := (&extraData{
		Outputs:     requested,
		FeeRate:     &rate,
		Subtract:    &subtract,
		ReplaceTxID: replaceTxID,
	}).encode()
	if err != nil {
		return nil, err
	}

	var result *Transaction
	err = s.db.Update(func(tx *recorddb.Tx) error {
		t, err := tx.CreateTable(txTable)
		if err != nil {
			return err
		}
		row, err := encodeTxRow(&txRow{
			value:        []byte(psbt),
			height:       HeightDraft,
			fee:          int64(fee),
			memo:         []byte(memo),
			changePos:    int64(changePos),
			hasBlocktime: true,
			extra:        extra,
			hasExtra:     true,
		})
		if err != nil {
			return err
		}
		if _, err := t.Insert(decoded.ID, row); err != nil {
			return err
		}

		result, err = s.getTransaction(tx, decoded.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Wallet %s: created draft %s", s.id, decoded.ID)
	return result, nil
}

// UpdatePsbt replaces the payload of a draft with a more signed version of
// the same transaction.  It reports false if no draft has that id.
func (s *Store) UpdatePsbt(psbt string) (bool, error) {
	decoded, err := txcodec.DecodePsbt(psbt, s.chain.Params())
	if err != nil {
		return false, inputError(err)
	}

	var updated bool
	err = s.db.Update(func(tx *recorddb.Tx) error {
		row, err := getTxRow(tx, decoded.ID)
		if err != nil || row == nil || row.height != HeightDraft {
			return err
		}
		updated = true
		row.value = []byte(psbt)
		return putTxRow(tx, decoded.ID, row)
	})
	return updated, err
}

// RebindDraftID moves a draft to a new id, keeping its payload and extra
// data.  The copy is written before the old record is removed.
func (s *Store) RebindDraftID(oldID, newID string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		row, err := getTxRow(tx, oldID)
		if err != nil {
			return err
		}
		if row == nil || row.height != HeightDraft {
			return errcode.Errorf(errcode.ErrTxNotFound,
				"draft %s not found", oldID)
		}

		t, err := tx.CreateTable(txTable)
		if err != nil {
			return err
		}
		row.blocktime = 0
		row.hasBlocktime = true
		b, err := encodeTxRow(row)
		if err != nil {
			return err
		}
		if _, err := t.Insert(newID, b); err != nil {
			return err
		}
		deleted, err = t.Delete(oldID)
		return err
	})
	if err != nil {
		return false, err
	}

	log.Debugf("Wallet %s: draft %s rebound to %s", s.id, oldID, newID)
	return deleted, nil
}

// GetPsbt returns the payload of a draft.
func (s *Store) GetPsbt(id string) (fn.Option[string], error) {
	psbt := fn.None[string]()
	err := s.db.View(func(tx *recorddb.Tx) error {
		row, err := getTxRow(tx, id)
		if err != nil || row == nil || row.height != HeightDraft {
			return err
		}
		psbt = fn.Some(string(row.value))
		return nil
	})
	return psbt, err
}

// GetTransaction returns a ledger transaction or ErrTxNotFound.
func (s *Store) GetTransaction(id string) (*Transaction, error) {
	var result *Transaction
	err := s.db.View(func(tx *recorddb.Tx) error {
		var err error
		result, err = s.getTransaction(tx, id)
		return err
	})
	return result, err
}

// LookupTransaction returns the ledger transaction id, if recorded.
func (s *Store) LookupTransaction(id string) (fn.Option[*Transaction],
	error) {

	result := fn.None[*Transaction]()
	err := s.db.View(func(tx *recorddb.Tx) error {
		row, err := getTxRow(tx, id)
		if err != nil || row == nil {
			return err
		}
		wc, err := s.loadContext(tx)
		if err != nil {
			return err
		}
		t, err := s.buildTx(id, row, wc)
		if err != nil {
			return err
		}
		result = fn.Some(t)
		return nil
	})
	return result, err
}

func (s *Store) getTransaction(tx *recorddb.Tx, id string) (*Transaction,
	error) {

	row, err := getTxRow(tx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errcode.Errorf(errcode.ErrTxNotFound,
			"tx %s not found", id)
	}
	wc, err := s.loadContext(tx)
	if err != nil {
		return nil, err
	}
	return s.buildTx(id, row, wc)
}

// GetTransactions returns a page of the ledger: unconfirmed records first,
// then confirmed ones from the highest block down.  A count of zero or less
// returns everything after skip.
func (s *Store) GetTransactions(count, skip int) ([]*Transaction, error) {
	var txs []*Transaction
	err := s.db.View(func(tx *recorddb.Tx) error {
		var err error
		txs, err = s.listTransactions(tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		pendingA, pendingB := a.Height <= 0, b.Height <= 0
		switch {
		case pendingA != pendingB:
			return pendingA
		case a.Height != b.Height && !pendingA:
			return a.Height > b.Height
		}
		return a.TxID < b.TxID
	})

	if skip >= len(txs) {
		return nil, nil
	}
	txs = txs[skip:]
	if count > 0 && count < len(txs) {
		txs = txs[:count]
	}
	return txs, nil
}

func (s *Store) listTransactions(tx *recorddb.Tx) ([]*Transaction, error) {
	t, ok := tx.Table(txTable)
	if !ok {
		return nil, nil
	}
	wc, err := s.loadContext(tx)
	if err != nil {
		return nil, err
	}

	var txs []*Transaction
	err = t.ForEach(func(id string, v []byte) error {
		row, err := decodeTxRow(v)
		if err != nil {
			return err
		}
		result, err := s.buildTx(id, row, wc)
		if err != nil {
			return err
		}
		txs = append(txs, result)
		return nil
	})
	return txs, err
}

// DeleteTransaction removes a record and reports whether it existed.
func (s *Store) DeleteTransaction(id string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		t, ok := tx.Table(txTable)
		if !ok {
			return nil
		}
		var err error
		deleted, err = t.Delete(id)
		return err
	})
	return deleted, err
}

// buildTx decodes a row into its read-time form.
func (s *Store) buildTx(id string, row *txRow,
	wc *walletContext) (*Transaction, error) {

	height := int(row.height)
	params := s.chain.Params()

	var (
		decoded *txcodec.Tx
		err     error
	)
	if height == HeightDraft {
		decoded, err = txcodec.DecodePsbt(string(row.value), params)
	} else {
		decoded, err = txcodec.DecodeRawTx(string(row.value), params)
	}
	if err != nil {
		return nil, errcode.New(errcode.ErrDatabase,
			"malformed payload of tx "+id, err)
	}

	result := &Transaction{
		TxID:        id,
		Height:      height,
		Inputs:      decoded.Inputs,
		Outputs:     decoded.Outputs,
		M:           wc.m,
		Fee:         btcutil.Amount(row.fee),
		Memo:        string(row.memo),
		ChangeIndex: int(row.changePos),
		BlockTime:   row.blocktime,
		Payload:     string(row.value),
	}

	if height == HeightDraft {
		result.Signers = draftSigners(decoded, wc.signers)
		signed := 0
		for _, ok := range result.Signers {
			if ok {
				signed++
			}
		}
		result.Status = PendingSignatures
		if signed >= wc.m {
			result.Status = ReadyToBroadcast
		}
	} else {
		result.Signers = make(map[string]bool, len(wc.signers))
		for i := range wc.signers {
			result.Signers[wc.signers[i].Fingerprint()] = false
		}
		switch {
		case height > 0:
			result.Status = Confirmed
		case height == HeightMempool:
			result.Status = PendingConfirmation
		default:
			result.Status = NetworkRejected
		}
	}

	extra, err := parseExtra(row.extra)
	if err != nil {
		return nil, err
	}
	fillExtra(result, extra)
	return result, nil
}

// fillExtra applies the stored extra data over the decoded transaction.
func fillExtra(t *Transaction, extra *extraData) {
	if extra.Signers != nil && t.Height >= 0 {
		for fp := range t.Signers {
			t.Signers[fp] = extra.Signers[fp]
		}
	}
	for _, out := range t.Outputs {
		if amt, ok := extra.Outputs[out.Address]; ok {
			t.UserOutputs = append(t.UserOutputs, txcodec.Output{
				Address: out.Address,
				Amount:  btcutil.Amount(amt),
				Script:  out.Script,
			})
		}
	}
	if extra.FeeRate != nil {
		t.FeeRate = btcutil.Amount(*extra.FeeRate)
	}
	if extra.Subtract != nil {
		t.SubtractFeeFromAmount = *extra.Subtract
	}
	t.ReplaceTxID = extra.ReplaceTxID
	t.RejectMsg = extra.RejectMsg
	if extra.ReplacedByTxID != "" {
		t.ReplacedByTxID = extra.ReplacedByTxID
		if t.Status == PendingConfirmation {
			t.Status = Replaced
		}
	}
}

// FillSendReceiveData classifies a transaction from the wallet's point of
// view.  A transaction spending any wallet output is a send: its fee is
// recomputed from the known inputs and SubAmount is what left the wallet.
// Otherwise it is a receive of the outputs paying wallet addresses.
func (s *Store) FillSendReceiveData(t *Transaction) error {
	return s.db.View(func(tx *recorddb.Tx) error {
		rows, err := listAddresses(tx)
		if err != nil {
			return err
		}
		mine := func(addr string) bool {
			_, ok := rows[addr]
			return addr != "" && ok
		}

		var (
			total  btcutil.Amount
			isSend bool
		)
		for _, in := range t.Inputs {
			prev, err := s.getTransaction(tx, in.TxID)
			if errcode.Is(err, errcode.ErrTxNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if int(in.Vout) >= len(prev.Outputs) {
				continue
			}
			out := prev.Outputs[in.Vout]
			if mine(out.Address) {
				total += out.Amount
				isSend = true
			}
		}

		t.ReceiveOutputs = nil
		if !isSend {
			var received btcutil.Amount
			for _, out := range t.Outputs {
				if mine(out.Address) {
					received += out.Amount
					t.ReceiveOutputs = append(
						t.ReceiveOutputs, out,
					)
				}
			}
			t.IsReceive = true
			t.SubAmount = received
			return nil
		}

		var sent btcutil.Amount
		for i, out := range t.Outputs {
			total -= out.Amount
			if !mine(out.Address) {
				sent += out.Amount
			} else if t.ChangeIndex < 0 {
				t.ChangeIndex = i
			}
		}
		t.Fee = total
		t.IsReceive = false
		t.SubAmount = sent + total
		return nil
	})
}
