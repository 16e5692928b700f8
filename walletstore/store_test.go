package walletstore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/internal/signertest"
	"github.com/RandyMcMillan/libnunchuk/internal/txtest"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

const testChain = keypath.Regtest

type fixture struct {
	store   *Store
	params  *chaincfg.Params
	signers []descriptor.SingleSigner

	// fps are the signers' fingerprints in PSBT form.
	fps []uint32

	recv   []string
	change []string
}

func psbtFingerprint(t *testing.T, fp string) uint32 {
	t.Helper()

	b, err := hex.DecodeString(fp)
	require.NoError(t, err)
	return binary.LittleEndian.Uint32(b)
}

// newFixture creates a 2-of-3 native segwit wallet with five receive and
// five change addresses in its ledger.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := recorddb.Open(
		filepath.Join(t.TempDir(), "wallet"), "pw",
		recorddb.WithScrypt(recorddb.FastScryptOptions),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:  New(db, "w2of3abc", testChain),
		params: testChain.Params(),
	}
	for b := byte(1); b <= 3; b++ {
		m := signertest.NewMaster(t, b, testChain, "")
		f.signers = append(f.signers, m.Signer(
			t, keypath.MultiSig, keypath.NativeSegwit, 0,
		))
		f.fps = append(f.fps, psbtFingerprint(t, m.Fingerprint))
	}

	err = f.store.Init("savings", 2, 3, f.signers, keypath.NativeSegwit,
		false, 1700000000, "cold storage")
	require.NoError(t, err)

	w, err := f.store.GetWallet()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		for _, internal := range []bool{false, true} {
			addr, err := descriptor.DeriveAddress(
				w.Policy(), uint32(i), internal, f.params,
			)
			require.NoError(t, err)

			added, err := f.store.AddAddress(addr, i, internal)
			require.NoError(t, err)
			require.True(t, added)

			if internal {
				f.change = append(f.change, addr)
			} else {
				f.recv = append(f.recv, addr)
			}
		}
	}
	return f
}

func externalAddress(t *testing.T, params *chaincfg.Params, b byte) string {
	t.Helper()

	hash := make([]byte, 20)
	hash[0] = b
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, params)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// fund inserts a confirmed transaction paying amount to addr and returns its
// id.
func (f *fixture) fund(t *testing.T, seed byte, addr string, amount int64,
	height int) string {

	t.Helper()

	raw, id := txtest.RawTx(t, f.params,
		[]txtest.In{{TxID: txtest.Coinbase(seed), Vout: 0}},
		[]txtest.Out{{Address: addr, Amount: amount}},
	)
	tx, err := f.store.InsertTransaction(raw, height, 1700000000+int64(height),
		0, "", -1)
	require.NoError(t, err)
	require.Equal(t, id, tx.TxID)
	return id
}

func electrumUtxos(items ...string) string {
	return "[" + strings.Join(items, ",") + "]"
}

func electrumUtxo(txid string, vout uint32, value int64) string {
	return fmt.Sprintf(`{"tx_hash":%q,"tx_pos":%d,"value":%d,"height":1}`,
		txid, vout, value)
}

func requireCode(t *testing.T, err error, code errcode.ErrorCode) {
	t.Helper()

	require.Error(t, err)
	require.True(t, errcode.Is(err, code), "want %v, got %v", code, err)
}

func TestInit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	err := f.store.Init("again", 2, 3, f.signers, keypath.NativeSegwit,
		false, 1700000001, "")
	requireCode(t, err, errcode.ErrWalletExists)

	w, err := f.store.GetWallet()
	require.NoError(t, err)
	require.Equal(t, "savings", w.Name)
	require.Equal(t, "cold storage", w.Description)
	require.Equal(t, 2, w.M)
	require.Equal(t, 3, w.N)
	require.Equal(t, keypath.MultiSig, w.WalletType)
	require.EqualValues(t, 1700000000, w.CreateDate)
	require.Zero(t, w.Balance)
	require.Len(t, w.Signers, 3)
	for i := range f.signers {
		require.Equal(t, f.signers[i].Key(), w.Signers[i].Key())
	}

	added, err := f.store.AddSigner(&f.signers[1])
	require.NoError(t, err)
	require.False(t, added)

	changed, err := f.store.SetName("spending")
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = f.store.SetName("spending")
	require.NoError(t, err)
	require.False(t, changed)

	version, err := f.store.DB().Version()
	require.NoError(t, err)
	require.Equal(t, latestVersion(), version)

	desc, err := w.Descriptor(descriptor.ExternalAll)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(desc, "wsh(sortedmulti(2,"))
}

func TestUninitialized(t *testing.T) {
	t.Parallel()

	db, err := recorddb.Open(filepath.Join(t.TempDir(), "empty"), "",
		recorddb.WithScrypt(recorddb.FastScryptOptions))
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, "missing0", testChain).GetWallet()
	requireCode(t, err, errcode.ErrWalletNotFound)
}

func TestAddresses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	added, err := f.store.AddAddress(f.recv[0], 7, true)
	require.NoError(t, err)
	require.False(t, added)

	index, err := f.store.GetAddressIndex(f.recv[3])
	require.NoError(t, err)
	require.Equal(t, 3, index)

	index, err = f.store.GetAddressIndex("bcrt1qnothere")
	require.NoError(t, err)
	require.Equal(t, -1, index)

	// Marking used is true exactly once.
	used, err := f.store.UseAddress(f.recv[2])
	require.NoError(t, err)
	require.True(t, used)
	used, err = f.store.UseAddress(f.recv[2])
	require.NoError(t, err)
	require.False(t, used)

	used, err = f.store.UseAddress("bcrt1qnothere")
	require.NoError(t, err)
	require.False(t, used)
	used, err = f.store.UseAddress("")
	require.NoError(t, err)
	require.False(t, used)

	unused, err := f.store.GetAddresses(false, false)
	require.NoError(t, err)
	require.Equal(t, []string{f.recv[0], f.recv[1], f.recv[3], f.recv[4]},
		unused)

	usedAddrs, err := f.store.GetAddresses(true, false)
	require.NoError(t, err)
	require.Equal(t, []string{f.recv[2]}, usedAddrs)

	current, err := f.store.GetCurrentAddressIndex(true)
	require.NoError(t, err)
	require.Equal(t, 4, current)

	all, err := f.store.GetAllAddresses()
	require.NoError(t, err)
	require.Len(t, all, 10)

	list, err := f.store.ListAddresses()
	require.NoError(t, err)
	require.Len(t, list, 10)
	require.Equal(t, f.change[4], list[0].Address)
	require.Equal(t, f.recv[4], list[1].Address)

	found, err := f.store.SetUtxos("bcrt1qnothere", "[]")
	require.NoError(t, err)
	require.False(t, found)
}

// TestPsbtLifecycle follows a draft from creation through signing,
// broadcast and confirmation.
func TestPsbtLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fundID := f.fund(t, 1, f.recv[0], 100_000, 100)

	used, err := f.store.GetAddresses(true, false)
	require.NoError(t, err)
	require.Equal(t, []string{f.recv[0]}, used)

	found, err := f.store.SetUtxos(f.recv[0],
		electrumUtxos(electrumUtxo(fundID, 0, 100_000)))
	require.NoError(t, err)
	require.True(t, found)

	balance, err := f.store.GetBalance()
	require.NoError(t, err)
	require.EqualValues(t, 100_000, balance)

	dest := externalAddress(t, f.params, 1)
	ins := []txtest.In{{TxID: fundID, Vout: 0}}
	outs := []txtest.Out{
		{Address: dest, Amount: 60_000},
		{Address: f.change[0], Amount: 39_000},
	}
	unsigned, draftID := txtest.Psbt(t, f.params, ins, outs, f.fps, nil)

	draft, err := f.store.CreatePsbt(unsigned, 1_000, "rent", -1,
		map[string]btcutil.Amount{dest: 60_000}, 2_000, false, "")
	require.NoError(t, err)
	require.Equal(t, draftID, draft.TxID)
	require.Equal(t, HeightDraft, draft.Height)
	require.Equal(t, PendingSignatures, draft.Status)
	require.Len(t, draft.Signers, 3)
	require.Len(t, draft.UserOutputs, 1)
	require.Equal(t, dest, draft.UserOutputs[0].Address)
	require.EqualValues(t, 2_000, draft.FeeRate)

	psbt, err := f.store.GetPsbt(draftID)
	require.NoError(t, err)
	require.Equal(t, unsigned, psbt.UnwrapOr(""))

	// The draft holds the funding output.
	utxos, err := f.store.GetUnspentOutputs(true)
	require.NoError(t, err)
	require.Empty(t, utxos)
	utxos, err = f.store.GetUnspentOutputs(false)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, fundID+":0", utxos[0].Outpoint())

	signed, _ := txtest.Psbt(t, f.params, ins, outs, f.fps,
		map[uint32]bool{f.fps[0]: true, f.fps[1]: true})
	updated, err := f.store.UpdatePsbt(signed)
	require.NoError(t, err)
	require.True(t, updated)

	draft, err = f.store.GetTransaction(draftID)
	require.NoError(t, err)
	require.Equal(t, ReadyToBroadcast, draft.Status)

	// Height -1 is reserved for drafts.
	raw, rawID := txtest.RawTx(t, f.params, ins, outs)
	require.Equal(t, draftID, rawID)
	updated, err = f.store.UpdateTransaction(raw, HeightDraft, 0, "")
	require.NoError(t, err)
	require.False(t, updated)

	updated, err = f.store.UpdateTransaction(raw, HeightMempool, 0, "")
	require.NoError(t, err)
	require.True(t, updated)

	sent, err := f.store.GetTransaction(draftID)
	require.NoError(t, err)
	require.Equal(t, PendingConfirmation, sent.Status)
	require.Equal(t, map[string]bool{
		f.signers[0].Fingerprint(): true,
		f.signers[1].Fingerprint(): true,
		f.signers[2].Fingerprint(): false,
	}, sent.Signers)

	psbt, err = f.store.GetPsbt(draftID)
	require.NoError(t, err)
	require.True(t, psbt.IsNone())

	// Unconfirmed change counts, the spent funding output does not.
	balance, err = f.store.GetBalance()
	require.NoError(t, err)
	require.EqualValues(t, 39_000, balance)

	updated, err = f.store.UpdateTransaction(raw, 120, 1700001200, "")
	require.NoError(t, err)
	require.True(t, updated)

	confirmed, err := f.store.GetTransaction(draftID)
	require.NoError(t, err)
	require.Equal(t, Confirmed, confirmed.Status)
	require.True(t, confirmed.Signers[f.signers[0].Fingerprint()])
	require.EqualValues(t, 1700001200, confirmed.BlockTime)

	changeUsed, err := f.store.GetAddresses(true, true)
	require.NoError(t, err)
	require.Equal(t, []string{f.change[0]}, changeUsed)

	require.NoError(t, f.store.FillSendReceiveData(confirmed))
	require.False(t, confirmed.IsReceive)
	require.EqualValues(t, 1_000, confirmed.Fee)
	require.EqualValues(t, 61_000, confirmed.SubAmount)
	require.Equal(t, 1, confirmed.ChangeIndex)

	funding, err := f.store.GetTransaction(fundID)
	require.NoError(t, err)
	require.NoError(t, f.store.FillSendReceiveData(funding))
	require.True(t, funding.IsReceive)
	require.EqualValues(t, 100_000, funding.SubAmount)
	require.Len(t, funding.ReceiveOutputs, 1)

	changed, err := f.store.UpdateTransactionMemo(draftID, "march rent")
	require.NoError(t, err)
	require.True(t, changed)
	confirmed, err = f.store.GetTransaction(draftID)
	require.NoError(t, err)
	require.Equal(t, "march rent", confirmed.Memo)
}

func TestCreatePsbtValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fundID := f.fund(t, 2, f.recv[0], 50_000, 10)
	ins := []txtest.In{{TxID: fundID, Vout: 0}}

	// Dust is stored as built; only out of range amounts are refused.
	dust, dustID := txtest.Psbt(t, f.params, ins, []txtest.Out{
		{Address: externalAddress(t, f.params, 2), Amount: 1},
	}, f.fps, nil)
	draft, err := f.store.CreatePsbt(dust, 0, "", -1, nil, 0, false, "")
	require.NoError(t, err)
	require.Equal(t, dustID, draft.TxID)

	huge, _ := txtest.Psbt(t, f.params, ins, []txtest.Out{
		{
			Address: externalAddress(t, f.params, 2),
			Amount:  btcutil.MaxSatoshi + 1,
		},
	}, f.fps, nil)
	_, err = f.store.CreatePsbt(huge, 0, "", -1, nil, 0, false, "")
	requireCode(t, err, errcode.ErrInvalidAmount)

	ok, _ := txtest.Psbt(t, f.params, ins, []txtest.Out{
		{Address: externalAddress(t, f.params, 2), Amount: 40_000},
	}, f.fps, nil)
	_, err = f.store.CreatePsbt(ok, 0, "", -1,
		map[string]btcutil.Amount{"x": -5}, 0, false, "")
	requireCode(t, err, errcode.ErrInvalidAmount)

	_, err = f.store.CreatePsbt("not a psbt", 0, "", -1, nil, 0, false, "")
	requireCode(t, err, errcode.ErrInput)

	_, err = f.store.InsertTransaction("zz", 1, 0, 0, "", -1)
	requireCode(t, err, errcode.ErrInput)
}

func TestRebindDraft(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fundID := f.fund(t, 3, f.recv[1], 80_000, 5)

	b64, oldID := txtest.Psbt(t, f.params,
		[]txtest.In{{TxID: fundID, Vout: 0}},
		[]txtest.Out{{Address: externalAddress(t, f.params, 3),
			Amount: 70_000}},
		f.fps, nil)
	_, err := f.store.CreatePsbt(b64, 10_000, "memo", -1, nil, 0, true, "")
	require.NoError(t, err)

	newID := txtest.Coinbase(0x42)
	rebound, err := f.store.RebindDraftID(oldID, newID)
	require.NoError(t, err)
	require.True(t, rebound)

	_, err = f.store.GetTransaction(oldID)
	requireCode(t, err, errcode.ErrTxNotFound)

	moved, err := f.store.GetTransaction(newID)
	require.NoError(t, err)
	require.Equal(t, newID, moved.TxID)
	require.Equal(t, "memo", moved.Memo)
	require.True(t, moved.SubtractFeeFromAmount)
	require.EqualValues(t, 10_000, moved.Fee)

	psbt, err := f.store.GetPsbt(newID)
	require.NoError(t, err)
	require.Equal(t, b64, psbt.UnwrapOr(""))

	_, err = f.store.RebindDraftID(oldID, newID)
	requireCode(t, err, errcode.ErrTxNotFound)

	// Only drafts can be rebound.
	_, err = f.store.RebindDraftID(fundID, oldID)
	requireCode(t, err, errcode.ErrTxNotFound)

	deleted, err := f.store.DeleteTransaction(newID)
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = f.store.DeleteTransaction(newID)
	require.NoError(t, err)
	require.False(t, deleted)
}

// TestBalanceExclusion checks that unconfirmed receives are spendable but not
// part of the balance, while unconfirmed change is.
func TestBalanceExclusion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	confirmedID := f.fund(t, 4, f.recv[0], 30_000, 50)
	pendingID := f.fund(t, 5, f.recv[1], 20_000, HeightMempool)

	_, err := f.store.SetUtxos(f.recv[0],
		electrumUtxos(electrumUtxo(confirmedID, 0, 30_000)))
	require.NoError(t, err)

	// Core style snapshot with the amount in BTC.
	_, err = f.store.SetUtxos(f.recv[1], fmt.Sprintf(
		`[{"txid":%q,"vout":0,"amount":0.0002}]`, pendingID))
	require.NoError(t, err)

	utxos, err := f.store.GetUnspentOutputs(true)
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	balance, err := f.store.GetBalance()
	require.NoError(t, err)
	require.EqualValues(t, 30_000, balance)

	addrBalance, err := f.store.GetAddressBalance(f.recv[1])
	require.NoError(t, err)
	require.Zero(t, addrBalance)
	addrBalance, err = f.store.GetAddressBalance(f.recv[0])
	require.NoError(t, err)
	require.EqualValues(t, 30_000, addrBalance)

	// A pending transaction to our change address counts immediately.
	f.fund(t, 6, f.change[2], 5_000, HeightMempool)
	balance, err = f.store.GetBalance()
	require.NoError(t, err)
	require.EqualValues(t, 35_000, balance)

	w, err := f.store.GetWallet()
	require.NoError(t, err)
	require.EqualValues(t, 35_000, w.Balance)
}

func TestReplacedBy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fundID := f.fund(t, 7, f.recv[0], 90_000, 3)
	ins := []txtest.In{{TxID: fundID, Vout: 0}}

	origOuts := []txtest.Out{{Address: externalAddress(t, f.params, 7),
		Amount: 89_000}}
	origRaw, origID := txtest.RawTx(t, f.params, ins, origOuts)
	_, err := f.store.InsertTransaction(origRaw, HeightMempool, 0, 1_000,
		"", -1)
	require.NoError(t, err)

	bumpOuts := []txtest.Out{{Address: externalAddress(t, f.params, 7),
		Amount: 85_000}}
	b64, bumpID := txtest.Psbt(t, f.params, ins, bumpOuts, f.fps,
		map[uint32]bool{f.fps[0]: true, f.fps[2]: true})
	_, err = f.store.CreatePsbt(b64, 5_000, "", -1, nil, 0, false, origID)
	require.NoError(t, err)

	bumpRaw, _ := txtest.RawTx(t, f.params, ins, bumpOuts)
	updated, err := f.store.UpdateTransaction(bumpRaw, HeightMempool, 0, "")
	require.NoError(t, err)
	require.True(t, updated)

	orig, err := f.store.GetTransaction(origID)
	require.NoError(t, err)
	require.Equal(t, Replaced, orig.Status)
	require.Equal(t, bumpID, orig.ReplacedByTxID)

	bump, err := f.store.GetTransaction(bumpID)
	require.NoError(t, err)
	require.Equal(t, origID, bump.ReplaceTxID)

	updated, err = f.store.UpdateTransaction(bumpRaw, HeightRejected, 0,
		"min relay fee not met")
	require.NoError(t, err)
	require.True(t, updated)

	bump, err = f.store.GetTransaction(bumpID)
	require.NoError(t, err)
	require.Equal(t, NetworkRejected, bump.Status)
	require.Equal(t, "min relay fee not met", bump.RejectMsg)
}

func TestGetTransactionsOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	low := f.fund(t, 10, f.recv[0], 10_000, 10)
	high := f.fund(t, 11, f.recv[1], 10_000, 30)
	mid := f.fund(t, 12, f.recv[2], 10_000, 20)
	pending := f.fund(t, 13, f.recv[3], 10_000, HeightMempool)

	txs, err := f.store.GetTransactions(0, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.TxID)
	}
	require.Equal(t, []string{pending, high, mid, low}, ids)

	page, err := f.store.GetTransactions(2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, high, page[0].TxID)
	require.Equal(t, mid, page[1].TxID)

	page, err = f.store.GetTransactions(5, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

// TestMigrate writes transaction rows the way the first schema did and checks
// that migration adds the missing fields once.
func TestMigrate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	raw, id := txtest.RawTx(t, f.params,
		[]txtest.In{{TxID: txtest.Coinbase(20), Vout: 0}},
		[]txtest.Out{{Address: f.recv[0], Amount: 1_000}},
	)

	err := f.store.DB().Update(func(tx *recorddb.Tx) error {
		b, err := encodeTxRow(&txRow{
			value:     []byte(raw),
			height:    7,
			changePos: -1,
		})
		if err != nil {
			return err
		}
		tbl, _ := tx.Table(txTable)
		if _, err := tbl.Put(id, b); err != nil {
			return err
		}
		_, err = tx.PutInt(recorddb.KeyVersion, 0)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, f.store.MaybeMigrate())

	version, err := f.store.DB().Version()
	require.NoError(t, err)
	require.Equal(t, latestVersion(), version)

	var row *txRow
	err = f.store.DB().View(func(tx *recorddb.Tx) error {
		var err error
		row, err = getTxRow(tx, id)
		return err
	})
	require.NoError(t, err)
	require.True(t, row.hasBlocktime)
	require.True(t, row.hasExtra)
	require.EqualValues(t, 7, row.height)

	before, err := f.store.DB().Snapshot()
	require.NoError(t, err)
	require.NoError(t, f.store.MaybeMigrate())
	after, err := f.store.DB().Snapshot()
	require.NoError(t, err)
	require.Equal(t, before, after)

	tx, err := f.store.GetTransaction(id)
	require.NoError(t, err)
	require.Equal(t, Confirmed, tx.Status)
}

func TestMultisigConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.store.SetName("a very long wallet name indeed")
	require.NoError(t, err)

	config, err := f.store.GetMultisigConfig()
	require.NoError(t, err)
	require.Contains(t, config, "Name: a very long wallet n\n")
	require.Contains(t, config, "Policy: 2 of 3\n")
	require.Contains(t, config, "Format: P2WSH\n")
	require.Equal(t, 3, strings.Count(config, "Derivation: "))
	require.Contains(t, config, f.signers[0].XPub)

	require.NoError(t, f.store.DeleteWallet())
	_, err = f.store.GetWallet()
	requireCode(t, err, errcode.ErrWalletNotFound)
}
