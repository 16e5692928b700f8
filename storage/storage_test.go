package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RandyMcMillan/libnunchuk/appstate"
	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/internal/signertest"
	"github.com/RandyMcMillan/libnunchuk/internal/txtest"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/RandyMcMillan/libnunchuk/signerstore"
	"github.com/RandyMcMillan/libnunchuk/walletstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

const testChain = keypath.Regtest

var testTime = time.Unix(1700000000, 0)

func testConfig(dir string, clk clock.Clock) *Config {
	return &Config{
		DataDir: dir,
		Clock:   clk,
		DBOptions: []recorddb.Option{
			recorddb.WithScrypt(recorddb.FastScryptOptions),
		},
	}
}

func newTestStorage(t *testing.T, clk clock.Clock) *Storage {
	t.Helper()

	if clk == nil {
		clk = clock.NewTestClock(testTime)
	}
	s, err := New(testConfig(t.TempDir(), clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func requireCode(t *testing.T, err error, code errcode.ErrorCode) {
	t.Helper()

	require.Error(t, err)
	require.True(t, errcode.Is(err, code), "want %v, got %v", code, err)
}

func hardwareDevice(fp string) signerstore.Device {
	return signerstore.Device{
		Type:              "hardware",
		Model:             "coldcard",
		MasterFingerprint: fp,
		SignerType:        descriptor.Hardware,
	}
}

// cosigners holds one master signer record and two signers only known by
// their wallet slots.
type cosigners struct {
	master *signertest.Master
	others []*signertest.Master
}

func newCosigners(t *testing.T, s *Storage) *cosigners {
	t.Helper()

	c := &cosigners{master: signertest.NewMaster(t, 1, testChain, "")}
	id, err := s.CreateMasterSigner(testChain, "alpha",
		hardwareDevice(strings.ToUpper(c.master.Fingerprint)), "")
	require.NoError(t, err)
	require.Equal(t, c.master.Fingerprint, id)

	for b := byte(2); b <= 3; b++ {
		c.others = append(c.others,
			signertest.NewMaster(t, b, testChain, ""))
	}
	return c
}

// params returns a 2-of-3 native segwit wallet using the master's key at
// index and the other signers' first multisig keys.
func (c *cosigners) params(t *testing.T, index int) *WalletParams {
	t.Helper()

	p := &WalletParams{
		Name:        "savings",
		Description: "cold storage",
		M:           2,
		N:           3,
		AddressType: keypath.NativeSegwit,
		Signers: []descriptor.SingleSigner{
			c.master.Signer(t, keypath.MultiSig,
				keypath.NativeSegwit, index),
		},
	}
	for _, m := range c.others {
		p.Signers = append(p.Signers, m.Signer(
			t, keypath.MultiSig, keypath.NativeSegwit, 0,
		))
	}
	return p
}

func slotOf(t *testing.T, w *walletstore.Wallet,
	fp string) descriptor.SingleSigner {

	t.Helper()

	for _, signer := range w.Signers {
		if signer.MasterFingerprint == fp {
			return signer
		}
	}
	require.Failf(t, "missing signer", "wallet %s has no %s", w.ID, fp)
	return descriptor.SingleSigner{}
}

func TestNewInvalidDataDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	_, err := New(testConfig(file, nil))
	requireCode(t, err, errcode.ErrInvalidDataDir)

	s := newTestStorage(t, nil)
	for _, c := range keypath.Chains {
		for _, d := range []string{walletsDir, signersDir, stateDir,
			tmpDir} {

			fi, err := os.Stat(filepath.Join(s.DataDir(),
				c.String(), d))
			require.NoError(t, err)
			require.True(t, fi.IsDir())
		}

		version, err := s.GetStorageVersion(c)
		require.NoError(t, err)
		require.EqualValues(t, StorageVersion, version)
	}
}

func TestCreateWallet(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t, nil)
	c := newCosigners(t, s)
	fp := c.master.Fingerprint

	for i := 0; i < 5; i++ {
		path, err := keypath.DerivePath(testChain, keypath.MultiSig,
			keypath.AnyAddress, i)
		require.NoError(t, err)
		_, err = s.CacheXPub(testChain, fp, keypath.MultiSig,
			keypath.AnyAddress, i, c.master.XPub(t, path))
		require.NoError(t, err)
	}
	index, err := s.GetCurrentIndexFromMasterSigner(testChain, fp,
		keypath.MultiSig, keypath.NativeSegwit)
	require.NoError(t, err)
	require.Equal(t, 0, index)

	p := c.params(t, 0)
	w, err := s.CreateWallet(testChain, p)
	require.NoError(t, err)

	id, err := descriptor.WalletID(p.Signers, 2, keypath.NativeSegwit,
		keypath.MultiSig)
	require.NoError(t, err)
	require.Equal(t, id, w.ID)
	require.EqualValues(t, testTime.Unix(), w.CreateDate)
	require.Equal(t, fp, slotOf(t, w, fp).MasterSignerID)
	require.Equal(t, "alpha", slotOf(t, w, fp).Name)

	// The master key at index 0 is now allocated.
	index, err = s.GetCurrentIndexFromMasterSigner(testChain, fp,
		keypath.MultiSig, keypath.NativeSegwit)
	require.NoError(t, err)
	require.Equal(t, 1, index)

	allocated, err := s.GetSignersFromMasterSigner(testChain, fp)
	require.NoError(t, err)
	require.Len(t, allocated, 1)
	require.Equal(t, p.Signers[0].DerivationPath,
		allocated[0].DerivationPath)

	remotes, err := s.GetRemoteSigners(testChain)
	require.NoError(t, err)
	require.Len(t, remotes, 2)
	for _, r := range remotes {
		require.True(t, r.Used)
		require.Equal(t, importedSignerName, r.Name)
	}

	ids, err := s.ListWallets(testChain)
	require.NoError(t, err)
	require.Equal(t, []string{w.ID}, ids)

	// Renaming the master shows in the wallet.
	_, err = s.UpdateMasterSigner(testChain, fp, "renamed")
	require.NoError(t, err)
	w, err = s.GetWallet(testChain, w.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", slotOf(t, w, fp).Name)
	require.Empty(t, slotOf(t, w, c.others[0].Fingerprint).MasterSignerID)

	changed, err := s.UpdateWallet(testChain, w.ID, "spending",
		"cold storage")
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = s.UpdateWallet(testChain, w.ID, "spending",
		"cold storage")
	require.NoError(t, err)
	require.False(t, changed)

	desc, err := s.GetWalletExportData(testChain, w.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(desc, "wsh(sortedmulti(2,"))

	_, err = s.GetWallet(testChain, "zzzzzzzz")
	requireCode(t, err, errcode.ErrWalletNotFound)
	_, err = s.GetWallet(keypath.Main, w.ID)
	requireCode(t, err, errcode.ErrWalletNotFound)
}

func TestCreateWalletRejects(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t, nil)
	c := newCosigners(t, s)
	fp := c.master.Fingerprint

	first, err := s.CreateWallet(testChain, c.params(t, 0))
	require.NoError(t, err)

	_, err = s.CreateWallet(testChain, c.params(t, 0))
	requireCode(t, err, errcode.ErrWalletExists)

	bad := c.params(t, 1)
	bad.M = 4
	_, err = s.CreateWallet(testChain, bad)
	requireCode(t, err, errcode.ErrInvalidParameter)

	bad = c.params(t, 1)
	bad.N = 2
	_, err = s.CreateWallet(testChain, bad)
	requireCode(t, err, errcode.ErrInvalidParameter)

	bad = c.params(t, 1)
	bad.Signers[1].MasterFingerprint = "nothex!!"
	_, err = s.CreateWallet(testChain, bad)
	requireCode(t, err, errcode.ErrInvalidParameter)

	// A master key outside its canonical path.
	bad = c.params(t, 1)
	bad.Signers[0] = c.master.SignerAt(t, "m/48h/1h/5h/1h")
	_, err = s.CreateWallet(testChain, bad)
	requireCode(t, err, errcode.ErrInvalidBip32Path)

	// Index 0 of the master is taken by the first wallet.  The second
	// wallet differs by its cosigner set.
	reuse := c.params(t, 0)
	reuse.M = 1
	_, err = s.CreateWallet(testChain, reuse)
	requireCode(t, err, errcode.ErrSignerUsed)

	// Rejections leave no allocations behind.
	index, err := s.GetCurrentIndexFromMasterSigner(testChain, fp,
		keypath.MultiSig, keypath.AnyAddress)
	require.NoError(t, err)
	require.Equal(t, -1, index)
	cached, err := s.GetCachedIndexFromMasterSigner(testChain, fp,
		keypath.MultiSig, keypath.AnyAddress)
	require.NoError(t, err)
	require.Equal(t, 0, cached)

	reuse.AllowUsedSigner = true
	second, err := s.CreateWallet(testChain, reuse)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	ids, err := s.ListWallets(testChain)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.NoError(t, s.DeleteWallet(testChain, second.ID))
	ids, err = s.ListWallets(testChain)
	require.NoError(t, err)
	require.Equal(t, []string{first.ID}, ids)
	requireCode(t, s.DeleteWallet(testChain, second.ID),
		errcode.ErrWalletNotFound)
}

func TestCreateWalletConcurrent(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t, nil)
	c := newCosigners(t, s)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		conflict int
	)
	for i := 0; i < workers; i++ {
		p := c.params(t, 0)

		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := s.CreateWallet(testChain, p)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errcode.Is(err, errcode.ErrWalletExists):
				conflict++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Equal(t, workers-1, conflict)
}

func TestCacheMasterSignerXPub(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t, nil)
	m := signertest.NewMaster(t, 4, testChain, "")
	fp, err := s.CreateMasterSigner(testChain, "device",
		hardwareDevice(m.Fingerprint), "")
	require.NoError(t, err)

	var seen []int
	record := func(p int) bool {
		seen = append(seen, p)
		return true
	}

	err = s.CacheMasterSignerXPub(testChain, fp, m.Getter(t), record, true)
	require.NoError(t, err)
	require.Len(t, seen, firstCacheNumber)
	require.Equal(t, 100, seen[len(seen)-1])

	root, err := s.GetMasterSignerXPub(testChain, fp, "m")
	require.NoError(t, err)
	require.Equal(t, m.XPub(t, "m"), root)
	check, err := s.GetMasterSignerXPub(testChain, fp,
		testChain.HealthCheckPath())
	require.NoError(t, err)
	require.Equal(t, m.XPub(t, testChain.HealthCheckPath()), check)

	cachedIndex := func(w keypath.WalletType, a keypath.AddressType) int {
		index, err := s.GetCachedIndexFromMasterSigner(testChain, fp,
			w, a)
		require.NoError(t, err)
		return index
	}
	require.Equal(t, 1, cachedIndex(keypath.MultiSig, keypath.AnyAddress))
	require.Equal(t, 0, cachedIndex(keypath.SingleSig,
		keypath.NativeSegwit))
	require.Equal(t, 0, cachedIndex(keypath.Escrow, keypath.AnyAddress))

	seen = nil
	err = s.CacheMasterSignerXPub(testChain, fp, m.Getter(t), record,
		false)
	require.NoError(t, err)
	require.Len(t, seen, TotalCacheNumber)
	require.Equal(t, 100, seen[len(seen)-1])
	require.Equal(t, 6, cachedIndex(keypath.MultiSig, keypath.AnyAddress))
	require.Equal(t, 5, cachedIndex(keypath.SingleSig,
		keypath.NativeSegwit))
	require.Equal(t, 3, cachedIndex(keypath.SingleSig,
		keypath.NestedSegwit))
	require.Equal(t, 3, cachedIndex(keypath.SingleSig, keypath.Legacy))
	require.Equal(t, 5, cachedIndex(keypath.Escrow, keypath.AnyAddress))

	// Stopping after the first key keeps it.
	err = s.CacheMasterSignerXPub(testChain, fp, m.Getter(t),
		func(int) bool { return false }, false)
	require.NoError(t, err)
	require.Equal(t, 7, cachedIndex(keypath.MultiSig, keypath.AnyAddress))
	require.Equal(t, 5, cachedIndex(keypath.SingleSig,
		keypath.NativeSegwit))

	signer, err := s.GetSignerFromMasterSigner(testChain, fp,
		keypath.SingleSig, keypath.NativeSegwit, 2)
	require.NoError(t, err)
	require.Equal(t, fp, signer.MasterFingerprint)
	require.Equal(t, fp, signer.MasterSignerID)
	require.Equal(t, "device", signer.Name)
	require.Equal(t, m.XPub(t, signer.DerivationPath), signer.XPub)

	_, err = s.GetSignerFromMasterSigner(testChain, fp,
		keypath.SingleSig, keypath.NativeSegwit, 50)
	requireCode(t, err, errcode.ErrSignerNotFound)
	_, err = s.GetSignerFromMasterSigner(testChain, fp,
		keypath.SingleSig, keypath.Taproot, 0)
	requireCode(t, err, errcode.ErrSignerNotFound)
}

func TestMasterSigners(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	s := newTestStorage(t, clk)
	m := signertest.NewMaster(t, 5, testChain, "")
	path := "m/48h/1h/0h/2h"

	single, err := s.CreateSingleSigner(testChain, "tapsigner",
		m.XPub(t, path), "", "m/48'/1'/0'/2'", m.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, path, single.DerivationPath)
	require.Equal(t, descriptor.Airgap, single.Type)

	_, err = s.CreateSingleSigner(testChain, "again", m.XPub(t, path), "",
		path, m.Fingerprint)
	requireCode(t, err, errcode.ErrSignerExists)

	_, err = s.GetMasterSigner(testChain, m.Fingerprint)
	requireCode(t, err, errcode.ErrSignerNotFound)
	master, err := s.IsMasterSigner(testChain, m.Fingerprint)
	require.NoError(t, err)
	require.False(t, master)

	clk.SetTime(testTime.Add(time.Hour))
	found, err := s.SetRemoteHealthCheckSuccess(testChain, m.Fingerprint,
		path)
	require.NoError(t, err)
	require.True(t, found)
	found, err = s.UpdateRemoteSigner(testChain, m.Fingerprint, path,
		"card")
	require.NoError(t, err)
	require.True(t, found)

	// A remote-only fingerprint is upgraded in place.
	_, err = s.CreateMasterSigner(testChain, "device",
		hardwareDevice(m.Fingerprint), "")
	require.NoError(t, err)
	_, err = s.CreateMasterSigner(testChain, "device",
		hardwareDevice(m.Fingerprint), "")
	requireCode(t, err, errcode.ErrSignerExists)

	ms, err := s.GetMasterSigner(testChain, m.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, "device", ms.Name)
	require.Equal(t, "coldcard", ms.Device.Model)
	require.False(t, ms.Software)

	_, err = s.CreateSingleSigner(testChain, "x", m.XPub(t, path), "",
		"m/48h/1h/1h/2h", m.Fingerprint)
	requireCode(t, err, errcode.ErrSignerExists)

	changed, err := s.SetHealthCheckSuccess(testChain, m.Fingerprint)
	require.NoError(t, err)
	require.True(t, changed)
	ms, err = s.GetMasterSigner(testChain, m.Fingerprint)
	require.NoError(t, err)
	require.EqualValues(t, testTime.Add(time.Hour).Unix(),
		ms.LastHealthCheck)

	ids, err := s.ListMasterSigners(testChain)
	require.NoError(t, err)
	require.Equal(t, []string{m.Fingerprint}, ids)

	require.NoError(t, s.DeleteMasterSigner(testChain, m.Fingerprint))
	_, err = s.GetMasterSigner(testChain, m.Fingerprint)
	requireCode(t, err, errcode.ErrSignerNotFound)
	ids, err = s.ListMasterSigners(testChain)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSoftwareSigner(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t, nil)
	m := signertest.NewMaster(t, 6, testChain, "secret")

	id, err := s.CreateMasterSigner(testChain, "hot", signerstore.Device{
		Type:              "software",
		MasterFingerprint: m.Fingerprint,
		SignerType:        descriptor.Software,
	}, m.Mnemonic)
	require.NoError(t, err)

	_, err = s.GetSoftwareSigner(testChain, id)
	requireCode(t, err, errcode.ErrInvalidSignerPassphrase)

	err = s.SendSignerPassphrase(testChain, id, "wrong")
	requireCode(t, err, errcode.ErrInvalidSignerPassphrase)

	require.NoError(t, s.SendSignerPassphrase(testChain, id, "secret"))
	signer, err := s.GetSoftwareSigner(testChain, strings.ToUpper(id))
	require.NoError(t, err)
	require.Equal(t, m.Fingerprint, signer.Fingerprint())

	xpub, err := signer.XPub("m/84h/1h/0h")
	require.NoError(t, err)
	require.Equal(t, m.XPub(t, "m/84h/1h/0h"), xpub)

	// The passphrase is per chain.
	_, err = s.GetSoftwareSigner(keypath.Testnet, id)
	requireCode(t, err, errcode.ErrInvalidSignerPassphrase)

	require.NoError(t, s.ClearSignerPassphrase(testChain, id))
	_, err = s.GetSoftwareSigner(testChain, id)
	requireCode(t, err, errcode.ErrInvalidSignerPassphrase)
}

func TestAddressesAndDrafts(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t, nil)
	c := newCosigners(t, s)
	w, err := s.CreateWallet(testChain, c.params(t, 0))
	require.NoError(t, err)
	params := testChain.Params()

	first, err := s.GetNewAddress(testChain, w.ID, false)
	require.NoError(t, err)
	second, err := s.GetNewAddress(testChain, w.ID, false)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	derived, err := s.DeriveAddress(testChain, w.ID, 1, false)
	require.NoError(t, err)
	require.Equal(t, second, derived)

	index, err := s.GetAddressIndex(testChain, w.ID, second)
	require.NoError(t, err)
	require.Equal(t, 1, index)
	_, err = s.GetAddressIndex(testChain, w.ID, "bcrt1qunknown")
	requireCode(t, err, errcode.ErrAddressNotFound)

	current, err := s.GetCurrentAddressIndex(testChain, w.ID, true)
	require.NoError(t, err)
	require.Equal(t, -1, current)

	raw, fundID := txtest.RawTx(t, params,
		[]txtest.In{{TxID: txtest.Coinbase(1), Vout: 0}},
		[]txtest.Out{{Address: first, Amount: 100_000}},
	)
	_, err = s.InsertTransaction(testChain, w.ID, raw, 10,
		testTime.Unix(), 0, "", -1)
	require.NoError(t, err)

	utxos := `[{"tx_hash":"` + fundID +
		`","tx_pos":0,"value":100000,"height":10}]`
	found, err := s.SetUtxos(testChain, w.ID, first, utxos)
	require.NoError(t, err)
	require.True(t, found)

	balance, err := s.GetBalance(testChain, w.ID)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(100_000), balance)

	change, err := s.GetNewAddress(testChain, w.ID, true)
	require.NoError(t, err)
	unsigned, draftID := txtest.Psbt(t, params,
		[]txtest.In{{TxID: fundID, Vout: 0}},
		[]txtest.Out{
			{Address: second, Amount: 50_000},
			{Address: change, Amount: 49_000},
		}, nil, nil)
	draft, err := s.CreatePsbt(testChain, w.ID, &DraftParams{
		Psbt:      unsigned,
		Fee:       1_000,
		Memo:      "shuffle",
		ChangePos: -1,
	})
	require.NoError(t, err)
	require.Equal(t, draftID, draft.TxID)

	psbt, err := s.GetPsbt(testChain, w.ID, draftID)
	require.NoError(t, err)
	require.Equal(t, unsigned, psbt.UnwrapOr(""))

	txs, err := s.GetTransactions(testChain, w.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	got, err := s.LookupTransaction(testChain, w.ID, fundID)
	require.NoError(t, err)
	require.True(t, got.IsSome())
	missing, err := s.LookupTransaction(testChain, w.ID,
		txtest.Coinbase(9))
	require.NoError(t, err)
	require.True(t, missing.IsNone())

	// Once the funding output is spent elsewhere the draft is stale.
	_, err = s.SetUtxos(testChain, w.ID, first, "[]")
	require.NoError(t, err)
	txs, err = s.GetTransactions(testChain, w.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, fundID, txs[0].TxID)

	// The draft itself is still there.
	tx, err := s.GetTransaction(testChain, w.ID, draftID)
	require.NoError(t, err)
	require.Equal(t, walletstore.HeightDraft, tx.Height)
	require.Equal(t, "shuffle", tx.Memo)
}

func TestChainState(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t, nil)

	tip, err := s.GetChainTip(testChain)
	require.NoError(t, err)
	require.Zero(t, tip)

	changed, err := s.SetChainTip(testChain, 120)
	require.NoError(t, err)
	require.True(t, changed)
	tip, err = s.GetChainTip(testChain)
	require.NoError(t, err)
	require.Equal(t, 120, tip)

	tip, err = s.GetChainTip(keypath.Main)
	require.NoError(t, err)
	require.Zero(t, tip)

	selected, err := s.GetSelectedWallet(testChain)
	require.NoError(t, err)
	require.True(t, selected.IsNone())
	_, err = s.SetSelectedWallet(testChain, "abcdefgh")
	require.NoError(t, err)
	selected, err = s.GetSelectedWallet(testChain)
	require.NoError(t, err)
	require.Equal(t, "abcdefgh", selected.UnwrapOr(""))
}

// snapshots returns the logical content of every wallet and signer store.
func snapshots(t *testing.T, s *Storage) map[string][]byte {
	t.Helper()

	out := make(map[string][]byte)
	for _, c := range keypath.Chains {
		err := s.view(c, func(cs *chainStore) error {
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
					db, err := cs.open(cs.path(kind, id),
						s.passphrase, s.dbOpts)
					if err != nil {
						return err
					}
					snap, err := db.Snapshot()
					if err != nil {
						return err
					}
					out[c.String()+"/"+kind+"/"+id] = snap
				}
			}
			return nil
		})
		require.NoError(t, err)
	}
	return out
}

func encrypted(t *testing.T, s *Storage, c keypath.Chain,
	walletID string) bool {

	t.Helper()

	var enc bool
	err := s.view(c, func(cs *chainStore) error {
		db, err := cs.open(cs.path(walletsDir, walletID), s.passphrase,
			s.dbOpts)
		if err != nil {
			return err
		}
		enc = db.Encrypted()
		return nil
	})
	require.NoError(t, err)
	return enc
}

func TestSetPassphrase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(testConfig(dir, clock.NewTestClock(testTime)))
	require.NoError(t, err)
	c := newCosigners(t, s)
	w, err := s.CreateWallet(testChain, c.params(t, 0))
	require.NoError(t, err)
	_, err = s.GetNewAddress(testChain, w.ID, false)
	require.NoError(t, err)

	before := snapshots(t, s)
	require.Len(t, before, 4)

	err = s.SetPassphrase("")
	requireCode(t, err, errcode.ErrPassphraseAlreadyUsed)

	require.NoError(t, s.SetPassphrase("p1"))
	require.True(t, encrypted(t, s, testChain, w.ID))
	require.Equal(t, before, snapshots(t, s))

	err = s.SetPassphrase("p1")
	requireCode(t, err, errcode.ErrPassphraseAlreadyUsed)

	require.NoError(t, s.SetPassphrase("p2"))
	require.Equal(t, before, snapshots(t, s))
	require.NoError(t, s.Close())

	// Reopening needs the new passphrase.
	cfg := testConfig(dir, clock.NewTestClock(testTime))
	cfg.Passphrase = "p1"
	_, err = New(cfg)
	requireCode(t, err, errcode.ErrInvalidPassphrase)

	cfg.Passphrase = "p2"
	s, err = New(cfg)
	require.NoError(t, err)
	require.Equal(t, before, snapshots(t, s))

	require.NoError(t, s.SetPassphrase(""))
	require.False(t, encrypted(t, s, testChain, w.ID))
	require.Equal(t, before, snapshots(t, s))
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(filepath.Join(dir, testChain.String(),
		tmpDir))
	require.NoError(t, err)
	require.Empty(t, entries)

	s, err = New(testConfig(dir, clock.NewTestClock(testTime)))
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetWallet(testChain, w.ID)
	require.NoError(t, err)
	require.Equal(t, "savings", got.Name)
}

// A passphrase change that stops at an unreadable store keeps the old
// passphrase in use and leaves the stores after it untouched.
func TestSetPassphrasePartialFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(testConfig(dir, clock.NewTestClock(testTime)))
	require.NoError(t, err)
	c := newCosigners(t, s)
	w, err := s.CreateWallet(testChain, c.params(t, 0))
	require.NoError(t, err)

	// Signer stores are converted in id order after the wallets, so this
	// one is reached before the master's.
	chainDir := filepath.Join(dir, testChain.String())
	err = os.WriteFile(filepath.Join(chainDir, signersDir, "00000000"),
		[]byte("not a database"), 0600)
	require.NoError(t, err)

	require.Error(t, s.SetPassphrase("p1"))

	err = s.SetPassphrase("")
	requireCode(t, err, errcode.ErrPassphraseAlreadyUsed)

	entries, err := os.ReadDir(filepath.Join(chainDir, tmpDir))
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NoError(t, s.Close())

	opts := []recorddb.Option{
		recorddb.WithScrypt(recorddb.FastScryptOptions),
	}

	master, err := recorddb.Open(
		filepath.Join(chainDir, signersDir, c.master.Fingerprint), "",
		opts...,
	)
	require.NoError(t, err)
	require.False(t, master.Encrypted())
	require.NoError(t, master.Close())

	wallet, err := recorddb.Open(
		filepath.Join(chainDir, walletsDir, w.ID), "p1", opts...,
	)
	require.NoError(t, err)
	require.True(t, wallet.Encrypted())
	require.NoError(t, wallet.Close())
}

func TestExportImportWallet(t *testing.T) {
	t.Parallel()

	src := newTestStorage(t, nil)
	c := newCosigners(t, src)
	w, err := src.CreateWallet(testChain, c.params(t, 0))
	require.NoError(t, err)
	require.NoError(t, src.SetPassphrase("secret"))

	file := filepath.Join(t.TempDir(), "export")
	require.NoError(t, src.ExportWallet(testChain, w.ID, file))

	dst := newTestStorage(t, nil)
	id, err := dst.ImportWalletDb(testChain, file)
	require.NoError(t, err)
	require.Equal(t, w.ID, id)

	_, err = dst.ImportWalletDb(testChain, file)
	requireCode(t, err, errcode.ErrWalletExists)
	_, err = dst.ImportWalletDb(testChain, filepath.Join(t.TempDir(), "no"))
	requireCode(t, err, errcode.ErrInvalidParameter)

	got, err := dst.GetWallet(testChain, id)
	require.NoError(t, err)
	require.Equal(t, w.Name, got.Name)
	require.Equal(t, w.CreateDate, got.CreateDate)

	config, err := dst.GetMultisigConfig(testChain, id)
	require.NoError(t, err)
	require.Contains(t, config, "Policy: 2 of 3")
}

func TestMigrateRebuildsRemoteSigners(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(testConfig(dir, nil))
	require.NoError(t, err)
	c := newCosigners(t, s)
	_, err = s.CreateWallet(testChain, c.params(t, 0))
	require.NoError(t, err)

	// Older layouts kept no remote signer records.
	for _, m := range c.others {
		require.NoError(t, s.DeleteMasterSigner(testChain,
			m.Fingerprint))
	}
	err = s.updateState(testChain, func(st *appstate.Store) error {
		_, err := st.SetStorageVersion(2)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(testConfig(dir, nil))
	require.NoError(t, err)
	defer s.Close()

	remotes, err := s.GetRemoteSigners(testChain)
	require.NoError(t, err)
	require.Len(t, remotes, 2)
	for _, r := range remotes {
		require.True(t, r.Used)
	}

	version, err := s.GetStorageVersion(testChain)
	require.NoError(t, err)
	require.EqualValues(t, StorageVersion, version)
}

func TestBackup(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	src := newTestStorage(t, clk)
	c := newCosigners(t, src)
	fp := c.master.Fingerprint
	require.NoError(t, src.CacheMasterSignerXPub(testChain, fp,
		c.master.Getter(t), nil, true))
	w, err := src.CreateWallet(testChain, c.params(t, 0))
	require.NoError(t, err)

	data, err := src.ExportBackup()
	require.NoError(t, err)

	var doc backupDoc
	require.NoError(t, json.Unmarshal([]byte(data), &doc))
	require.EqualValues(t, testTime.Unix(), doc.Ts)
	require.NotNil(t, doc.Regtest)
	require.NotNil(t, doc.Mainnet)
	require.Len(t, doc.Regtest.Wallets, 1)
	require.Len(t, doc.Regtest.Signers, 3)
	require.Empty(t, doc.Mainnet.Wallets)

	dst := newTestStorage(t, nil)
	var progress []int
	applied, err := dst.SyncWithBackup(data, func(p int) bool {
		progress = append(progress, p)
		return true
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, 100, progress[len(progress)-1])

	got, err := dst.GetWallet(testChain, w.ID)
	require.NoError(t, err)
	require.Equal(t, "savings", got.Name)
	require.Equal(t, w.CreateDate, got.CreateDate)
	require.Equal(t, fp, slotOf(t, got, fp).MasterSignerID)

	ms, err := dst.GetMasterSigner(testChain, fp)
	require.NoError(t, err)
	require.Equal(t, "alpha", ms.Name)
	root, err := dst.GetMasterSignerXPub(testChain, fp, "m")
	require.NoError(t, err)
	require.Equal(t, c.master.XPub(t, "m"), root)

	remotes, err := dst.GetRemoteSigners(testChain)
	require.NoError(t, err)
	require.Len(t, remotes, 2)

	// The same document again is stale.
	applied, err = dst.SyncWithBackup(data, nil)
	require.NoError(t, err)
	require.False(t, applied)

	clk.SetTime(testTime.Add(time.Minute))
	_, err = src.UpdateWallet(testChain, w.ID, "renamed", "moved")
	require.NoError(t, err)
	data, err = src.ExportBackup()
	require.NoError(t, err)

	applied, err = dst.SyncWithBackup(data, nil)
	require.NoError(t, err)
	require.True(t, applied)
	got, err = dst.GetWallet(testChain, w.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.Equal(t, "moved", got.Description)

	_, err = dst.SyncWithBackup("{", nil)
	requireCode(t, err, errcode.ErrBackupFormat)
}
