// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainsync keeps the ledger of every wallet on a chain in step with
// an Electrum server.  A Synchronizer connects, subscribes to the chain tip
// and to every recorded address, reconciles history and unspent outputs into
// storage, and reports changes to the application through Listeners.
package chainsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RandyMcMillan/libnunchuk/electrum"
	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/walletstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultReconnectDelay is the wait between a lost connection and the
	// next attempt.
	DefaultReconnectDelay = 3 * time.Second

	// DefaultSubscribeDelay spaces out address subscriptions during the
	// catch-up pass.
	DefaultSubscribeDelay = 100 * time.Millisecond

	// DefaultGapLimit is the number of consecutive unused addresses after
	// which ScanAddresses stops.
	DefaultGapLimit = 20
)

// errInterrupted ends a catch-up pass whose connection was stopped or
// replaced.
var errInterrupted = errors.New("catch-up interrupted")

// Backend is a connection to a chain indexing server.  *electrum.Client
// implements it.
type Backend interface {
	SubscribeHeaders(ctx context.Context) (*electrum.HeaderNotification,
		error)
	SubscribeScripthash(ctx context.Context, scripthash string) (string,
		error)
	GetHistory(ctx context.Context,
		scripthash string) ([]electrum.HistoryItem, error)
	ListUnspent(ctx context.Context,
		scripthash string) ([]electrum.UnspentItem, error)
	GetTransaction(ctx context.Context, txid string) (string, error)
	Broadcast(ctx context.Context, rawTx string) (string, error)
	EstimateFee(ctx context.Context, blocks int) (btcutil.Amount, error)
	RelayFee(ctx context.Context) (btcutil.Amount, error)

	// Notifications delivers *electrum.HeaderNotification and
	// *electrum.StatusNotification values.
	Notifications() <-chan interface{}

	// Done is closed when the connection is lost.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a Backend.
type Dialer func(ctx context.Context) (Backend, error)

// ElectrumDialer returns a Dialer connecting to the server in cfg.  Every
// connection gets its own keepalive ticker.
func ElectrumDialer(cfg *electrum.Config) Dialer {
	return func(ctx context.Context) (Backend, error) {
		c := *cfg
		c.PingTicker = nil
		client, err := electrum.Dial(ctx, &c)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Store is the part of storage the synchronizer writes to.  *storage.Storage
// implements it.
type Store interface {
	ListWallets(c keypath.Chain) ([]string, error)
	GetAllAddresses(c keypath.Chain, walletID string) ([]string, error)
	AddAddress(c keypath.Chain, walletID, addr string, index int,
		internal bool) (bool, error)
	GetCurrentAddressIndex(c keypath.Chain, walletID string,
		internal bool) (int, error)
	DeriveAddress(c keypath.Chain, walletID string, index int,
		internal bool) (string, error)
	SetUtxos(c keypath.Chain, walletID, addr, utxos string) (bool, error)
	GetBalance(c keypath.Chain, walletID string) (btcutil.Amount, error)
	LookupTransaction(c keypath.Chain, walletID,
		txID string) (fn.Option[*walletstore.Transaction], error)
	InsertTransaction(c keypath.Chain, walletID, rawTx string, height int,
		blocktime int64, fee btcutil.Amount, memo string,
		changePos int) (*walletstore.Transaction, error)
	UpdateTransaction(c keypath.Chain, walletID, rawTx string, height int,
		blocktime int64, rejectMsg string) (bool, error)
	SetChainTip(c keypath.Chain, height int) (bool, error)
}

// Config holds the collaborators of a Synchronizer.
type Config struct {
	Chain keypath.Chain
	Store Store
	Dial  Dialer

	Listeners Listeners

	// OnStateChange, if set, is called with the synchronizer's lock held
	// on every state transition.  It must not call back into the
	// synchronizer.
	OnStateChange func(from, to State)

	// Clock measures the reconnect and subscribe delays.
	Clock clock.Clock

	ReconnectDelay time.Duration

	// SubscribeDelay defaults to DefaultSubscribeDelay.  A negative value
	// disables it.
	SubscribeDelay time.Duration

	// Registerer, if set, receives the synchronizer's metrics.
	Registerer prometheus.Registerer
}

type subscription struct {
	walletID string
	address  string
}

// Supervisor messages.
type (
	connectMsg struct{}

	disconnectMsg struct {
		gen uint64
		err error
	}

	notificationMsg struct {
		gen     uint64
		backend Backend
		ntfn    interface{}
	}
)

// Synchronizer follows one chain.  A single supervisor goroutine owns the
// connection and every state transition driven by the server; Stop may be
// called from anywhere.
type Synchronizer struct {
	cfg     *Config
	metrics *metrics

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	backend Backend
	gen     uint64

	subMtx sync.Mutex
	subs   map[string]subscription

	chainTip atomic.Int32

	msgs *queue.ConcurrentQueue

	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Synchronizer and starts its supervisor.  Nothing connects
// until Run.
func New(cfg *Config) (*Synchronizer, error) {
	if cfg.Store == nil || cfg.Dial == nil {
		return nil, errcode.Errorf(errcode.ErrInvalidParameter,
			"synchronizer needs a store and a dialer")
	}

	c := *cfg
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.SubscribeDelay == 0 {
		c.SubscribeDelay = DefaultSubscribeDelay
	}

	m := newMetrics(c.Chain)
	if err := m.register(c.Registerer); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		cfg:     &c,
		metrics: m,
		subs:    make(map[string]subscription),
		msgs:    queue.NewConcurrentQueue(20),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	s.msgs.Start()
	s.wg.Add(1)
	go s.supervisor()

	return s, nil
}

// State returns the current state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ChainTip returns the height of the last header seen on the current
// connection.
func (s *Synchronizer) ChainTip() int32 {
	return s.chainTip.Load()
}

func (s *Synchronizer) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.state.Set(float64(to))
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
	s.cond.Broadcast()

	log.Debugf("%v synchronizer: %v -> %v", s.cfg.Chain, from, to)
}

// WaitForReady blocks until the synchronizer is syncing or ready.  It fails
// once the synchronizer is stopped or ctx is done.
func (s *Synchronizer) WaitForReady(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.state.online() {
		if s.state == Stopped {
			return errcode.Errorf(errcode.ErrDisconnected,
				"%v synchronizer stopped", s.cfg.Chain)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// Run starts a connection.  It returns at once; the connection is opened by
// the supervisor.  A failed attempt leaves the synchronizer Uninitialized
// and Run may be called again.  Run does nothing once stopped.
func (s *Synchronizer) Run() {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	s.post(&connectMsg{})
}

// Stop ends the synchronizer for good.  An in-flight catch-up pass is
// abandoned at the next address.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.setStateLocked(Stopped)
		backend := s.backend
		s.backend = nil
		s.mu.Unlock()

		s.cancel()
		close(s.quit)
		if backend != nil {
			backend.Close()
		}
		s.wg.Wait()
		s.msgs.Stop()

		log.Infof("%v synchronizer stopped", s.cfg.Chain)
	})
}

func (s *Synchronizer) post(msg interface{}) {
	select {
	case s.msgs.ChanIn() <- msg:
	case <-s.quit:
	}
}

// supervisor owns the connection lifecycle.
func (s *Synchronizer) supervisor() {
	defer s.wg.Done()

	var reconnect <-chan time.Time
	for {
		select {
		case msg := <-s.msgs.ChanOut():
			switch m := msg.(type) {
			case *connectMsg:
				reconnect = nil
				s.connect()

			case *disconnectMsg:
				if s.disconnected(m.gen, m.err) {
					reconnect = s.cfg.Clock.TickAfter(
						s.cfg.ReconnectDelay,
					)
				}

			case *notificationMsg:
				s.handleNotification(m.gen, m.backend, m.ntfn)
			}

		case <-reconnect:
			reconnect = nil

			s.mu.Lock()
			if s.state == Stopped {
				s.mu.Unlock()
				continue
			}
			s.setStateLocked(Connecting)
			s.mu.Unlock()

			if !s.connect() {
				reconnect = s.cfg.Clock.TickAfter(
					s.cfg.ReconnectDelay,
				)
			}

		case <-s.quit:
			return
		}
	}
}

func (s *Synchronizer) resetCaches() {
	s.subMtx.Lock()
	s.subs = make(map[string]subscription)
	s.subMtx.Unlock()

	s.chainTip.Store(0)
}

// connect opens a connection and runs the catch-up pass over it.  It
// reports false only if dialing failed.
func (s *Synchronizer) connect() bool {
	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		return true
	}
	old := s.backend
	s.backend = nil
	s.gen++
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.resetCaches()

	backend, err := s.cfg.Dial(s.ctx)
	if err != nil {
		log.Warnf("Unable to connect %v synchronizer: %v",
			s.cfg.Chain, err)

		s.mu.Lock()
		if s.state == Connecting {
			s.setStateLocked(Uninitialized)
		}
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		backend.Close()
		return true
	}
	gen := s.gen
	s.backend = backend
	s.setStateLocked(Syncing)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.forward(gen, backend)

	err = s.catchUp(backend)
	switch {
	case err == nil:
		s.mu.Lock()
		if s.state == Syncing && s.gen == gen {
			s.setStateLocked(Ready)
		}
		s.mu.Unlock()

	case errors.Is(err, errInterrupted):
		log.Debugf("%v catch-up interrupted", s.cfg.Chain)

	default:
		// Drop the connection; the supervisor redials it.
		log.Warnf("%v catch-up failed: %v", s.cfg.Chain, err)
		s.post(&disconnectMsg{gen: gen, err: err})
	}
	return true
}

// disconnected handles the loss of connection gen.  It reports whether a
// reconnect should be scheduled.
func (s *Synchronizer) disconnected(gen uint64, err error) bool {
	s.mu.Lock()
	// A nil backend means gen was already torn down.
	if gen != s.gen || s.state == Stopped || s.backend == nil {
		s.mu.Unlock()
		return false
	}
	backend := s.backend
	s.backend = nil
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	if backend != nil {
		backend.Close()
	}
	s.metrics.reconnects.Inc()
	s.cfg.Listeners.connection(Offline, 0)

	log.Warnf("%v synchronizer lost its connection (%v), reconnecting "+
		"in %v", s.cfg.Chain, err, s.cfg.ReconnectDelay)
	return true
}

// forward moves the notifications of one connection into the supervisor's
// queue, followed by a disconnect message when the connection ends.
func (s *Synchronizer) forward(gen uint64, b Backend) {
	defer s.wg.Done()

	ntfns := b.Notifications()
	for {
		select {
		case ntfn, ok := <-ntfns:
			if !ok {
				ntfns = nil
				continue
			}
			s.post(&notificationMsg{gen: gen, backend: b, ntfn: ntfn})

		case <-b.Done():
			s.post(&disconnectMsg{gen: gen, err: b.Err()})
			return

		case <-s.quit:
			return
		}
	}
}

// active reports whether b may still be used for syncing.
func (s *Synchronizer) active(b Backend) error {
	s.mu.Lock()
	ok := s.state.online() && s.backend == b
	s.mu.Unlock()
	if !ok {
		return errInterrupted
	}

	select {
	case <-b.Done():
		return b.Err()
	default:
		return nil
	}
}

// fatal reports whether err ends the catch-up pass instead of being
// skipped.
func fatal(err error) bool {
	return errors.Is(err, errInterrupted) ||
		errcode.Is(err, errcode.ErrDisconnected) ||
		errors.Is(err, context.Canceled)
}

func (s *Synchronizer) pause(b Backend) error {
	if s.cfg.SubscribeDelay <= 0 {
		return nil
	}
	select {
	case <-s.cfg.Clock.TickAfter(s.cfg.SubscribeDelay):
		return nil
	case <-b.Done():
		return b.Err()
	case <-s.quit:
		return errInterrupted
	}
}

// catchUp subscribes to the chain tip and to every recorded address, newest
// wallets and addresses first, and reconciles each of them.
func (s *Synchronizer) catchUp(b Backend) error {
	l := &s.cfg.Listeners
	l.connection(Offline, 0)

	tip, err := b.SubscribeHeaders(s.ctx)
	if err != nil {
		return err
	}
	if err := s.active(b); err != nil {
		return err
	}
	l.connection(SyncingStatus, 0)
	s.onHeader(tip)

	wallets, err := s.cfg.Store.ListWallets(s.cfg.Chain)
	if err != nil {
		return err
	}
	for i := len(wallets) - 1; i >= 0; i-- {
		walletID := wallets[i]

		addrs, err := s.cfg.Store.GetAllAddresses(s.cfg.Chain, walletID)
		if err != nil {
			log.Errorf("Unable to list addresses of wallet %s: %v",
				walletID, err)
			continue
		}
		for j := len(addrs) - 1; j >= 0; j-- {
			if err := s.active(b); err != nil {
				return err
			}

			err := s.syncAddress(s.ctx, b, walletID, addrs[j])
			if fatal(err) {
				return err
			}
			if err != nil {
				log.Warnf("Unable to sync address %s of wallet "+
					"%s: %v", addrs[j], walletID, err)
			}

			if err := s.pause(b); err != nil {
				return err
			}
		}

		s.publishBalance(walletID)
		l.connection(SyncingStatus, (len(wallets)-i)*100/len(wallets))
	}

	if err := s.active(b); err != nil {
		return err
	}
	l.connection(Online, 100)

	log.Infof("%v synchronizer caught up with %d wallets at height %d",
		s.cfg.Chain, len(wallets), s.ChainTip())
	return nil
}

// subscribe follows an address on b.  Addresses already followed on the
// current connection are not subscribed again.
func (s *Synchronizer) subscribe(ctx context.Context, b Backend, walletID,
	addr string) (string, error) {

	sh, err := electrum.ScripthashFromAddress(addr, s.cfg.Chain.Params())
	if err != nil {
		return "", err
	}

	s.subMtx.Lock()
	_, ok := s.subs[sh]
	s.subs[sh] = subscription{walletID: walletID, address: addr}
	s.subMtx.Unlock()
	if ok {
		return sh, nil
	}

	if _, err := b.SubscribeScripthash(ctx, sh); err != nil {
		s.subMtx.Lock()
		delete(s.subs, sh)
		s.subMtx.Unlock()
		return "", err
	}
	return sh, nil
}

func (s *Synchronizer) syncAddress(ctx context.Context, b Backend, walletID,
	addr string) error {

	sh, err := s.subscribe(ctx, b, walletID, addr)
	if err != nil {
		return err
	}
	if err := s.refreshUtxos(ctx, b, walletID, addr, sh); err != nil {
		return err
	}
	history, err := b.GetHistory(ctx, sh)
	if err != nil {
		return err
	}
	return s.updateTransactions(ctx, b, walletID, history)
}

func (s *Synchronizer) refreshUtxos(ctx context.Context, b Backend,
	walletID, addr, sh string) error {

	utxos, err := b.ListUnspent(ctx, sh)
	if err != nil {
		return err
	}
	if utxos == nil {
		utxos = []electrum.UnspentItem{}
	}
	snapshot, err := json.Marshal(utxos)
	if err != nil {
		return err
	}
	_, err = s.cfg.Store.SetUtxos(s.cfg.Chain, walletID, addr,
		string(snapshot))
	return err
}

// updateTransactions reconciles a script hash history into a wallet's
// ledger.  Unknown transactions are inserted, unconfirmed ones reported at
// a positive height are confirmed.  Processing the same history twice
// changes nothing.
func (s *Synchronizer) updateTransactions(ctx context.Context, b Backend,
	walletID string, history []electrum.HistoryItem) error {

	for _, item := range history {
		existing, err := s.cfg.Store.LookupTransaction(
			s.cfg.Chain, walletID, item.TxHash,
		)
		if err != nil {
			return err
		}

		if tx := existing.UnwrapOr(nil); tx != nil {
			if tx.Status == walletstore.Confirmed || item.Height <= 0 {
				continue
			}
			raw, err := b.GetTransaction(ctx, item.TxHash)
			if err != nil {
				return err
			}
			_, err = s.cfg.Store.UpdateTransaction(
				s.cfg.Chain, walletID, raw, item.Height, 0, "",
			)
			if err != nil {
				return err
			}
			s.publishTransaction(item.TxHash, walletstore.Confirmed,
				walletID)
			continue
		}

		raw, err := b.GetTransaction(ctx, item.TxHash)
		if err != nil {
			return err
		}
		height := item.Height
		status := walletstore.Confirmed
		var fee btcutil.Amount
		if height <= 0 {
			height = walletstore.HeightMempool
			status = walletstore.PendingConfirmation
			fee = btcutil.Amount(item.Fee)
		}
		_, err = s.cfg.Store.InsertTransaction(
			s.cfg.Chain, walletID, raw, height, 0, fee, "", -1,
		)
		if err != nil {
			return err
		}
		s.publishTransaction(item.TxHash, status, walletID)
	}
	return nil
}

func (s *Synchronizer) publishTransaction(txID string,
	status walletstore.TxStatus, walletID string) {

	log.Debugf("Wallet %s: tx %s is %v", walletID, txID, status)

	s.metrics.txEvents.WithLabelValues(status.String()).Inc()
	s.cfg.Listeners.transaction(txID, status, walletID)
}

func (s *Synchronizer) publishBalance(walletID string) {
	balance, err := s.cfg.Store.GetBalance(s.cfg.Chain, walletID)
	if err != nil {
		log.Errorf("Unable to compute balance of wallet %s: %v",
			walletID, err)
		return
	}
	s.cfg.Listeners.balance(walletID, balance)
}

func (s *Synchronizer) onHeader(h *electrum.HeaderNotification) {
	s.chainTip.Store(h.Height)
	s.metrics.chainTip.Set(float64(h.Height))

	if _, err := s.cfg.Store.SetChainTip(s.cfg.Chain,
		int(h.Height)); err != nil {

		log.Errorf("Unable to record %v chain tip %d: %v", s.cfg.Chain,
			h.Height, err)
	}
	s.cfg.Listeners.block(h.Height, h.Hex)
}

func (s *Synchronizer) handleNotification(gen uint64, b Backend,
	ntfn interface{}) {

	s.mu.Lock()
	current := gen == s.gen && s.state.online()
	s.mu.Unlock()
	if !current {
		return
	}

	log.Tracef("%v notification: %v", s.cfg.Chain,
		newLogClosure(func() string {
			return spew.Sdump(ntfn)
		}))

	switch n := ntfn.(type) {
	case *electrum.HeaderNotification:
		s.onHeader(n)

	case *electrum.StatusNotification:
		s.subMtx.Lock()
		sub, ok := s.subs[n.Scripthash]
		s.subMtx.Unlock()
		if !ok {
			log.Debugf("Status of unknown script hash %s",
				n.Scripthash)
			return
		}

		err := s.refreshUtxos(s.ctx, b, sub.walletID, sub.address,
			n.Scripthash)
		if err == nil {
			var history []electrum.HistoryItem
			history, err = b.GetHistory(s.ctx, n.Scripthash)
			if err == nil {
				err = s.updateTransactions(
					s.ctx, b, sub.walletID, history,
				)
			}
		}
		if err != nil {
			log.Warnf("Unable to refresh address %s of wallet %s: %v",
				sub.address, sub.walletID, err)
		}
		s.publishBalance(sub.walletID)
	}
}

// onlineBackend returns the connection if requests may be sent.
func (s *Synchronizer) onlineBackend() (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.online() || s.backend == nil {
		return nil, errcode.Errorf(errcode.ErrDisconnected,
			"%v synchronizer is %v", s.cfg.Chain, s.state)
	}
	return s.backend, nil
}

// UpdateTransactions reconciles a history reported by the server into a
// wallet's ledger.
func (s *Synchronizer) UpdateTransactions(ctx context.Context,
	walletID string, history []electrum.HistoryItem) error {

	b, err := s.onlineBackend()
	if err != nil {
		return err
	}
	return s.updateTransactions(ctx, b, walletID, history)
}

// LookAhead checks an address that is not in the ledger yet.  Only if the
// server knows history for it is it recorded, together with its
// transactions and unspent outputs.  It reports whether it was recorded.
func (s *Synchronizer) LookAhead(ctx context.Context, walletID, addr string,
	index int, internal bool) (bool, error) {

	b, err := s.onlineBackend()
	if err != nil {
		return false, err
	}

	sh, err := s.subscribe(ctx, b, walletID, addr)
	if err != nil {
		return false, err
	}
	history, err := b.GetHistory(ctx, sh)
	if err != nil {
		return false, err
	}
	if len(history) == 0 {
		return false, nil
	}

	_, err = s.cfg.Store.AddAddress(s.cfg.Chain, walletID, addr, index,
		internal)
	if err != nil {
		return false, err
	}
	if err := s.updateTransactions(ctx, b, walletID, history); err != nil {
		return false, err
	}
	if err := s.refreshUtxos(ctx, b, walletID, addr, sh); err != nil {
		return false, err
	}

	log.Infof("Wallet %s: discovered address %s at index %d", walletID,
		addr, index)
	return true, nil
}

// ScanAddresses derives addresses past the last recorded index of a branch
// and looks each of them up until gapLimit consecutive ones have no
// history.  It returns the number of addresses discovered.
func (s *Synchronizer) ScanAddresses(ctx context.Context, walletID string,
	internal bool, gapLimit int) (int, error) {

	if gapLimit <= 0 {
		gapLimit = DefaultGapLimit
	}

	index, err := s.cfg.Store.GetCurrentAddressIndex(
		s.cfg.Chain, walletID, internal,
	)
	if err != nil {
		return 0, err
	}

	var found int
	for gap := 0; gap < gapLimit; {
		index++
		addr, err := s.cfg.Store.DeriveAddress(
			s.cfg.Chain, walletID, index, internal,
		)
		if err != nil {
			return found, err
		}
		ok, err := s.LookAhead(ctx, walletID, addr, index, internal)
		if err != nil {
			return found, err
		}
		if ok {
			found++
			gap = 0
			continue
		}
		gap++
	}

	if found > 0 {
		s.publishBalance(walletID)
	}
	return found, nil
}

// Broadcast relays a raw transaction.
func (s *Synchronizer) Broadcast(ctx context.Context, rawTx string) (string,
	error) {

	b, err := s.onlineBackend()
	if err != nil {
		return "", err
	}
	return b.Broadcast(ctx, rawTx)
}

// EstimateFee returns the fee rate per kilobyte for confirmation within
// confTarget blocks.
func (s *Synchronizer) EstimateFee(ctx context.Context,
	confTarget int) (btcutil.Amount, error) {

	b, err := s.onlineBackend()
	if err != nil {
		return 0, err
	}
	return b.EstimateFee(ctx, confTarget)
}

// RelayFee returns the server's minimum relay fee rate per kilobyte.
func (s *Synchronizer) RelayFee(ctx context.Context) (btcutil.Amount, error) {
	b, err := s.onlineBackend()
	if err != nil {
		return 0, err
	}
	return b.RelayFee(ctx)
}

// GetRawTx returns a raw transaction from the server.
func (s *Synchronizer) GetRawTx(ctx context.Context, txID string) (string,
	error) {

	b, err := s.onlineBackend()
	if err != nil {
		return "", err
	}
	return b.GetTransaction(ctx, txID)
}
