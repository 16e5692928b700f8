// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package electrum implements a client for the Electrum server protocol:
// JSON-RPC 2.0 over newline framed TCP or TLS streams, or over websockets.
// Responses are matched to requests by id; subscription pushes are delivered
// in order on a single notification channel.
package electrum

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/go-socks/socks"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultProtocolVersion is the protocol version asked for in the
	// server.version handshake.
	DefaultProtocolVersion = "1.4"

	// DefaultClientName identifies the client in the handshake.
	DefaultClientName = "nunchuk"

	// DefaultDialTimeout bounds connection setup.
	DefaultDialTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds a single request when the caller's
	// context has no deadline.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultPingInterval is the keepalive interval.
	DefaultPingInterval = time.Minute

	// DefaultTxCacheSize is the number of raw transactions kept in
	// memory.
	DefaultTxCacheSize = 1000

	// notificationBuffer is the initial size of the notification queue.
	notificationBuffer = 50
)

// Methods used by the client.
const (
	methodVersion        = "server.version"
	methodPing           = "server.ping"
	methodHeaders        = "blockchain.headers.subscribe"
	methodSubscribe      = "blockchain.scripthash.subscribe"
	methodUnsubscribe    = "blockchain.scripthash.unsubscribe"
	methodHistory        = "blockchain.scripthash.get_history"
	methodListUnspent    = "blockchain.scripthash.listunspent"
	methodGetTransaction = "blockchain.transaction.get"
	methodBroadcast      = "blockchain.transaction.broadcast"
	methodEstimateFee    = "blockchain.estimatefee"
	methodRelayFee       = "blockchain.relayfee"
)

// Config describes how to reach an Electrum server.
type Config struct {
	// Server is host:port, or a ws:// or wss:// URL when WebSocket is
	// set.
	Server string

	// TLS wraps the connection in TLS.
	TLS bool

	// TLSConfig overrides the default TLS settings.
	TLSConfig *tls.Config

	// WebSocket speaks the protocol over a websocket instead of a raw
	// stream.
	WebSocket bool

	// Proxy, if set, routes the connection through a SOCKS5 proxy.
	Proxy *socks.Proxy

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// PingTicker drives the keepalive.  It defaults to a ticker firing
	// every DefaultPingInterval.
	PingTicker ticker.Ticker

	// TxCacheSize is the capacity of the raw transaction cache.
	TxCacheSize uint64

	ClientName      string
	ProtocolVersion string
}

func (cfg *Config) withDefaults() *Config {
	c := *cfg
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PingTicker == nil {
		c.PingTicker = ticker.New(DefaultPingInterval)
	}
	if c.TxCacheSize == 0 {
		c.TxCacheSize = DefaultTxCacheSize
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	return &c
}

// HeaderNotification is a new chain tip.
type HeaderNotification struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

// StatusNotification reports that the history of a script hash changed.
// Status is empty for a script hash without history.
type StatusNotification struct {
	Scripthash string
	Status     string
}

// HistoryItem is a transaction touching a script hash.  Height is 0 or -1
// for unconfirmed transactions.
type HistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int    `json:"height"`
	Fee    int64  `json:"fee,omitempty"`
}

// UnspentItem is an unspent output of a script hash.
type UnspentItem struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Value  int64  `json:"value"`
	Height int    `json:"height"`
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// message is any server message: a response carries an id, a notification
// a method.
type message struct {
	ID     *uint64           `json:"id"`
	Method string            `json:"method"`
	Params json.RawMessage   `json:"params"`
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
}

// rawTx is a cached transaction.
type rawTx string

// Size counts entries, not bytes.
func (rawTx) Size() (uint64, error) {
	return 1, nil
}

// Client is a connection to an Electrum server.  It is safe for concurrent
// use.  A Client is not reused after its connection drops; callers dial a
// new one.
type Client struct {
	cfg  *Config
	conn transport

	serverVersion []string

	nextID atomic.Uint64

	pendingMtx sync.Mutex
	pending    map[uint64]chan *message

	ntfns   *queue.ConcurrentQueue
	txCache *lru.Cache[string, rawTx]

	// done is closed when the connection is gone.
	done    chan struct{}
	errMtx  sync.Mutex
	connErr error

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the server described by cfg and performs the
// server.version handshake.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	cfg = cfg.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	conn, err := dial(dialCtx, cfg)
	cancel()
	if err != nil {
		cfg.PingTicker.Stop()
		return nil, err
	}

	c := newClient(cfg, conn)
	version, err := c.ServerVersion(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.serverVersion = version

	log.Infof("Connected to Electrum server %s (%v)", cfg.Server, version)
	return c, nil
}

func newClient(cfg *Config, conn transport) *Client {
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint64]chan *message),
		ntfns:   queue.NewConcurrentQueue(notificationBuffer),
		txCache: lru.NewCache[string, rawTx](cfg.TxCacheSize),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	c.ntfns.Start()

	c.wg.Add(2)
	go c.readHandler()
	go c.pingHandler()
	return c
}

// ServerInfo returns the server software and protocol version agreed in the
// handshake.
func (c *Client) ServerInfo() []string {
	return c.serverVersion
}

// Notifications delivers *HeaderNotification and *StatusNotification values
// in the order the server pushed them.
func (c *Client) Notifications() <-chan interface{} {
	return c.ntfns.ChanOut()
}

// Done is closed once the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is alive.
func (c *Client) Err() error {
	c.errMtx.Lock()
	defer c.errMtx.Unlock()

	return c.connErr
}

// Close shuts the connection down and waits for the client's goroutines.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		err = c.conn.Close()
		c.cfg.PingTicker.Stop()
		c.wg.Wait()
		c.ntfns.Stop()
	})
	return err
}

// disconnected records the first connection error and fails every pending
// request.
func (c *Client) disconnected(err error) {
	c.errMtx.Lock()
	if c.connErr == nil {
		c.connErr = errcode.New(errcode.ErrDisconnected,
			"connection to "+c.cfg.Server+" lost", err)
	}
	c.errMtx.Unlock()
	close(c.done)

	c.pendingMtx.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMtx.Unlock()
}

// readHandler reads server messages until the connection fails.
func (c *Client) readHandler() {
	defer c.wg.Done()

	for {
		b, err := c.conn.Receive()
		if err != nil {
			select {
			case <-c.quit:
				log.Debugf("Connection to %s closed", c.cfg.Server)
				err = errors.New("client closed")
			default:
				log.Warnf("Connection to %s lost: %v",
					c.cfg.Server, err)
			}
			c.disconnected(err)
			return
		}

		var msg message
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Warnf("Ignoring malformed message from %s: %v",
				c.cfg.Server, err)
			continue
		}

		if msg.ID != nil {
			c.pendingMtx.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.pendingMtx.Unlock()
			if !ok {
				log.Debugf("Unsolicited response id %d", *msg.ID)
				continue
			}
			ch <- &msg
			continue
		}

		ntfn, err := parseNotification(&msg)
		if err != nil {
			log.Warnf("Ignoring notification %s: %v", msg.Method, err)
			continue
		}
		if ntfn == nil {
			continue
		}
		log.Tracef("Notification: %v", newLogClosure(func() string {
			return spew.Sdump(ntfn)
		}))

		select {
		case c.ntfns.ChanIn() <- ntfn:
		case <-c.quit:
			c.disconnected(errors.New("client closed"))
			return
		}
	}
}

func parseNotification(msg *message) (interface{}, error) {
	switch msg.Method {
	case methodHeaders:
		var params []HeaderNotification
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, err
		}
		if len(params) == 0 {
			return nil, errors.New("missing header")
		}
		return &params[0], nil

	case methodSubscribe:
		var params []*string
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, err
		}
		if len(params) < 2 || params[0] == nil {
			return nil, errors.New("missing script hash")
		}
		ntfn := &StatusNotification{Scripthash: *params[0]}
		if params[1] != nil {
			ntfn.Status = *params[1]
		}
		return ntfn, nil
	}

	log.Debugf("Unhandled notification %s", msg.Method)
	return nil, nil
}

// pingHandler keeps the connection alive.
func (c *Client) pingHandler() {
	defer c.wg.Done()

	c.cfg.PingTicker.Resume()
	for {
		select {
		case <-c.cfg.PingTicker.Ticks():
			if err := c.Ping(context.Background()); err != nil {
				log.Debugf("Ping to %s failed: %v", c.cfg.Server,
					err)
			}

		case <-c.done:
			return

		case <-c.quit:
			return
		}
	}
}

// call sends a request and decodes its result into result, which may be
// nil.
func (c *Client) call(ctx context.Context, method string,
	result interface{}, params ...interface{}) error {

	if params == nil {
		params = []interface{}{}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	b, err := json.Marshal(&request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errcode.New(errcode.ErrServerRequest,
			"unable to encode "+method, err)
	}

	ch := make(chan *message, 1)
	c.pendingMtx.Lock()
	select {
	case <-c.done:
		c.pendingMtx.Unlock()
		return c.Err()
	default:
	}
	c.pending[id] = ch
	c.pendingMtx.Unlock()

	forget := func() {
		c.pendingMtx.Lock()
		delete(c.pending, id)
		c.pendingMtx.Unlock()
	}

	if err := c.conn.Send(b); err != nil {
		forget()
		return errcode.New(errcode.ErrDisconnected,
			"unable to send "+method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return c.Err()
		}
		if msg.Error != nil {
			return errcode.New(errcode.ErrServerRequest,
				method+" failed", msg.Error)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return errcode.New(errcode.ErrServerRequest,
				"malformed "+method+" result", err)
		}
		return nil

	case <-ctx.Done():
		forget()
		return errcode.New(errcode.ErrServerRequest, method+" timed out",
			ctx.Err())
	}
}

// ServerVersion performs the version handshake.
func (c *Client) ServerVersion(ctx context.Context) ([]string, error) {
	var version []string
	err := c.call(ctx, methodVersion, &version, c.cfg.ClientName,
		c.cfg.ProtocolVersion)
	return version, err
}

// Ping checks the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, methodPing, nil)
}

// SubscribeHeaders subscribes to new chain tips and returns the current
// one.
func (c *Client) SubscribeHeaders(ctx context.Context) (*HeaderNotification,
	error) {

	var tip HeaderNotification
	if err := c.call(ctx, methodHeaders, &tip); err != nil {
		return nil, err
	}
	return &tip, nil
}

// SubscribeScripthash subscribes to status changes of a script hash and
// returns its current status, empty without history.
func (c *Client) SubscribeScripthash(ctx context.Context,
	scripthash string) (string, error) {

	var status *string
	if err := c.call(ctx, methodSubscribe, &status, scripthash); err != nil {
		return "", err
	}
	if status == nil {
		return "", nil
	}
	return *status, nil
}

// UnsubscribeScripthash cancels a subscription.  It reports whether the
// server knew it.
func (c *Client) UnsubscribeScripthash(ctx context.Context,
	scripthash string) (bool, error) {

	var ok bool
	err := c.call(ctx, methodUnsubscribe, &ok, scripthash)
	return ok, err
}

// GetHistory lists the transactions touching a script hash.
func (c *Client) GetHistory(ctx context.Context,
	scripthash string) ([]HistoryItem, error) {

	var history []HistoryItem
	err := c.call(ctx, methodHistory, &history, scripthash)
	return history, err
}

// ListUnspent lists the unspent outputs of a script hash.
func (c *Client) ListUnspent(ctx context.Context,
	scripthash string) ([]UnspentItem, error) {

	var utxos []UnspentItem
	err := c.call(ctx, methodListUnspent, &utxos, scripthash)
	return utxos, err
}

// GetTransaction returns a raw transaction in hex.  Results are cached.
func (c *Client) GetTransaction(ctx context.Context,
	txid string) (string, error) {

	tx, err := c.txCache.Get(txid)
	switch {
	case err == nil:
		return string(tx), nil

	case !errors.Is(err, cache.ErrElementNotFound):
		return "", errcode.New(errcode.ErrServerRequest,
			"transaction cache", err)
	}

	var raw string
	if err := c.call(ctx, methodGetTransaction, &raw, txid); err != nil {
		return "", err
	}
	if _, err := c.txCache.Put(txid, rawTx(raw)); err != nil {
		log.Debugf("Unable to cache transaction %s: %v", txid, err)
	}
	return raw, nil
}

// Broadcast relays a raw transaction and returns its id.
func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string,
	error) {

	var txid string
	err := c.call(ctx, methodBroadcast, &txid, rawTxHex)
	return txid, err
}

// EstimateFee returns the fee rate per kilobyte for confirmation within
// blocks.
func (c *Client) EstimateFee(ctx context.Context,
	blocks int) (btcutil.Amount, error) {

	var btcPerKB float64
	if err := c.call(ctx, methodEstimateFee, &btcPerKB, blocks); err != nil {
		return 0, err
	}
	if btcPerKB < 0 {
		return 0, errcode.Errorf(errcode.ErrServerRequest,
			"server has no fee estimate for %d blocks", blocks)
	}
	return btcutil.NewAmount(btcPerKB)
}

// RelayFee returns the minimum relay fee rate per kilobyte.
func (c *Client) RelayFee(ctx context.Context) (btcutil.Amount, error) {
	var btcPerKB float64
	if err := c.call(ctx, methodRelayFee, &btcPerKB); err != nil {
		return 0, err
	}
	return btcutil.NewAmount(btcPerKB)
}
