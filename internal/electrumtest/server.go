// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package electrumtest runs an in-memory Electrum server for tests.  It
// speaks the line framed protocol on a loopback listener and the websocket
// variant through an http.Handler.
package electrumtest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/RandyMcMillan/libnunchuk/electrum"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/websocket"
	"github.com/stretchr/testify/require"
)

// Version is what the server answers to server.version.
var Version = []string{"ElectrumX 1.16.0", "1.4"}

type request struct {
	ID     *uint64           `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      *uint64           `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  interface{}       `json:"params,omitempty"`
	Result  interface{}       `json:"result"`
	Error   *btcjson.RPCError `json:"error,omitempty"`
}

type conn struct {
	send  func([]byte) error
	close func() error

	headers bool
	subs    map[string]bool
}

// Server is a scripted Electrum server.  All methods are safe for
// concurrent use.
type Server struct {
	t  testing.TB
	ln net.Listener

	mu        sync.Mutex
	tip       electrum.HeaderNotification
	history   map[string][]electrum.HistoryItem
	utxos     map[string][]electrum.UnspentItem
	txs       map[string]string
	feeRate   float64
	relayFee  float64
	failures  map[string]*btcjson.RPCError
	broadcast []string
	calls     map[string]int
	subCalls  map[string]int
	conns     map[*conn]struct{}
	wg        sync.WaitGroup
}

// NewServer starts a server on a loopback port.  It is closed when the test
// ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{
		t:        t,
		ln:       ln,
		tip:      electrum.HeaderNotification{Height: 100},
		history:  make(map[string][]electrum.HistoryItem),
		utxos:    make(map[string][]electrum.UnspentItem),
		txs:      make(map[string]string),
		feeRate:  0.0001,
		relayFee: 0.00001,
		failures: make(map[string]*btcjson.RPCError),
		calls:    make(map[string]int),
		subCalls: make(map[string]int),
		conns:    make(map[*conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptHandler()

	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptHandler() {
	defer s.wg.Done()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}

		var writeMtx sync.Mutex
		c := &conn{
			send: func(b []byte) error {
				writeMtx.Lock()
				defer writeMtx.Unlock()

				_, err := nc.Write(append(b, '\n'))
				return err
			},
			close: nc.Close,
			subs:  make(map[string]bool),
		}
		s.register(c)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.unregister(c)

			r := bufio.NewReader(nc)
			for {
				line, err := r.ReadBytes('\n')
				if err != nil {
					return
				}
				s.handle(c, bytes.TrimSpace(line))
			}
		}()
	}
}

// ServeHTTP upgrades the request to a websocket carrying the protocol.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var writeMtx sync.Mutex
	c := &conn{
		send: func(b []byte) error {
			writeMtx.Lock()
			defer writeMtx.Unlock()

			return ws.WriteMessage(websocket.TextMessage, b)
		},
		close: ws.Close,
		subs:  make(map[string]bool),
	}
	s.register(c)
	defer s.unregister(c)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handle(c, msg)
	}
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
}

// DropConnections closes every client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

func (s *Server) handle(c *conn, line []byte) {
	if len(line) == 0 {
		return
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.t.Logf("electrumtest: malformed request %q: %v", line, err)
		return
	}

	result, rpcErr := s.dispatch(c, &req)
	if req.ID == nil {
		return
	}
	b, err := json.Marshal(&response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	})
	if err != nil {
		s.t.Errorf("electrumtest: %v", err)
		return
	}
	c.send(b)
}

func (s *Server) param(req *request, i int) string {
	if i >= len(req.Params) {
		return ""
	}
	var v string
	json.Unmarshal(req.Params[i], &v)
	return v
}

func (s *Server) dispatch(c *conn, req *request) (interface{},
	*btcjson.RPCError) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[req.Method]++
	if rpcErr, ok := s.failures[req.Method]; ok {
		return nil, rpcErr
	}

	switch req.Method {
	case "server.version":
		return Version, nil

	case "server.ping":
		return nil, nil

	case "blockchain.headers.subscribe":
		c.headers = true
		return s.tip, nil

	case "blockchain.scripthash.subscribe":
		sh := s.param(req, 0)
		c.subs[sh] = true
		s.subCalls[sh]++
		if status := s.statusLocked(sh); status != "" {
			return status, nil
		}
		return nil, nil

	case "blockchain.scripthash.unsubscribe":
		sh := s.param(req, 0)
		ok := c.subs[sh]
		delete(c.subs, sh)
		return ok, nil

	case "blockchain.scripthash.get_history":
		history := s.history[s.param(req, 0)]
		if history == nil {
			history = []electrum.HistoryItem{}
		}
		return history, nil

	case "blockchain.scripthash.listunspent":
		utxos := s.utxos[s.param(req, 0)]
		if utxos == nil {
			utxos = []electrum.UnspentItem{}
		}
		return utxos, nil

	case "blockchain.transaction.get":
		raw, ok := s.txs[s.param(req, 0)]
		if !ok {
			return nil, btcjson.NewRPCError(2, "no such transaction")
		}
		return raw, nil

	case "blockchain.transaction.broadcast":
		raw := s.param(req, 0)
		b, err := hex.DecodeString(raw)
		if err != nil {
			return nil, btcjson.NewRPCError(1, err.Error())
		}
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
			return nil, btcjson.NewRPCError(1, err.Error())
		}
		txid := tx.TxHash().String()
		s.txs[txid] = raw
		s.broadcast = append(s.broadcast, txid)
		return txid, nil

	case "blockchain.estimatefee":
		return s.feeRate, nil

	case "blockchain.relayfee":
		return s.relayFee, nil
	}

	return nil, btcjson.NewRPCError(-32601,
		fmt.Sprintf("unknown method %q", req.Method))
}

// statusLocked computes the Electrum status of a script hash: the hex
// SHA256 of its history in "tx_hash:height:" form, or empty without
// history.
func (s *Server) statusLocked(sh string) string {
	history := s.history[sh]
	if len(history) == 0 {
		return ""
	}
	var b bytes.Buffer
	for _, h := range history {
		fmt.Fprintf(&b, "%s:%d:", h.TxHash, h.Height)
	}
	sum := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(sum[:])
}

func (s *Server) notifyLocked(pred func(*conn) bool, method string,
	params interface{}) {

	b, err := json.Marshal(&response{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		s.t.Errorf("electrumtest: %v", err)
		return
	}
	for c := range s.conns {
		if pred(c) {
			c.send(b)
		}
	}
}

// SetTip moves the chain tip and notifies header subscribers.
func (s *Server) SetTip(height int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tip = electrum.HeaderNotification{
		Height: height,
		Hex:    fmt.Sprintf("%0160x", height),
	}
	s.notifyLocked(func(c *conn) bool { return c.headers },
		"blockchain.headers.subscribe",
		[]electrum.HeaderNotification{s.tip})
}

// SetScripthash replaces the history and unspent outputs of a script hash
// and notifies its subscribers.
func (s *Server) SetScripthash(sh string, history []electrum.HistoryItem,
	utxos []electrum.UnspentItem) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[sh] = history
	s.utxos[sh] = utxos

	var status interface{}
	if st := s.statusLocked(sh); st != "" {
		status = st
	}
	s.notifyLocked(func(c *conn) bool { return c.subs[sh] },
		"blockchain.scripthash.subscribe", []interface{}{sh, status})
}

// AddTx makes a raw transaction available by id.
func (s *Server) AddTx(txid, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txs[txid] = raw
}

// SetFees sets the estimatefee and relayfee answers in BTC/kB.
func (s *Server) SetFees(feeRate, relayFee float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.feeRate = feeRate
	s.relayFee = relayFee
}

// Fail makes every call to method return an RPC error.  A nil error clears
// the failure.
func (s *Server) Fail(method string, rpcErr *btcjson.RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rpcErr == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = rpcErr
}

// Calls returns how often method was called.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[method]
}

// SubscribeCalls returns how often a script hash was subscribed to.
func (s *Server) SubscribeCalls(sh string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.subCalls[sh]
}

// Broadcasts returns the ids of broadcast transactions in order.
func (s *Server) Broadcasts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.broadcast...)
}
