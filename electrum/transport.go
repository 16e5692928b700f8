// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/btcsuite/websocket"
)

// maxLineSize bounds a single server message.
const maxLineSize = 32 << 20

// transport moves whole JSON messages to and from a server.
type transport interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

// lineTransport frames messages with newlines over a TCP or TLS stream.
type lineTransport struct {
	conn net.Conn
	r    *bufio.Reader

	writeMtx sync.Mutex
}

func newLineTransport(conn net.Conn) *lineTransport {
	return &lineTransport{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
	}
}

func (t *lineTransport) Send(msg []byte) error {
	t.writeMtx.Lock()
	defer t.writeMtx.Unlock()

	buf := make([]byte, 0, len(msg)+1)
	buf = append(append(buf, msg...), '\n')
	_, err := t.conn.Write(buf)
	return err
}

func (t *lineTransport) Receive() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := t.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, errcode.Errorf(errcode.ErrServerRequest,
				"server message exceeds %d bytes", maxLineSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (t *lineTransport) Close() error {
	return t.conn.Close()
}

// wsTransport carries one message per websocket text frame.
type wsTransport struct {
	conn *websocket.Conn

	writeMtx sync.Mutex
}

func (t *wsTransport) Send(msg []byte) error {
	t.writeMtx.Lock()
	defer t.writeMtx.Unlock()

	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *wsTransport) Receive() ([]byte, error) {
	for {
		kind, msg, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage ||
			kind == websocket.BinaryMessage {

			return msg, nil
		}
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// netDialer returns the function used to open raw connections, through the
// configured SOCKS proxy when one is set.
func (cfg *Config) netDialer(ctx context.Context) func(network,
	addr string) (net.Conn, error) {

	if cfg.Proxy != nil {
		return cfg.Proxy.Dial
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return func(network, addr string) (net.Conn, error) {
		return d.DialContext(ctx, network, addr)
	}
}

// tlsConfig returns the TLS settings for host.
func (cfg *Config) tlsConfig(host string) *tls.Config {
	if cfg.TLSConfig != nil {
		c := cfg.TLSConfig.Clone()
		if c.ServerName == "" {
			c.ServerName = host
		}
		return c
	}
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
}

// websocketURL turns the configured server into a ws:// or wss:// URL.
func (cfg *Config) websocketURL() string {
	if strings.HasPrefix(cfg.Server, "ws://") ||
		strings.HasPrefix(cfg.Server, "wss://") {

		return cfg.Server
	}
	if cfg.TLS {
		return "wss://" + cfg.Server + "/"
	}
	return "ws://" + cfg.Server + "/"
}

// dial opens the transport described by cfg.
func dial(ctx context.Context, cfg *Config) (transport, error) {
	netDial := cfg.netDialer(ctx)

	if cfg.WebSocket {
		host, _, _ := net.SplitHostPort(
			strings.TrimPrefix(strings.TrimPrefix(
				strings.TrimPrefix(cfg.Server, "wss://"), "ws://",
			), "/"),
		)
		d := &websocket.Dialer{
			NetDial:          netDial,
			TLSClientConfig:  cfg.tlsConfig(host),
			HandshakeTimeout: cfg.DialTimeout,
		}
		conn, _, err := d.Dial(cfg.websocketURL(), nil)
		if err != nil {
			return nil, errcode.New(errcode.ErrDisconnected,
				"unable to reach "+cfg.Server, err)
		}
		return &wsTransport{conn: conn}, nil
	}

	conn, err := netDial("tcp", cfg.Server)
	if err != nil {
		return nil, errcode.New(errcode.ErrDisconnected,
			"unable to reach "+cfg.Server, err)
	}
	if !cfg.TLS {
		return newLineTransport(conn), nil
	}

	host, _, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		conn.Close()
		return nil, errcode.New(errcode.ErrInvalidParameter,
			"invalid server address "+cfg.Server, err)
	}
	tlsConn := tls.Client(conn, cfg.tlsConfig(host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, errcode.New(errcode.ErrDisconnected,
			"TLS handshake with "+cfg.Server+" failed", err)
	}
	return newLineTransport(tlsConn), nil
}
