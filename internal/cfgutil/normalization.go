// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"net"
	"strings"
)

// Server is a parsed Electrum server endpoint.
type Server struct {
	// Address is host:port for raw stream transports, or the full URL for
	// websocket ones.
	Address string

	TLS       bool
	WebSocket bool
}

// NormalizeAddress returns the normalized form of the address, adding a
// default port if necessary.  An error is returned if the address, even
// without a port, is not valid.
func NormalizeAddress(addr string, defaultPort string) (string, error) {
	// If the first SplitHostPort errors because of a missing port and not
	// for an invalid host, add the port.  If the second SplitHostPort
	// fails, then a port is not missing and the original error should be
	// returned.
	host, port, origErr := net.SplitHostPort(addr)
	if origErr == nil {
		return net.JoinHostPort(host, port), nil
	}
	addr = net.JoinHostPort(addr, defaultPort)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", origErr
	}
	return addr, nil
}

// ParseServer parses an Electrum server string.  The scheme selects the
// transport:
//
//	tcp://host:port   plain stream
//	ssl://host:port   TLS stream
//	ws://host:port    websocket
//	wss://host:port   websocket over TLS
//
// A bare host:port uses the stream transport with TLS set to defaultTLS.  A
// missing port is filled in with defaultPort.
func ParseServer(s, defaultPort string, defaultTLS bool) (*Server, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		scheme, rest = "", s
	}

	srv := &Server{TLS: defaultTLS}
	switch strings.ToLower(scheme) {
	case "":
	case "tcp":
		srv.TLS = false
	case "ssl", "tls":
		srv.TLS = true
	case "ws":
		srv.TLS, srv.WebSocket = false, true
	case "wss":
		srv.TLS, srv.WebSocket = true, true
	default:
		return nil, fmt.Errorf("unknown server scheme %q", scheme)
	}

	hostport, path, _ := strings.Cut(rest, "/")
	if hostport == "" {
		return nil, fmt.Errorf("server %q has no host", s)
	}
	hostport, err := NormalizeAddress(hostport, defaultPort)
	if err != nil {
		return nil, err
	}

	srv.Address = hostport
	if srv.WebSocket {
		srv.Address = strings.ToLower(scheme) + "://" + hostport
		if path != "" {
			srv.Address += "/" + path
		}
	}
	return srv, nil
}
