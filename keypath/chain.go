// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keypath

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Chain is the isolation namespace every wallet, signer and app-state record
// lives under.  Records never reference entities of another chain.
type Chain uint8

const (
	// Main is the bitcoin main network.
	Main Chain = iota

	// Testnet is the bitcoin test network (version 3).
	Testnet

	// Regtest is the bitcoin regression test network.
	Regtest
)

// Chains lists every supported chain in directory order.
var Chains = []Chain{Main, Testnet, Regtest}

// String returns the chain's directory and backup document name.
func (c Chain) String() string {
	switch c {
	case Main:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Regtest:
		return "regtest"
	default:
		return fmt.Sprintf("chain(%d)", uint8(c))
	}
}

// ParseChain maps a chain name back to its Chain.
func ParseChain(name string) (Chain, error) {
	switch strings.ToLower(name) {
	case "mainnet", "main":
		return Main, nil
	case "testnet", "testnet3", "test":
		return Testnet, nil
	case "regtest", "regression":
		return Regtest, nil
	default:
		return 0, fmt.Errorf("unknown chain %q", name)
	}
}

// Params returns the btcd network parameters of the chain.
func (c Chain) Params() *chaincfg.Params {
	switch c {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// CoinType is the BIP44 coin type used in derivation paths: 0 on mainnet and
// 1 on every test network.
func (c Chain) CoinType() uint32 {
	if c == Main {
		return 0
	}
	return 1
}

// HealthCheckPath is the fixed path a signer is asked to derive when its
// presence is verified.  It is cached the first time a master signer is
// connected.
func (c Chain) HealthCheckPath() string {
	if c == Main {
		return MainnetHealthCheckPath
	}
	return TestnetHealthCheckPath
}
