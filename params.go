// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import "github.com/RandyMcMillan/libnunchuk/keypath"

// params is used to group parameters for the networks nunchukd can follow.
type params struct {
	chain keypath.Chain

	// electrum is the server used when none is configured.
	electrum string

	// electrumPort is added to configured servers without a port.
	electrumPort string

	// tls is the transport security of servers given without a scheme.
	tls bool
}

var mainNetParams = params{
	chain:        keypath.Main,
	electrum:     "ssl://electrum.blockstream.info:50002",
	electrumPort: "50002",
	tls:          true,
}

var testNetParams = params{
	chain:        keypath.Testnet,
	electrum:     "ssl://electrum.blockstream.info:60002",
	electrumPort: "60002",
	tls:          true,
}

// regTestParams points at a local electrs instance.
var regTestParams = params{
	chain:        keypath.Regtest,
	electrum:     "tcp://127.0.0.1:60401",
	electrumPort: "60401",
	tls:          false,
}
