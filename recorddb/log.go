// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recorddb

import (
	"github.com/RandyMcMillan/libnunchuk/build"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/walletdb/migration"
)

// log is a logger that is initialized with no output filters.  This
// means the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger("RCDB", nil))
}

// DisableLog disables all library log output.  Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.  The
// schema migration runner shares it.
func UseLogger(logger btclog.Logger) {
	log = logger
	migration.UseLogger(logger)
}
