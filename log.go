// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/RandyMcMillan/libnunchuk/appstate"
	"github.com/RandyMcMillan/libnunchuk/chainsync"
	"github.com/RandyMcMillan/libnunchuk/electrum"
	"github.com/RandyMcMillan/libnunchuk/recorddb"
	"github.com/RandyMcMillan/libnunchuk/signerstore"
	"github.com/RandyMcMillan/libnunchuk/storage"
	"github.com/RandyMcMillan/libnunchuk/walletstore"
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log       = backendLog.Logger("NCKD")
	rcdbLog   = backendLog.Logger("RCDB")
	wldbLog   = backendLog.Logger("WLDB")
	sgdbLog   = backendLog.Logger("SGDB")
	apstLog   = backendLog.Logger("APST")
	storLog   = backendLog.Logger("STOR")
	elecLog   = backendLog.Logger("ELEC")
	chsyncLog = backendLog.Logger("SYNC")
)

// Initialize package-global logger variables.
func init() {
	recorddb.UseLogger(rcdbLog)
	walletstore.UseLogger(wldbLog)
	signerstore.UseLogger(sgdbLog)
	appstate.UseLogger(apstLog)
	storage.UseLogger(storLog)
	electrum.UseLogger(elecLog)
	chainsync.UseLogger(chsyncLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"NCKD": log,
	"RCDB": rcdbLog,
	"WLDB": wldbLog,
	"SGDB": sgdbLog,
	"APST": apstLog,
	"STOR": storLog,
	"ELEC": elecLog,
	"SYNC": chsyncLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
