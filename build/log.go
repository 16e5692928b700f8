// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"os"
	"sync"

	"github.com/btcsuite/btclog"
)

// LogType is the logging output selected by build tags.
type LogType byte

const (
	// LogTypeNone disables logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut writes every subsystem straight to stdout.  Test
	// binaries built with the stdlog tag use it.
	LogTypeStdOut

	// LogTypeDefault leaves subsystems to the daemon's backend.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

var (
	stdoutOnce    sync.Once
	stdoutBackend *btclog.Backend
)

// stdoutLogger returns a subsystem logger on the process wide stdout
// backend, at the level chosen by build tags.
func stdoutLogger(subsystem string) btclog.Logger {
	stdoutOnce.Do(func() {
		stdoutBackend = btclog.NewBackend(os.Stdout)
	})

	logger := stdoutBackend.Logger(subsystem)
	level, ok := btclog.LevelFromString(LogLevel)
	if !ok {
		level = btclog.LevelInfo
	}
	logger.SetLevel(level)

	return logger
}

// NewSubLogger returns the logger a package starts with.  Library packages
// call it from init with a nil constructor, which leaves them disabled until
// the daemon hands them a logger through UseLogger.  Development builds with
// the stdlog tag log to stdout instead, so package tests show their output.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if LoggingType == LogTypeNone {
		return btclog.Disabled
	}

	if Deployment == Development && LoggingType == LogTypeStdOut {
		return stdoutLogger(subsystem)
	}

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}
	return btclog.Disabled
}
