// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainsync

import (
	"fmt"

	"github.com/RandyMcMillan/libnunchuk/walletstore"
	"github.com/btcsuite/btcd/btcutil"
)

// State is the lifecycle state of a Synchronizer.
type State uint8

const (
	// Uninitialized is the state before the first connection, and after
	// a failed attempt.
	Uninitialized State = iota

	// Connecting is the state while a connection is being opened.
	Connecting

	// Syncing is the state during the catch-up pass.
	Syncing

	// Ready means the catch-up pass completed and notifications are
	// being followed.
	Ready

	// Stopped is terminal.
	Stopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Connecting:
		return "CONNECTING"
	case Syncing:
		return "SYNCING"
	case Ready:
		return "READY"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// online reports whether requests may be sent to the backend.
func (s State) online() bool {
	return s == Syncing || s == Ready
}

// ConnectionStatus is the connectivity reported to the application.
type ConnectionStatus uint8

const (
	Offline ConnectionStatus = iota
	SyncingStatus
	Online
)

// String returns the status name.
func (s ConnectionStatus) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case SyncingStatus:
		return "SYNCING"
	case Online:
		return "ONLINE"
	default:
		return fmt.Sprintf("ConnectionStatus(%d)", uint8(s))
	}
}

// Listeners are the application callbacks.  Any of them may be nil.  They
// run on the synchronizer's goroutine and must not block for long.
type Listeners struct {
	// Connection reports connectivity and catch-up progress in percent.
	Connection func(status ConnectionStatus, percent int)

	// Block reports a new chain tip.
	Block func(height int32, headerHex string)

	// Balance reports a wallet's recomputed balance.
	Balance func(walletID string, balance btcutil.Amount)

	// Transaction reports a transaction whose status changed.
	Transaction func(txID string, status walletstore.TxStatus,
		walletID string)
}

func (l *Listeners) connection(status ConnectionStatus, percent int) {
	if l.Connection != nil {
		l.Connection(status, percent)
	}
}

func (l *Listeners) block(height int32, headerHex string) {
	if l.Block != nil {
		l.Block(height, headerHex)
	}
}

func (l *Listeners) balance(walletID string, balance btcutil.Amount) {
	if l.Balance != nil {
		l.Balance(walletID, balance)
	}
}

func (l *Listeners) transaction(txID string, status walletstore.TxStatus,
	walletID string) {

	if l.Transaction != nil {
		l.Transaction(txID, status, walletID)
	}
}
