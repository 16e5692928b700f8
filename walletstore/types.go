// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"fmt"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/txcodec"
	"github.com/btcsuite/btcd/btcutil"
)

// Heights with special meaning in the transaction ledger.
const (
	// HeightDraft marks an unsigned or partially signed PSBT.
	HeightDraft = -1

	// HeightRejected marks a transaction the network refused.
	HeightRejected = -2

	// HeightMempool marks a broadcast but unconfirmed transaction.
	HeightMempool = 0
)

// Wallet is the policy and display data of a wallet.  Everything but Name
// and Description is fixed at creation, since it determines the id.
type Wallet struct {
	ID          string
	Name        string
	Description string
	M           int
	N           int
	AddressType keypath.AddressType
	WalletType  keypath.WalletType
	Escrow      bool
	CreateDate  int64
	Signers     []descriptor.SingleSigner
	Balance     btcutil.Amount
}

// Descriptor returns the wallet's descriptor for a branch, with checksum.
func (w *Wallet) Descriptor(branch descriptor.Branch) (string, error) {
	desc, err := descriptor.ForSigners(
		w.Signers, w.M, branch, -1, w.AddressType, w.WalletType,
	)
	if err != nil {
		return "", err
	}
	return descriptor.AddChecksum(desc)
}

// Policy returns the descriptor policy of the wallet, used for address
// derivation.
func (w *Wallet) Policy() *descriptor.Wallet {
	return &descriptor.Wallet{
		M:       w.M,
		N:       w.N,
		Address: w.AddressType,
		Type:    w.WalletType,
		Signers: w.Signers,
	}
}

// TxStatus is the lifecycle state of a ledger transaction.  It is derived
// from the height and the extra data at read time and never stored.
type TxStatus uint8

const (
	// PendingSignatures is a draft with fewer than m signers.
	PendingSignatures TxStatus = iota

	// ReadyToBroadcast is a draft with at least m signers.
	ReadyToBroadcast

	// NetworkRejected is a transaction the network refused.
	NetworkRejected

	// PendingConfirmation is in the mempool.
	PendingConfirmation

	// Confirmed is mined.
	Confirmed

	// Replaced is an unconfirmed transaction superseded by a fee bump.
	Replaced
)

// String returns the status name.
func (s TxStatus) String() string {
	switch s {
	case PendingSignatures:
		return "PENDING_SIGNATURES"
	case ReadyToBroadcast:
		return "READY_TO_BROADCAST"
	case NetworkRejected:
		return "NETWORK_REJECTED"
	case PendingConfirmation:
		return "PENDING_CONFIRMATION"
	case Confirmed:
		return "CONFIRMED"
	case Replaced:
		return "REPLACED"
	default:
		return fmt.Sprintf("TxStatus(%d)", uint8(s))
	}
}

// Transaction is a ledger transaction together with the data derived from
// its payload and extra blob.
type Transaction struct {
	TxID        string
	Height      int
	Inputs      []txcodec.Input
	Outputs     []txcodec.Output
	M           int
	Fee         btcutil.Amount
	FeeRate     btcutil.Amount
	Memo        string
	ChangeIndex int
	BlockTime   int64
	Status      TxStatus

	// Signers maps lower-case master fingerprints to whether that signer
	// has contributed its signatures.
	Signers map[string]bool

	// UserOutputs are the outputs the caller asked for when the draft was
	// created, as opposed to change.
	UserOutputs []txcodec.Output

	SubtractFeeFromAmount bool
	ReplaceTxID           string
	ReplacedByTxID        string
	RejectMsg             string

	// Payload is the base64 PSBT of a draft and the hex raw transaction
	// otherwise.
	Payload string

	// IsReceive, SubAmount and ReceiveOutputs are only set by
	// FillSendReceiveData.
	IsReceive      bool
	SubAmount      btcutil.Amount
	ReceiveOutputs []txcodec.Output
}

// UnspentOutput is a spendable output at one of the wallet's addresses.
type UnspentOutput struct {
	TxID    string
	Vout    uint32
	Address string
	Amount  btcutil.Amount
	Height  int
	Memo    string
}

// Outpoint formats the output as "txid:vout".
func (u *UnspentOutput) Outpoint() string {
	return txcodec.Input{TxID: u.TxID, Vout: u.Vout}.String()
}

// Address is an address ledger entry.
type Address struct {
	Address  string
	Index    int
	Internal bool
	Used     bool
}
