// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package errcode defines the error type shared by the record stores, the
// storage facade and the synchronizer.
package errcode

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a category of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the Error will be set to the
	// underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrWalletNotFound indicates that no wallet store exists for the
	// requested id.
	ErrWalletNotFound

	// ErrWalletExists indicates that a wallet store for the computed id
	// already exists, or that Init was called on an initialized store.
	ErrWalletExists

	// ErrSignerNotFound indicates that no signer record, or no remote
	// entry for the requested path, exists.
	ErrSignerNotFound

	// ErrSignerExists indicates an attempt to create a signer record that
	// already exists.
	ErrSignerExists

	// ErrSignerUsed indicates that a derived key index or remote entry is
	// already allocated to a wallet.
	ErrSignerUsed

	// ErrAddressNotFound indicates that an address is not part of the
	// wallet's ledger.
	ErrAddressNotFound

	// ErrTxNotFound indicates that a transaction key is not part of the
	// wallet's ledger.
	ErrTxNotFound

	// ErrInvalidDataDir indicates that the storage root could not be
	// created or is not a directory.
	ErrInvalidDataDir

	// ErrBackupFormat indicates a malformed backup document.
	ErrBackupFormat

	// ErrInvalidParameter indicates caller misuse, such as m > n.
	ErrInvalidParameter

	// ErrInvalidBip32Path indicates that a signer's derivation path does
	// not match the canonical path for its bucket.
	ErrInvalidBip32Path

	// ErrPassphraseAlreadyUsed indicates a passphrase change to the value
	// already in use.
	ErrPassphraseAlreadyUsed

	// ErrInvalidPassphrase indicates that a store could not be opened with
	// the supplied storage passphrase.
	ErrInvalidPassphrase

	// ErrInvalidSignerPassphrase indicates that a software signer's seed
	// passphrase does not reproduce the signer's fingerprint.
	ErrInvalidSignerPassphrase

	// ErrInvalidAmount indicates a negative, dust or out of range amount.
	ErrInvalidAmount

	// ErrServerRequest indicates that a request to the chain backend
	// failed.
	ErrServerRequest

	// ErrDisconnected indicates that the synchronizer is not connected.
	ErrDisconnected

	// ErrInput indicates an undecodable transaction, PSBT, descriptor or
	// derivation path.
	ErrInput
)

var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:                "ErrDatabase",
	ErrWalletNotFound:          "ErrWalletNotFound",
	ErrWalletExists:            "ErrWalletExists",
	ErrSignerNotFound:          "ErrSignerNotFound",
	ErrSignerExists:            "ErrSignerExists",
	ErrSignerUsed:              "ErrSignerUsed",
	ErrAddressNotFound:         "ErrAddressNotFound",
	ErrTxNotFound:              "ErrTxNotFound",
	ErrInvalidDataDir:          "ErrInvalidDataDir",
	ErrBackupFormat:            "ErrBackupFormat",
	ErrInvalidParameter:        "ErrInvalidParameter",
	ErrInvalidBip32Path:        "ErrInvalidBip32Path",
	ErrPassphraseAlreadyUsed:   "ErrPassphraseAlreadyUsed",
	ErrInvalidPassphrase:       "ErrInvalidPassphrase",
	ErrInvalidSignerPassphrase: "ErrInvalidSignerPassphrase",
	ErrInvalidAmount:           "ErrInvalidAmount",
	ErrServerRequest:           "ErrServerRequest",
	ErrDisconnected:            "ErrDisconnected",
	ErrInput:                   "ErrInput",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// IsStorage reports whether the code belongs to the storage taxonomy:
// not-found, already-exists and in-use conditions plus database failures.
// These are recoverable and safe to retry after the caller corrects its
// request.
func (e ErrorCode) IsStorage() bool {
	return e <= ErrBackupFormat
}

// Error provides a single type for errors that can happen during storage and
// synchronizer operation.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error, optional
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// New creates an Error given a set of arguments.
func New(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// Errorf creates an Error with a formatted description and no underlying
// error.
func Errorf(c ErrorCode, format string, args ...interface{}) Error {
	return Error{ErrorCode: c, Description: fmt.Sprintf(format, args...)}
}

// Is reports whether any error in err's chain is an Error with the given
// code.
func Is(err error, c ErrorCode) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}
	return e.ErrorCode == c
}

// Code extracts the ErrorCode from err's chain.  The second return value is
// false if err does not carry one.
func Code(err error) (ErrorCode, bool) {
	var e Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.ErrorCode, true
}
