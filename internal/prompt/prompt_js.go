// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build js

package prompt

import (
	"bufio"
	"errors"
)

var errUnsupported = errors.New("prompt not supported in WebAssembly")

func Confirm(_ *bufio.Reader, _ string, _ bool) (bool, error) {
	return false, errUnsupported
}

func Passphrase(_ *bufio.Reader) ([]byte, error) {
	return nil, errUnsupported
}

func NewPassphrase(_ *bufio.Reader) ([]byte, error) {
	return nil, errUnsupported
}
