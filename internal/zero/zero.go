// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero clears passphrase copies from memory once they have been
// handed to the key derivation functions.
package zero

// Bytes sets all bytes in the passed slice to zero.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Passphrase returns a mutable copy of a passphrase string together with a
// function that clears it.
func Passphrase(s string) ([]byte, func()) {
	b := []byte(s)
	return b, func() { Bytes(b) }
}
