// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"errors"
	"strings"
)

const (
	// inputCharset is the descriptor character set of BIP380, grouped so
	// that the low five bits of a position select a symbol and the high
	// bits select a group.
	inputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// checksumCharset is the bech32 alphabet the checksum is written in.
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	// ChecksumLength is the number of characters in a descriptor checksum,
	// and therefore in a wallet id.
	ChecksumLength = 8
)

var (
	// ErrInvalidChar is returned for descriptors containing characters
	// outside the BIP380 input character set.
	ErrInvalidChar = errors.New("descriptor contains an invalid character")

	// ErrChecksumMismatch is returned when a descriptor carries a checksum
	// that does not match its body.
	ErrChecksumMismatch = errors.New("descriptor checksum mismatch")
)

// polyMod is the BCH code step of BIP380.
func polyMod(c uint64, val int) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ uint64(val)
	if c0&1 != 0 {
		c ^= 0xf5dee51989
	}
	if c0&2 != 0 {
		c ^= 0xa9fdca3312
	}
	if c0&4 != 0 {
		c ^= 0x1bab10e32d
	}
	if c0&8 != 0 {
		c ^= 0x3706b1677a
	}
	if c0&16 != 0 {
		c ^= 0x644d626ffd
	}
	return c
}

// Checksum computes the 8 character BIP380 checksum of a descriptor body.
func Checksum(desc string) (string, error) {
	var (
		c        uint64 = 1
		cls      int
		clsCount int
	)
	for _, ch := range desc {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return "", ErrInvalidChar
		}

		c = polyMod(c, pos&31)
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polyMod(c, cls)
			cls = 0
			clsCount = 0
		}
	}
	if clsCount > 0 {
		c = polyMod(c, cls)
	}
	for j := 0; j < ChecksumLength; j++ {
		c = polyMod(c, 0)
	}
	c ^= 1

	var sum [ChecksumLength]byte
	for j := 0; j < ChecksumLength; j++ {
		sum[j] = checksumCharset[(c>>(5*(7-j)))&31]
	}
	return string(sum[:]), nil
}

// AddChecksum appends "#" and the checksum to a descriptor body.
func AddChecksum(desc string) (string, error) {
	sum, err := Checksum(desc)
	if err != nil {
		return "", err
	}
	return desc + "#" + sum, nil
}

// SplitChecksum separates a descriptor from its checksum, verifying the
// checksum if one is present.
func SplitChecksum(desc string) (string, string, error) {
	i := strings.LastIndexByte(desc, '#')
	if i < 0 {
		return desc, "", nil
	}

	body, sum := desc[:i], desc[i+1:]
	want, err := Checksum(body)
	if err != nil {
		return "", "", err
	}
	if sum != want {
		return "", "", ErrChecksumMismatch
	}
	return body, sum, nil
}

// IsWalletID reports whether id has the shape of a wallet id: exactly
// ChecksumLength characters of the checksum alphabet.
func IsWalletID(id string) bool {
	if len(id) != ChecksumLength {
		return false
	}
	for _, ch := range id {
		if !strings.ContainsRune(checksumCharset, ch) {
			return false
		}
	}
	return true
}
