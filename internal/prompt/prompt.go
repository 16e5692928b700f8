// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !js

package prompt

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// readSecret reads a line without echo when stdin is a terminal, and a plain
// line from reader otherwise.
func readSecret(reader *bufio.Reader) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pass, err := term.ReadPassword(fd)
		fmt.Print("\n")
		if err != nil {
			return nil, err
		}
		return bytes.TrimSpace(pass), nil
	}

	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string,
	defaultEntry string) (string, error) {

	validStrings := strings.Join(validResponses, "/")
	prompt := fmt.Sprintf("%s (%s): ", prefix, validStrings)
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	}

	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// Confirm asks a yes/no question and repeats it until a valid answer is
// given.
func Confirm(reader *bufio.Reader, prefix string, defaultYes bool) (bool,
	error) {

	defaultEntry := "no"
	if defaultYes {
		defaultEntry = "yes"
	}
	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// Passphrase prompts for the passphrase unlocking the record stores.  An
// empty reply selects plaintext storage.
func Passphrase(reader *bufio.Reader) ([]byte, error) {
	fmt.Print("Enter the storage passphrase (empty for none): ")
	return readSecret(reader)
}

// NewPassphrase prompts for a replacement storage passphrase and asks for it
// twice, repeating until both entries match.  An empty reply removes
// encryption.
func NewPassphrase(reader *bufio.Reader) ([]byte, error) {
	for {
		fmt.Print("Enter the new storage passphrase (empty for none): ")
		pass, err := readSecret(reader)
		if err != nil {
			return nil, err
		}

		fmt.Print("Confirm passphrase: ")
		confirm, err := readSecret(reader)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(pass, confirm) {
			fmt.Println("The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}
