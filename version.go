// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import "fmt"

// semanticAlphabet is the set of characters allowed in the pre-release and
// build metadata parts of the version.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0

	// appPreRelease must only contain characters from semanticAlphabet.
	appPreRelease = "beta"
)

// appBuild is set at link time with -ldflags "-X main.appBuild=...".
var appBuild string

// version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 spec (http://semver.org/).
func version() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)

	if pre := normalizeVerString(appPreRelease); pre != "" {
		v = fmt.Sprintf("%s-%s", v, pre)
	}
	if build := normalizeVerString(appBuild); build != "" {
		v = fmt.Sprintf("%s+%s", v, build)
	}
	return v
}

// normalizeVerString drops every character not in semanticAlphabet.
func normalizeVerString(str string) string {
	var result []rune
	for _, r := range str {
		for _, a := range semanticAlphabet {
			if r == a {
				result = append(result, r)
				break
			}
		}
	}
	return string(result)
}
