//go:build nolog
// +build nolog

package build

// LogLevel is "off", which btclog parses to LevelOff.
var LogLevel = "off"

// LoggingType makes NewSubLogger hand out btclog.Disabled everywhere.
const LoggingType = LogTypeNone
