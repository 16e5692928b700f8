//go:build !info && !debug && !trace && !warn && !error && !critical && !off && !nolog
// +build !info,!debug,!trace,!warn,!error,!critical,!off,!nolog

package build

// LogLevel specifies the default log level that the stdout sub loggers are
// created with.
var LogLevel = "info"
