// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/RandyMcMillan/libnunchuk/chainsync"
	"github.com/RandyMcMillan/libnunchuk/internal/cfgutil"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/go-socks/socks"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "nunchukd.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "nunchukd.log"
)

var (
	nunchukdHomeDir   = btcutil.AppDataDir("nunchukd", false)
	defaultConfigFile = filepath.Join(nunchukdHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(nunchukdHomeDir, defaultLogDirname)
)

// chainConfig holds the options of one chain.
type chainConfig struct {
	Active   bool                    `long:"active" description:"Follow this chain"`
	Electrum *cfgutil.ExplicitString `long:"electrum" description:"Electrum server as [tcp|ssl|ws|wss://]host[:port]"`
}

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for the config file and logs"`
	DataDir     string `short:"b" long:"datadir" description:"Directory holding wallets, signers and app state (default: the library data directory)"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	Profile     string `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`
	MetricsAddr string `long:"metricslisten" description:"Serve prometheus metrics on this interface/port"`

	// Chain selection
	TestNet bool         `long:"testnet" description:"Follow the test network (same as --testnet.active)"`
	RegTest bool         `long:"regtest" description:"Follow the regression test network (same as --regtest.active)"`
	MainNet *chainConfig `group:"Mainnet" namespace:"mainnet"`
	TestCfg *chainConfig `group:"Testnet" namespace:"testnet"`
	RegCfg  *chainConfig `group:"Regtest" namespace:"regtest"`

	// Electrum client options
	NoTLS          bool          `long:"notls" description:"Use plain TCP for servers given without a scheme"`
	WebSocket      bool          `long:"websocket" description:"Use websockets for servers given without a scheme"`
	Proxy          string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser      string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass      string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	ReconnectDelay time.Duration `long:"reconnectdelay" description:"Delay before reconnecting after the server connection is lost"`
	SubscribeDelay time.Duration `long:"subscribedelay" description:"Pause between address subscriptions during catch-up"`
	GapLimit       int           `long:"gaplimit" description:"Unused addresses scanned past the last known one of each wallet once synced; 0 disables the scan"`

	// Storage options
	Passphrase string `long:"passphrase" default-mask:"-" description:"Passphrase of the encrypted record stores"`
	PromptPass bool   `long:"promptpass" description:"Prompt for the storage passphrase on startup"`
	ChangePass bool   `long:"changepass" description:"Re-encrypt every record store under a new passphrase and exit"`
	Backup     string `long:"backup" description:"Write a backup document of every chain to this file and exit"`
	Restore    string `long:"restore" description:"Apply the backup document in this file before syncing"`

	// chains is the resolved list of chains to follow.
	chains []*chainTarget
}

// chainTarget is an active chain with its resolved server.
type chainTarget struct {
	params *params
	server *cfgutil.Server
}

// proxy returns the configured SOCKS5 proxy, or nil.
func (c *config) proxy() *socks.Proxy {
	if c.Proxy == "" {
		return nil
	}
	return &socks.Proxy{
		Addr:         c.Proxy,
		Username:     c.ProxyUser,
		Password:     c.ProxyPass,
		TorIsolation: false,
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	return cfgutil.CleanAndExpandPath(path, filepath.Dir(nunchukdHomeDir))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		subsysID, logLevel, ok := strings.Cut(logLevelPair, "=")
		if !ok {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// defaultConfig returns the configuration before any file or flag is
// applied.
func defaultConfig() config {
	newChain := func() *chainConfig {
		return &chainConfig{Electrum: cfgutil.NewExplicitString("")}
	}
	return config{
		ConfigFile:     defaultConfigFile,
		AppDataDir:     nunchukdHomeDir,
		DebugLevel:     defaultLogLevel,
		LogDir:         defaultLogDir,
		MainNet:        newChain(),
		TestCfg:        newChain(),
		RegCfg:         newChain(),
		ReconnectDelay: chainsync.DefaultReconnectDelay,
		SubscribeDelay: chainsync.DefaultSubscribeDelay,
		GapLimit:       chainsync.DefaultGapLimit,
	}
}

// resolveChains fills in cfg.chains from the chain flags.  Mainnet is
// followed when no chain is selected.
func (c *config) resolveChains() error {
	if c.TestNet {
		c.TestCfg.Active = true
	}
	if c.RegTest {
		c.RegCfg.Active = true
	}
	if !c.MainNet.Active && !c.TestCfg.Active && !c.RegCfg.Active {
		c.MainNet.Active = true
	}

	c.chains = nil
	for _, pc := range []struct {
		cfg *chainConfig
		p   *params
	}{
		{c.MainNet, &mainNetParams},
		{c.TestCfg, &testNetParams},
		{c.RegCfg, &regTestParams},
	} {
		if !pc.cfg.Active {
			continue
		}
		pc.cfg.Electrum.SetDefault(pc.p.electrum)

		server := pc.cfg.Electrum.Value
		if c.WebSocket && !strings.Contains(server, "://") {
			scheme := "ws://"
			if pc.p.tls && !c.NoTLS {
				scheme = "wss://"
			}
			server = scheme + server
		}
		srv, err := cfgutil.ParseServer(
			server, pc.p.electrumPort, pc.p.tls && !c.NoTLS,
		)
		if err != nil {
			return fmt.Errorf("invalid %v electrum server: %w",
				pc.p.chain, err)
		}
		c.chains = append(c.chains, &chainTarget{
			params: pc.p,
			server: srv,
		})
	}
	return nil
}

// validate checks option combinations and normalizes paths.
func (c *config) validate() error {
	if c.Backup != "" && c.Restore != "" {
		return fmt.Errorf("the --backup and --restore options can " +
			"not be used together")
	}
	if c.ChangePass && (c.Backup != "" || c.Restore != "") {
		return fmt.Errorf("--changepass can not be combined with " +
			"--backup or --restore")
	}
	if c.Passphrase != "" && c.PromptPass {
		return fmt.Errorf("--passphrase and --promptpass are " +
			"mutually exclusive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("--reconnectdelay must be positive")
	}
	if c.GapLimit < 0 {
		return fmt.Errorf("--gaplimit can not be negative")
	}

	if c.Proxy != "" {
		proxy, err := cfgutil.NormalizeAddress(c.Proxy, "9050")
		if err != nil {
			return fmt.Errorf("invalid proxy address: %w", err)
		}
		c.Proxy = proxy
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics listen address: %w",
				err)
		}
	}

	c.AppDataDir = cleanAndExpandPath(c.AppDataDir)
	c.DataDir = cleanAndExpandPath(c.DataDir)
	c.LogDir = cleanAndExpandPath(c.LogDir)
	c.Backup = cleanAndExpandPath(c.Backup)
	c.Restore = cleanAndExpandPath(c.Restore)

	if c.Restore != "" {
		exists, err := cfgutil.FileExists(c.Restore)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("backup file %s does not exist",
				c.Restore)
		}
	}

	return c.resolveChains()
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in nunchukd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := defaultConfig()
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// A config file in a custom appdata directory takes the place of the
	// default one.
	configFile := preCfg.ConfigFile
	if preCfg.AppDataDir != nunchukdHomeDir &&
		configFile == defaultConfigFile {

		configFile = filepath.Join(
			cleanAndExpandPath(preCfg.AppDataDir),
			defaultConfigFilename,
		)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cleanAndExpandPath(configFile))
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// The log directory follows a custom appdata directory unless set.
	if cfg.AppDataDir != nunchukdHomeDir && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	}

	if err := cfg.validate(); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, nil, fmt.Errorf("unable to create data "+
				"directory: %w", err)
		}
	}

	return &cfg, remainingArgs, nil
}
