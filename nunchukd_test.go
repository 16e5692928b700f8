package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/storage"
	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestResolveChains(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.resolveChains())
	require.Len(t, cfg.chains, 1)
	require.Equal(t, keypath.Main, cfg.chains[0].params.chain)
	require.Equal(t, "electrum.blockstream.info:50002",
		cfg.chains[0].server.Address)
	require.True(t, cfg.chains[0].server.TLS)

	cfg = defaultConfig()
	cfg.TestNet = true
	cfg.RegTest = true
	require.NoError(t, cfg.RegCfg.Electrum.UnmarshalFlag("localhost"))
	require.NoError(t, cfg.resolveChains())
	require.Len(t, cfg.chains, 2)
	require.Equal(t, keypath.Testnet, cfg.chains[0].params.chain)
	require.Equal(t, keypath.Regtest, cfg.chains[1].params.chain)
	require.Equal(t, "localhost:60401", cfg.chains[1].server.Address)
	require.False(t, cfg.chains[1].server.TLS)

	cfg = defaultConfig()
	cfg.NoTLS = true
	cfg.WebSocket = true
	require.NoError(t, cfg.MainNet.Electrum.UnmarshalFlag("example.com"))
	require.NoError(t, cfg.resolveChains())
	require.Equal(t, "ws://example.com:50002", cfg.chains[0].server.Address)
	require.True(t, cfg.chains[0].server.WebSocket)
	require.False(t, cfg.chains[0].server.TLS)

	cfg = defaultConfig()
	require.NoError(t, cfg.MainNet.Electrum.UnmarshalFlag("gopher://x"))
	require.Error(t, cfg.resolveChains())
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()

	cfg := defaultConfig()
	cfg.Backup = filepath.Join(dir, "a")
	cfg.Restore = filepath.Join(dir, "b")
	require.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.Passphrase = "x"
	cfg.PromptPass = true
	require.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.Restore = filepath.Join(dir, "missing.json")
	require.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.GapLimit = -1
	require.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.Proxy = "127.0.0.1"
	require.NoError(t, cfg.validate())
	require.Equal(t, "127.0.0.1:9050", cfg.Proxy)
	require.Equal(t, "127.0.0.1:9050", cfg.proxy().Addr)

	cfg = defaultConfig()
	require.NoError(t, cfg.validate())
	require.Nil(t, cfg.proxy())
}

func TestParseAndSetDebugLevels(t *testing.T) {
	defer setLogLevels(defaultLogLevel)

	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.Equal(t, btclog.LevelDebug, log.Level())
	require.Equal(t, btclog.LevelDebug, chsyncLog.Level())

	require.NoError(t, parseAndSetDebugLevels("SYNC=trace,ELEC=warn"))
	require.Equal(t, btclog.LevelTrace, chsyncLog.Level())
	require.Equal(t, btclog.LevelWarn, elecLog.Level())
	require.Equal(t, btclog.LevelDebug, log.Level())

	require.Error(t, parseAndSetDebugLevels("verbose"))
	require.Error(t, parseAndSetDebugLevels("SYNC"))
	require.Error(t, parseAndSetDebugLevels("NOPE=info"))
	require.Error(t, parseAndSetDebugLevels("SYNC=loud"))

	require.Contains(t, supportedSubsystems(), "NCKD")
}

func TestBackupRestore(t *testing.T) {
	src, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	path := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, writeBackup(src, path))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	dst, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })

	require.NoError(t, restoreBackup(dst, path))

	// A second application is stale and leaves the store unchanged.
	require.NoError(t, restoreBackup(dst, path))

	require.Error(t, restoreBackup(dst, filepath.Join(t.TempDir(), "x")))
}

func TestVersion(t *testing.T) {
	require.Equal(t, "0.1.0-beta", version())
	require.Equal(t, "abc-1", normalizeVerString("a b!c-1"))
}
