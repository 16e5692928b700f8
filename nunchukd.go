// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/RandyMcMillan/libnunchuk/chainsync"
	"github.com/RandyMcMillan/libnunchuk/electrum"
	"github.com/RandyMcMillan/libnunchuk/internal/prompt"
	"github.com/RandyMcMillan/libnunchuk/internal/zero"
	"github.com/RandyMcMillan/libnunchuk/storage"
	"github.com/RandyMcMillan/libnunchuk/walletstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// feeTarget is the confirmation target of the fee estimate logged once a
// chain is synced.
const feeTarget = 6

var cfg *config

func main() {
	// Work around defer not working after os.Exit.
	if err := nckdMain(); err != nil {
		os.Exit(1)
	}
}

// nckdMain is a work-around main function that is required since deferred
// functions (such as log rotator closing) are not called with calls to
// os.Exit.  Instead, main runs this function and checks for a non-nil error,
// at which point any defers have already run, and if the error is non-nil,
// the program can be exited with an error exit status.
func nckdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	store, err := openStorage(cfg)
	if err != nil {
		log.Errorf("Unable to open storage: %v", err)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("Unable to close storage: %v", err)
		}
	}()

	// One-shot maintenance commands.
	switch {
	case cfg.ChangePass:
		return changePassphrase(store)

	case cfg.Backup != "":
		return writeBackup(store, cfg.Backup)

	case cfg.Restore != "":
		if err := restoreBackup(store, cfg.Restore); err != nil {
			return err
		}
	}

	ctx := interruptContext()
	g, ctx := errgroup.WithContext(ctx)

	var registerer prometheus.Registerer
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registerer = registry
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr, registry)
		})
	}

	var startErr error
	for _, target := range cfg.chains {
		r, err := newChainRunner(cfg, store, target, registerer)
		if err != nil {
			log.Errorf("Unable to start %v sync: %v",
				target.params.chain, err)
			startErr = err
			simulateInterrupt()
			break
		}
		g.Go(func() error {
			return r.run(ctx)
		})
	}

	err = g.Wait()
	if err != nil {
		log.Errorf("%v", err)
	}
	log.Info("Shutdown complete")
	if startErr != nil {
		return startErr
	}
	return err
}

// openStorage resolves the passphrase and opens the record stores.
func openStorage(cfg *config) (*storage.Storage, error) {
	pass := []byte(cfg.Passphrase)
	if cfg.PromptPass {
		var err error
		pass, err = prompt.Passphrase(bufio.NewReader(os.Stdin))
		if err != nil {
			return nil, err
		}
	}
	defer zero.Bytes(pass)

	return storage.New(&storage.Config{
		DataDir:    cfg.DataDir,
		Passphrase: string(pass),
	})
}

// changePassphrase prompts for a new passphrase and re-encrypts every store.
func changePassphrase(store *storage.Storage) error {
	pass, err := prompt.NewPassphrase(bufio.NewReader(os.Stdin))
	if err != nil {
		return err
	}
	defer zero.Bytes(pass)

	if err := store.SetPassphrase(string(pass)); err != nil {
		log.Errorf("Unable to change passphrase: %v", err)
		return err
	}
	log.Infof("Storage passphrase changed (encrypted=%v)", len(pass) > 0)
	return nil
}

// writeBackup exports every chain to path.
func writeBackup(store *storage.Storage, path string) error {
	doc, err := store.ExportBackup()
	if err != nil {
		log.Errorf("Unable to export backup: %v", err)
		return err
	}
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		log.Errorf("Unable to write backup: %v", err)
		return err
	}
	log.Infof("Backup written to %s", path)
	return nil
}

// restoreBackup applies the backup document stored at path.
func restoreBackup(store *storage.Storage, path string) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		log.Errorf("Unable to read backup: %v", err)
		return err
	}

	applied, err := store.SyncWithBackup(string(doc), func(percent int) bool {
		log.Debugf("Restoring backup: %d%%", percent)
		return true
	})
	if err != nil {
		log.Errorf("Unable to restore backup: %v", err)
		return err
	}
	if !applied {
		log.Infof("Backup %s is not newer than the last one applied",
			path)
		return nil
	}
	log.Infof("Backup %s restored", path)
	return nil
}

// serveMetrics serves the registry until ctx is canceled.
func serveMetrics(ctx context.Context, addr string,
	registry *prometheus.Registry) error {

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Infof("Metrics server listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// chainRunner drives the synchronizer of one chain.
type chainRunner struct {
	target   *chainTarget
	store    *storage.Storage
	gapLimit int
	sync     *chainsync.Synchronizer

	// ready is signaled each time the synchronizer completes a catch-up
	// pass.
	ready chan struct{}
}

func newChainRunner(cfg *config, store *storage.Storage, target *chainTarget,
	registerer prometheus.Registerer) (*chainRunner, error) {

	r := &chainRunner{
		target:   target,
		store:    store,
		gapLimit: cfg.GapLimit,
		ready:    make(chan struct{}, 1),
	}
	chain := target.params.chain

	s, err := chainsync.New(&chainsync.Config{
		Chain: chain,
		Store: store,
		Dial: chainsync.ElectrumDialer(&electrum.Config{
			Server:    target.server.Address,
			TLS:       target.server.TLS,
			WebSocket: target.server.WebSocket,
			Proxy:     cfg.proxy(),
		}),
		Listeners: chainsync.Listeners{
			Connection: func(status chainsync.ConnectionStatus,
				percent int) {

				log.Debugf("%v: %v (%d%%)", chain, status, percent)
			},
			Block: func(height int32, _ string) {
				log.Infof("%v: new block at height %d", chain,
					height)
			},
			Balance: func(walletID string, balance btcutil.Amount) {
				log.Infof("%v: wallet %s balance %v", chain,
					walletID, balance)
			},
			Transaction: func(txID string,
				status walletstore.TxStatus, walletID string) {

				log.Infof("%v: wallet %s transaction %s is %v",
					chain, walletID, txID, status)
			},
		},
		OnStateChange: func(_, to chainsync.State) {
			if to != chainsync.Ready {
				return
			}
			select {
			case r.ready <- struct{}{}:
			default:
			}
		},
		ReconnectDelay: cfg.ReconnectDelay,
		SubscribeDelay: cfg.SubscribeDelay,
		Registerer:     registerer,
	})
	if err != nil {
		return nil, err
	}
	r.sync = s
	return r, nil
}

// run follows the chain until ctx is canceled.
func (r *chainRunner) run(ctx context.Context) error {
	chain := r.target.params.chain

	log.Infof("%v: following %s", chain, r.target.server.Address)
	r.sync.Run()
	defer r.sync.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-r.ready:
			r.onReady(ctx)
		}
	}
}

// onReady extends every wallet past its last known address and logs the
// current fee rates.
func (r *chainRunner) onReady(ctx context.Context) {
	chain := r.target.params.chain
	log.Infof("%v: synced at height %d", chain, r.sync.ChainTip())

	if r.gapLimit > 0 {
		wallets, err := r.store.ListWallets(chain)
		if err != nil {
			log.Errorf("%v: unable to list wallets: %v", chain, err)
			return
		}
		for _, id := range wallets {
			for _, internal := range []bool{false, true} {
				n, err := r.sync.ScanAddresses(
					ctx, id, internal, r.gapLimit,
				)
				if err != nil {
					log.Warnf("%v: address scan of wallet "+
						"%s stopped: %v", chain, id, err)
					break
				}
				if n > 0 {
					log.Infof("%v: found %d used addresses "+
						"in wallet %s", chain, n, id)
				}
			}
		}
	}

	fee, err := r.sync.EstimateFee(ctx, feeTarget)
	if err != nil {
		log.Debugf("%v: fee estimate unavailable: %v", chain, err)
		return
	}
	relay, err := r.sync.RelayFee(ctx)
	if err != nil {
		log.Debugf("%v: relay fee unavailable: %v", chain, err)
		return
	}
	log.Infof("%v: fee rate %v/kB for %d blocks, relay %v/kB", chain,
		fee, feeTarget, relay)
}
