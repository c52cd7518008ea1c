// Command proxyd is the pay-per-request reverse proxy server: it loads
// configuration, opens the accounting store, wires the wallet manager,
// auto-refill loop, and authenticated proxy handler onto one HTTP
// listener, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"

	"github.com/sats-gateway/cashu-proxy/internal/accounting"
	"github.com/sats-gateway/cashu-proxy/internal/authn"
	"github.com/sats-gateway/cashu-proxy/internal/autorefill"
	"github.com/sats-gateway/cashu-proxy/internal/cli"
	"github.com/sats-gateway/cashu-proxy/internal/config"
	"github.com/sats-gateway/cashu-proxy/internal/httpapi"
	"github.com/sats-gateway/cashu-proxy/internal/logging"
	"github.com/sats-gateway/cashu-proxy/internal/providers"
	"github.com/sats-gateway/cashu-proxy/internal/proxy"
	"github.com/sats-gateway/cashu-proxy/internal/walletmanager"
)

const (
	exitConfig    = 1
	exitDatabase  = 2
	exitMigration = 3
	exitListener  = 4
)

func main() {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		logrus.WithError(err).Error("failed to load configuration")
		os.Exit(exitConfig)
	}

	logging.Init(cfg.LogLevel)
	log := logrus.WithField("component", "proxyd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := accounting.Open(ctx, cfg.DatabaseURL, "")
	if err != nil {
		log.WithError(err).Error("failed to open accounting store")
		os.Exit(exitDatabase)
	}
	defer store.Close()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.WithError(err).Error("failed to run migrations")
		os.Exit(exitMigration)
	}

	wallets := walletmanager.New(cfg.WalletBaseDir, store)

	providerResolver, err := providers.New(store, cfg.TorSocksProxy)
	if err != nil {
		log.WithError(err).Error("failed to initialize provider resolver")
		os.Exit(exitConfig)
	}

	relayPool := nostr.NewSimplePool(ctx)

	var refillService *autorefill.Service
	if cfg.AutoRefill.Enabled {
		refillService = autorefill.New(store, wallets, relayPool, cfg.AutoRefill.CheckInterval(), cfg.AutoRefill.MinRefillInterval())
		go refillService.Run(ctx)
	} else {
		log.Info("auto-refill loop disabled by configuration")
	}

	cliServer := cli.NewServer(cfg.CLISocketPath, wallets, refillService)
	if err := cliServer.Start(); err != nil {
		log.WithError(err).Warn("failed to start cli control socket, continuing without it")
	} else {
		defer cliServer.Stop()
	}

	authenticator := authn.New(store, store)

	handler := &proxy.Handler{
		Wallets:                wallets,
		Providers:              providerResolver,
		Pricing:                store,
		Transactions:           store,
		DefaultMsatsPerRequest: int64(cfg.DefaultMsatsPerRequest),
		MaxBodyBytes:           cfg.MaxBodyBytes,
	}

	server := httpapi.New(cfg.ListenAddr, authenticator, handler)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("HTTP listener failed")
			os.Exit(exitListener)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("error during graceful shutdown")
	}
}
