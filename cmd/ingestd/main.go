// Command ingestd runs MessageIngest for one local account: poll an IMAP
// mailbox, parse and ingest new mail, log via zerolog, serve Prometheus
// metrics. Adapted from tinode-db/main.go's flag-and-config-driven entrypoint
// shape, replacing the stdlib "flag" package with github.com/spf13/cobra
// per the rest of the retrieval pack's CLI convention.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	_ "github.com/veilmail/core/internal/store/mysqlstore"
	_ "github.com/veilmail/core/internal/store/sqlitestore"

	"github.com/veilmail/core/internal/config"
	"github.com/veilmail/core/internal/events"
	"github.com/veilmail/core/internal/ingest"
	"github.com/veilmail/core/internal/logging"
	"github.com/veilmail/core/internal/store/adapter"
	"github.com/veilmail/core/internal/transport"
)

var configPath string
var metricsAddr string

func main() {
	root := &cobra.Command{
		Use:   "ingestd",
		Short: "Run MessageIngest for one account against an IMAP mailbox.",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a JSON config file (defaults used if empty)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	logging.Init(cfg.Log.Level, cfg.Log.Pretty)
	log := logging.For("main")

	db := adapter.Get(cfg.Store.Adapter)
	if db == nil {
		return fmt.Errorf("no storage adapter registered under %q", cfg.Store.Adapter)
	}
	if err := db.Open(cfg.Store.DSN); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := db.CreateSchema(cmd.Context(), false); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing store")
		}
	}()

	var decryptor *transport.PGPDecryptor
	if cfg.Transport.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(cfg.Transport.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		decryptor, err = transport.NewPGPDecryptor(keyBytes, []byte(cfg.Transport.PrivateKeyPassphrase))
		if err != nil {
			return fmt.Errorf("load private key: %w", err)
		}
	}

	bus := events.New(cfg.Ingest.EventQueueDepth)
	orch := ingest.New(db, cfg.Account.Addr, cfg.Account.IsBot, decryptor, bus)

	fetcher := transport.NewIMAPFetcher(cfg.Transport.IMAPAddr, cfg.Transport.IMAPUser, cfg.Transport.IMAPPassword)
	if err := fetcher.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("connect imap: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing imap connection")
		}
	}()

	sched := ingest.NewScheduler(orch, fetcher, cfg.Transport.Mailbox, cfg.Ingest.PollInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	go sched.Run(ctx)
	log.Info().Str("addr", cfg.Account.Addr).Msg("ingestd running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	<-sig
	log.Info().Msg("shutting down")

	cancel()
	sched.Stop()
	_ = metricsSrv.Close()
	return nil
}
