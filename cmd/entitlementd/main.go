package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/daybreaknews/entitlement/internal/api"
	"github.com/daybreaknews/entitlement/internal/config"
	"github.com/daybreaknews/entitlement/internal/ledger"
	"github.com/daybreaknews/entitlement/internal/logging"
	"github.com/daybreaknews/entitlement/internal/reconcile"
	"github.com/daybreaknews/entitlement/internal/webhook"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "entitlementd",
	Short:   "entitlementd - purchase entitlement reconciliation service",
	Long:    `entitlementd ingests vendor purchase lifecycle notifications, maintains the verified purchase ledger, and serves per-user entitlement summaries.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("entitlementd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementd",
	})

	policy := reconcile.NewPolicy(cfg.Environment)
	store, err := ledger.Open(cfg.DBPath, policy)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	keys, err := webhook.LoadKeySet(cfg.VendorKeyFile)
	if err != nil {
		return fmt.Errorf("load vendor signing keys: %w", err)
	}
	stopWatch, err := webhook.WatchKeys(keys, cfg.VendorKeyFile)
	if err != nil {
		log.Warn().Err(err).Msg("Signing key watcher unavailable; key rotation requires restart")
	} else {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := api.NewEventsHub()
	go hub.Run(ctx)

	verifier := webhook.NewJWSVerifier(keys, cfg.VendorAud)
	ingest := webhook.NewHandler(store, verifier, hub)

	tokens, err := config.LoadAPITokens(filepath.Join(cfg.DataDir, "api-tokens.json"))
	if err != nil {
		return fmt.Errorf("load api tokens: %w", err)
	}

	router := api.NewRouter(api.Config{
		Summaries:   store,
		Webhook:     ingest,
		Events:      hub,
		Auth:        tokens,
		ServerToken: cfg.ServerToken,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("environment", string(cfg.Environment)).Msg("Entitlement service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Info().Msg("Entitlement service stopped")
	return nil
}
