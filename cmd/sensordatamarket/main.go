// Package main provides the entry point for the sensor data market server.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/sensordatamarket/sdm-server/internal/api"
	"github.com/sensordatamarket/sdm-server/internal/config"
	"github.com/sensordatamarket/sdm-server/internal/ledger"
	"github.com/sensordatamarket/sdm-server/internal/market"
	"github.com/sensordatamarket/sdm-server/internal/storageauth"
)

var log = logging.Logger("sdm")

var rootCmd = &cobra.Command{
	Use:   "sensordatamarket",
	Short: "Sensor Data Market - purchase and secure retrieval of sensor measurements",
	Long: `sensordatamarket mediates the purchase and delivery of sensor measurements
recorded on the measurement chain. The ledger is the source of truth for
ownership and payment; measurement content stays encrypted until paid for.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the market daemon",
	Long:  `Start the consumer-facing market API daemon.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize market configuration",
	Long:  `Initialize the market configuration and data directories.`,
	RunE:  runInit,
}

var storageCmd = &cobra.Command{
	Use:   "storage-service",
	Short: "Run the off-chain storage service",
	Long: `Serve measurement payloads to buyers who present a signed, timestamped
request and hold a completed purchase on the ledger.`,
	RunE: runStorageService,
}

var (
	configPath string
	listenAddr string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")
	storageCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(storageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLedgerClient(cfg *config.Config) *ledger.Client {
	return ledger.New(ledger.Config{
		RPCURL:          cfg.Chain.RPCURL,
		DataContract:    cfg.Chain.DataContract,
		BalanceContract: cfg.Chain.BalanceContract,
		AccessContract:  cfg.Chain.AccessContract,
		RequestTimeout:  parseDuration(cfg.Chain.RequestTimeout, 15*time.Second),
		SubmitTimeout:   parseDuration(cfg.Chain.SubmitTimeout, 90*time.Second),
	})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.HTTP.Listen = listenAddr
	}

	chain := newLedgerClient(cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.ProjectionPath), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := market.NewStore(cfg.Storage.ProjectionPath)
	if err != nil {
		return fmt.Errorf("failed to open projection store: %w", err)
	}
	defer store.Close()

	svc := market.NewService(chain, store)
	fetcher := storageauth.NewClient(0)
	retriever := market.NewRetriever(svc, fetcher, cfg.Storage.GatewayURL)

	sessionsDB, err := sql.Open("sqlite3", cfg.Storage.SessionsPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open sessions database: %w", err)
	}
	defer sessionsDB.Close()

	sessions, err := api.NewSessionRegistry(sessionsDB, api.DefaultSessionTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize sessions: %w", err)
	}
	defer sessions.Close()

	// Warm the projection; a cold start is not fatal, the purchase path
	// consults the ledger regardless.
	if err := svc.Refresh(ctx); err != nil {
		log.Warnf("Initial projection refresh failed: %v", err)
	}

	handler := api.NewHandler(svc, retriever, chain, sessions, cfg.Keystore.Dir)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: mux,
	}
	go func() {
		log.Infof("Market API available at http://%s/api/measurements", cfg.HTTP.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("API server error: %v", err)
		}
	}()

	// Session cleanup loop.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := sessions.Cleanup(); err != nil {
					log.Warnf("Session cleanup failed: %v", err)
				} else if n > 0 {
					log.Debugf("Cleaned up %d sessions", n)
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func runStorageService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := listenAddr
	if addr == "" {
		addr = "127.0.0.1:8098"
	}

	chain := newLedgerClient(cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.ProjectionPath), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := market.NewStore(cfg.Storage.ProjectionPath)
	if err != nil {
		return fmt.Errorf("failed to open projection store: %w", err)
	}
	defer store.Close()

	svc := market.NewService(chain, store)
	window := parseDuration(cfg.Storage.FreshnessWindow, storageauth.DefaultFreshnessWindow)
	auth := storageauth.NewAuthenticator(svc, window)

	dataDir := cfg.Storage.ServiceDataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create measurement directory: %w", err)
	}
	source := func(ctx context.Context, hash string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dataDir, filepath.Base(hash)))
	}

	mux := http.NewServeMux()
	mux.Handle("/", storageauth.NewHandler(auth, source))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Infof("Storage service listening on http://%s (freshness window %s)", addr, window)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Storage service error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	log.Infof("Initialized market configuration at %s", path)
	return nil
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warnf("Invalid duration %q, using %s", raw, def)
		return def
	}
	return d
}
