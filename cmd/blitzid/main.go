package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"blitzi/internal/api"
	"blitzi/internal/backup"
	"blitzi/internal/identity"
	"blitzi/internal/ledger"
	"blitzi/internal/ledger/devfed"
	"blitzi/internal/logging"
	"blitzi/internal/payments"
	"blitzi/internal/store"
)

const dbFileName = "blitzi.db"

func printStats(st *store.SQLiteStore) {
	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}
	sums, err := st.Balance(ctx, string(ledger.ReceiveClaimed), ledger.UnspentPayStates())
	if err != nil {
		logging.Internal.Fatalf("failed to get totals: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            Blitzi Statistics             ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Operations:      %-22d║\n", stats.TotalOperations)
	fmt.Printf("║  ├─ Receives:     %-22d║\n", stats.Receives)
	fmt.Printf("║  └─ Payments:     %-22d║\n", stats.Pays)
	if len(stats.ByState) > 0 {
		fmt.Println("╠══════════════════════════════════════════╣")
		fmt.Println("║  Latest State                            ║")
		keys := make([]string, 0, len(stats.ByState))
		for k := range stats.ByState {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("║  %-28s %10d ║\n", k, stats.ByState[k])
		}
	}
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Received:        %-22s║\n", ledger.Amount(sums.ReceivedMsat))
	fmt.Printf("║  Sent:            %-22s║\n", ledger.Amount(sums.SpentMsat))
	fmt.Printf("║  Fees:            %-22s║\n", ledger.Amount(sums.FeesMsat))
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.Oldest.IsZero() {
		fmt.Printf("║  Oldest:          %-22s║\n", stats.Oldest.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest:          %-22s║\n", stats.Newest.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No operations in database               ║")
	}
	if len(stats.DailyStats) > 0 {
		fmt.Println("╠══════════════════════════════════════════╣")
		fmt.Println("║  Operations (last 14 days)               ║")
		fmt.Println("║  ──────────────────────────────────────  ║")
		for _, ds := range stats.DailyStats {
			fmt.Printf("║  %s:  %4d recv  %4d pay        ║\n", ds.Date, ds.Receives, ds.Pays)
		}
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func newBackupStorage(ctx context.Context, cfg *config) (backup.Storage, error) {
	switch {
	case cfg.BackupS3 != nil:
		s3, err := backup.NewS3Storage(ctx, *cfg.BackupS3)
		if err != nil {
			return nil, err
		}
		logging.Internal.Printf("backing up to S3 bucket %s every %s", cfg.BackupS3.Bucket, cfg.BackupInterval)
		return s3, nil
	case cfg.BackupDir != "":
		fsStorage, err := backup.NewFSStorage(cfg.BackupDir)
		if err != nil {
			return nil, err
		}
		logging.Internal.Printf("backing up to %s every %s", cfg.BackupDir, cfg.BackupInterval)
		return fsStorage, nil
	}
	return nil, nil
}

func restoreSnapshot(cfg *config, dbPath string) {
	ctx := context.Background()
	storage, err := newBackupStorage(ctx, cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize backup storage: %v", err)
	}

	name := cfg.Restore
	if name == "latest" {
		name = ""
	}
	restored, err := backup.NewService(nil, storage, 0).Restore(ctx, name, dbPath)
	if err != nil {
		logging.Internal.Fatalf("restore failed: %v", err)
	}
	fmt.Printf("Restored %s into %s\n", restored, dbPath)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Internal.Printf("warning: failed to load .env: %v", err)
	}

	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logging.Internal.Fatalf("invalid configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		logging.Internal.Fatalf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(cfg.DataDir, dbFileName)
	if cfg.Restore != "" {
		restoreSnapshot(cfg, dbPath)
		return
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	if cfg.ShowStats {
		printStats(st)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root, err := identity.LoadOrCreate(ctx, st)
	if err != nil {
		logging.Internal.Fatalf("failed to load identity: %v", err)
	}

	fedCfg := devfed.Config{
		Network:     cfg.Network,
		SettleAfter: cfg.SettleAfter,
	}
	if cfg.AlbyToken != "" {
		router, err := devfed.NewAlbyRouter(devfed.AlbyConfig{AccessToken: cfg.AlbyToken})
		if err != nil {
			logging.Internal.Fatalf("failed to connect to Alby wallet: %v", err)
		}
		fedCfg.Router = router.Route
		logging.Internal.Println("routing outgoing Lightning payments via Alby")
	}
	if cfg.SettleAfter > 0 {
		logging.Internal.Printf("development federation will pay invoices after %s", cfg.SettleAfter)
	}

	client, err := ledger.OpenOrJoin(ctx, ledger.Config{
		Store:   st,
		Invite:  cfg.Federation,
		Root:    root,
		Dial:    devfed.Dialer(fedCfg),
		Network: cfg.Network,
	})
	if err != nil {
		logging.Internal.Fatalf("failed to open federation session: %v", err)
	}
	defer client.Close()
	logging.Internal.Printf("using federation %s on %s", client.FederationID(), cfg.Network.Name)

	token := cfg.BearerToken
	if token == "" {
		token, err = api.GenerateBearerToken()
		if err != nil {
			logging.Internal.Fatalf("failed to generate bearer token: %v", err)
		}
		logging.Internal.Printf("generated bearer token: %s", token)
	}

	paymentsSvc := payments.NewService(client)
	handler := api.NewHandler(paymentsSvc, token, api.NewWaitLimiter(cfg.MaxWaits))

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = handler
	switch {
	case len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*":
		finalHandler = api.CORS(api.CORSConfig{})(finalHandler)
		logging.Internal.Println("CORS allowing all origins")
	case len(cfg.CORSOrigins) > 0:
		finalHandler = api.CORS(api.CORSConfig{AllowedOrigins: cfg.CORSOrigins})(finalHandler)
		logging.Internal.Printf("CORS restricted to origins: %v", cfg.CORSOrigins)
	}
	var rateLimiter *api.RateLimiter
	if cfg.RateLimit {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig())
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	backupDone := make(chan struct{})
	storage, err := newBackupStorage(ctx, cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize backup storage: %v", err)
	}
	if storage != nil {
		backups := backup.NewService(st, storage, cfg.BackupKeep)
		go func() {
			defer close(backupDone)
			backups.Run(ctx, cfg.BackupInterval)
		}()
	} else {
		close(backupDone)
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// Blocking status requests end when the server does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		if rateLimiter != nil {
			rateLimiter.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", cfg.Addr())
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}

	<-shutdownDone
	<-backupDone
}
