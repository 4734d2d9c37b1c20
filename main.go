package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/sieved/config"
	"github.com/migadu/sieved/db"
	"github.com/migadu/sieved/duplicate"
	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/server/delivery"
	"github.com/migadu/sieved/server/lmtp"
	"github.com/migadu/sieved/server/sievedir"
	"github.com/migadu/sieved/server/sieveexec"
	"github.com/migadu/sieved/server/srs"
	"github.com/migadu/sieved/server/transport"
	"github.com/migadu/sieved/storage"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fLmtpAddr := flag.String("lmtpaddr", "", "LMTP listener address (overrides config)")
	fSieveDir := flag.String("sievedir", "", "Sieve script directory root (overrides config)")
	fHTTPAddr := flag.String("httpaddr", "", "Metrics/health listener address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *fLmtpAddr != "" {
		cfg.LMTP.Addr = *fLmtpAddr
	}
	if *fSieveDir != "" {
		cfg.Sieve.Dir = *fSieveDir
	}
	if *fHTTPAddr != "" {
		cfg.HTTP.Addr = *fHTTPAddr
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.NewDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer database.Close()

	// The duplicate ledger rides on the central database unless a local
	// SQLite path is configured.
	var ledger sieveexec.Ledger = database
	if cfg.LocalLedger.Path != "" {
		localLedger, err := duplicate.NewSQLiteLedger(cfg.LocalLedger.Path)
		if err != nil {
			logger.Fatal("Failed to open local duplicate ledger", "path", cfg.LocalLedger.Path, "error", err)
		}
		defer localLedger.Close()
		ledger = localLedger
	}

	var s3 *storage.S3Storage
	if cfg.S3.Endpoint != "" {
		s3, err = storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseTLS, cfg.S3.Trace)
		if err != nil {
			logger.Fatal("Failed to initialize S3 storage", "error", err)
		}
	}

	store := delivery.NewStore(database, s3)
	sender := &transport.SMTPSender{
		Host:        cfg.Submission.Host,
		UseTLS:      cfg.Submission.UseTLS,
		UseStartTLS: cfg.Submission.UseStartTLS,
		TLSVerify:   cfg.Submission.TLSVerify,
		Username:    cfg.Submission.Username,
		Password:    cfg.Submission.Password,
	}
	rewriter := srs.New(cfg.SRS.Domain, cfg.SRS.Secret)

	var notifier sieveexec.Notifier
	if cfg.Sieve.Notifier != "" {
		notifier = delivery.LogNotifier{}
	}

	dispatcher := sieveexec.NewDispatcher(cfg.Sieve, cfg.Hostname, store, ledger, database, sender, notifier, rewriter)
	engine := &sieveexec.Engine{
		Resolver:   sievedir.New(cfg.Sieve.Dir, cfg.Sieve.FullDirHash),
		Dispatcher: dispatcher,
	}

	if cfg.LMTP.Start {
		backend := lmtp.NewBackend(cfg.Hostname, database, engine)
		server := lmtp.NewServer(backend, cfg.LMTP.Addr, cfg.LMTP.MaxSize)
		go func() {
			logger.Info("Starting LMTP listener", "addr", cfg.LMTP.Addr)
			if err := server.ListenAndServe(); err != nil {
				logger.Fatal("LMTP listener failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			server.Close()
		}()
	}

	if cfg.HTTP.Start {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.Handler())
		router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "OK")
		})
		go func() {
			logger.Info("Starting HTTP listener", "addr", cfg.HTTP.Addr)
			if err := http.ListenAndServe(cfg.HTTP.Addr, router); err != nil {
				logger.Error("HTTP listener failed", "error", err)
			}
		}()
	}

	go ledgerCleanupLoop(ctx, ledger)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	sig := <-signalChan
	logger.Info("Received signal, shutting down", "signal", sig.String())
	cancel()
}

// ledgerCleanupCapable is satisfied by both ledger backends.
type ledgerCleanupCapable interface {
	CleanupExpiredDuplicates(ctx context.Context, gracePeriod time.Duration) (int64, error)
}

// ledgerCleanupLoop periodically drops long-expired ledger entries so the
// table does not grow without bound.
func ledgerCleanupLoop(ctx context.Context, ledger sieveexec.Ledger) {
	cleaner, ok := ledger.(ledgerCleanupCapable)
	if !ok {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := cleaner.CleanupExpiredDuplicates(ctx, 24*time.Hour)
			if err != nil {
				logger.Warn("Ledger cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Ledger cleanup removed expired entries", "count", removed)
			}
		}
	}
}
