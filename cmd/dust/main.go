// Command dust is the CLI surface over the sync/restore engine: a thin
// wrapper that wires a remote.Store, a manifest lock, the run ledger, and
// observability around internal/uploader and internal/restore.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dustvault/dust/internal/audit"
	"github.com/dustvault/dust/internal/config"
	"github.com/dustvault/dust/internal/manifest"
	"github.com/dustvault/dust/internal/observability"
	"github.com/dustvault/dust/internal/remote"
	"github.com/dustvault/dust/internal/restore"
	"github.com/dustvault/dust/internal/uploader"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "upload":
		runUpload(os.Args[2:])
	case "restore":
		runRestore(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  dust upload [flags] <file> <passphrase> [chunk-kb]")
	fmt.Fprintln(os.Stderr, "  dust restore [flags] <manifest> <version|latest> <passphrase>")
	fmt.Fprintln(os.Stderr, "  dust history [flags]")
}

// serveMetrics starts a background Prometheus scrape endpoint for the
// duration of one upload/restore invocation. It is opt-in via
// -metrics-addr since a one-shot CLI run has nothing to scrape by default.
func serveMetrics(addr string, m *observability.Metrics, logger *observability.Logger) {
	if addr == "" {
		return
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		logger.Fatal(err, "invalid -metrics-addr")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped: " + err.Error())
		}
	}()
}

// storeFlags are shared between upload and restore: where chunk envelopes
// live. Local filesystem storage is the default; setting -s3-bucket
// switches to the S3-compatible binding instead.
type storeFlags struct {
	storeDir   *string
	s3Bucket   *string
	s3Region   *string
	s3Endpoint *string
	s3Prefix   *string
	ledgerPath *string
	lockTO     *time.Duration
}

func bindStoreFlags(fs *flag.FlagSet, cfg *config.Config) storeFlags {
	return storeFlags{
		storeDir:   fs.String("store-dir", cfg.DataDirectory, "local content-addressed store directory"),
		s3Bucket:   fs.String("s3-bucket", "", "S3 bucket name; if set, chunks are stored in S3 instead of locally"),
		s3Region:   fs.String("s3-region", "us-east-1", "S3 region"),
		s3Endpoint: fs.String("s3-endpoint", "", "custom S3-compatible endpoint URL"),
		s3Prefix:   fs.String("s3-prefix", "", "key prefix within the S3 bucket"),
		ledgerPath: fs.String("ledger", cfg.LedgerPath, "run ledger database path"),
		lockTO:     fs.Duration("lock-timeout", cfg.LockTimeout, "advisory manifest lock timeout"),
	}
}

func buildStore(ctx context.Context, f storeFlags, logger *observability.Logger, metrics *observability.Metrics) (remote.Store, error) {
	onRetry := func(op string, attempt int, err error) {
		logger.RetryAttempt(op, attempt, err)
		metrics.RecordRetry(op)
	}

	if *f.s3Bucket == "" {
		local, err := remote.NewLocalStore(*f.storeDir)
		if err != nil {
			return nil, err
		}
		return remote.WithRetry(local, remote.DefaultRetryConfig(), onRetry), nil
	}

	s3store, err := remote.NewS3Store(ctx, remote.S3Config{
		Region:   *f.s3Region,
		Bucket:   *f.s3Bucket,
		Prefix:   *f.s3Prefix,
		Endpoint: *f.s3Endpoint,
	})
	if err != nil {
		return nil, err
	}
	return remote.WithRetry(s3store, remote.DefaultRetryConfig(), onRetry), nil
}

func openLedger(path string, logger *observability.Logger) *audit.Ledger {
	l, err := audit.Open(path)
	if err != nil {
		logger.Warn("run ledger unavailable, continuing without it: " + err.Error())
		return nil
	}
	return l
}

func runUpload(args []string) {
	logger := observability.NewLogger("dust", "1.0.0", os.Stdout)
	cfg, err := config.LoadConfig("")
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}
	metrics := observability.NewMetrics()
	if shutdown, err := observability.InitTracing(context.Background(), "dust"); err == nil {
		defer shutdown(context.Background())
	}

	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	store := bindStoreFlags(fs, cfg)
	concurrency := fs.Int("concurrency", cfg.UploadConcurrency, "bounded upload concurrency")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address for the run's duration")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	serveMetrics(*metricsAddr, metrics, logger)

	rest := fs.Args()
	if len(rest) < 2 {
		usage()
		os.Exit(1)
	}
	filePath, passphrase := rest[0], rest[1]
	chunkKB := cfg.ChunkKB
	if len(rest) >= 3 {
		v, err := strconv.Atoi(rest[2])
		if err != nil {
			logger.Fatal(err, "chunk-kb must be an integer")
		}
		chunkKB = v
	}

	if _, err := os.Stat(filePath); err != nil {
		logger.Fatal(err, "source file is not readable")
	}
	if passphrase == "" {
		logger.Fatal(errors.New("passphrase must not be empty"), "refusing to sync without a passphrase")
	}
	if chunkKB < 1 || chunkKB > 1024 {
		logger.Fatal(fmt.Errorf("chunk-kb %d outside [1, 1024]", chunkKB), "chunk size out of range")
	}

	ctx := context.Background()
	remoteStore, err := buildStore(ctx, store, logger, metrics)
	if err != nil {
		logger.Fatal(err, "failed to initialize remote store")
	}
	ledger := openLedger(*store.ledgerPath, logger)
	if ledger != nil {
		defer ledger.Close()
	}

	up := uploader.New(uploader.Options{
		ChunkKB:             chunkKB,
		Concurrency:         *concurrency,
		Store:               remoteStore,
		Logger:              logger,
		Metrics:             metrics,
		Ledger:              ledger,
		LockTimeout:         *store.lockTO,
		MaxEnvelopeWarnSize: cfg.MaxEnvelopeWarnSize,
	})

	manifestPath := manifest.VersionedPath(filePath)
	m, err := up.Sync(ctx, filePath, manifestPath, passphrase)
	if err != nil {
		logger.Fatal(err, "sync failed")
	}

	fmt.Printf("synced %s: %d version(s), manifest at %s\n", filePath, len(m.Versions), manifestPath)
}

func runRestore(args []string) {
	logger := observability.NewLogger("dust", "1.0.0", os.Stdout)
	cfg, err := config.LoadConfig("")
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}
	metrics := observability.NewMetrics()
	if shutdown, err := observability.InitTracing(context.Background(), "dust"); err == nil {
		defer shutdown(context.Background())
	}

	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	store := bindStoreFlags(fs, cfg)
	concurrency := fs.Int("concurrency", cfg.RestoreConcurrency, "bounded restore concurrency")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address for the run's duration")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	serveMetrics(*metricsAddr, metrics, logger)

	rest := fs.Args()
	if len(rest) < 3 {
		usage()
		os.Exit(1)
	}
	manifestPath, versionArg, passphrase := rest[0], rest[1], rest[2]

	if _, err := os.Stat(manifestPath); err != nil {
		logger.Fatal(err, "manifest is not readable")
	}
	if passphrase == "" {
		logger.Fatal(errors.New("passphrase must not be empty"), "refusing to restore without a passphrase")
	}

	versionNumber := 0
	if versionArg != "latest" {
		v, err := strconv.Atoi(versionArg)
		if err != nil {
			logger.Fatal(err, "version must be an integer or \"latest\"")
		}
		versionNumber = v
	}

	ctx := context.Background()
	remoteStore, err := buildStore(ctx, store, logger, metrics)
	if err != nil {
		logger.Fatal(err, "failed to initialize remote store")
	}
	ledger := openLedger(*store.ledgerPath, logger)
	if ledger != nil {
		defer ledger.Close()
	}

	rc := restore.New(restore.Options{
		Concurrency: *concurrency,
		Store:       remoteStore,
		Logger:      logger,
		Metrics:     metrics,
		Ledger:      ledger,
	})

	res, err := rc.Restore(ctx, manifestPath, versionNumber, passphrase)
	if err != nil {
		logger.Fatal(err, "restore failed")
	}

	fmt.Printf("restored version %d to %s (%d chunks, file hash verified: %v)\n",
		res.VersionNumber, res.OutputPath, res.TotalChunks, res.FileHashVerified)
}

// runHistory prints the run ledger (C9): every sync/restore invocation
// recorded against a ledger database, most recent first.
func runHistory(args []string) {
	logger := observability.NewLogger("dust", "1.0.0", os.Stdout)
	cfg, err := config.LoadConfig("")
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}

	fs := flag.NewFlagSet("history", flag.ExitOnError)
	ledgerPath := fs.String("ledger", cfg.LedgerPath, "run ledger database path")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ledger, err := audit.Open(*ledgerPath)
	if err != nil {
		logger.Fatal(err, "failed to open run ledger")
	}
	defer ledger.Close()

	runs, err := ledger.ListRuns()
	if err != nil {
		logger.Fatal(err, "failed to list runs")
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return
	}

	for _, r := range runs {
		finished := "running"
		if r.FinishedAt.Valid {
			finished = r.FinishedAt.Time.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\tstarted=%s\tfinished=%s\tnew=%d\treused=%d\n",
			r.RunID, r.Operation, r.Outcome, r.StartedAt.Format(time.RFC3339), finished, r.ChunksNew, r.ChunksReused)
		if r.ErrorMessage != "" {
			fmt.Printf("\terror: %s\n", r.ErrorMessage)
		}
	}
}
