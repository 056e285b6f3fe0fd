package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appindexer "github.com/nweb-io/indexer/internal/application/indexer"
	"github.com/nweb-io/indexer/internal/config"
	"github.com/nweb-io/indexer/internal/domain/checkpoint"
	domain "github.com/nweb-io/indexer/internal/domain/submissions"
	mysqldb "github.com/nweb-io/indexer/internal/infra/db/mysql"
	pgdb "github.com/nweb-io/indexer/internal/infra/db/postgres"
	"github.com/nweb-io/indexer/internal/infra/eth"
	"github.com/nweb-io/indexer/internal/infra/httpserver"
	"github.com/nweb-io/indexer/internal/infra/ipfs"
	"github.com/nweb-io/indexer/internal/infra/metrics"
	"github.com/nweb-io/indexer/internal/infra/storage"
	"github.com/nweb-io/indexer/internal/infra/triage"
)

// store is the union the composition root needs from either database backend.
type store interface {
	domain.Store
	checkpoint.Store
	Migrate(ctx context.Context) error
}

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	defer db.Close()

	switch cmd {
	case "run":
		err = runIndexer(ctx, cfg, db, st, log)
	case "stats":
		err = printStats(ctx, st)
	case "seed":
		err = seed(ctx, st, args, log)
	default:
		fmt.Fprintf(os.Stderr, "usage: indexer [run|stats|seed]\n")
		os.Exit(2)
	}
	if err != nil && err != context.Canceled {
		log.Fatal("command failed", zap.String("command", cmd), zap.Error(err))
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, store, error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqldb.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, nil, err
		}
		return db, mysqldb.NewStore(db), nil
	default:
		db, err := pgdb.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		return db, pgdb.NewStore(db), nil
	}
}

func runIndexer(ctx context.Context, cfg *config.Config, db *sql.DB, st store, log *zap.Logger) error {
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ledgerClient, err := eth.Dial(ctx,
		cfg.Ledger.RPCURL, cfg.Ledger.WSURL,
		cfg.Ledger.AttestorAddress, cfg.Ledger.SchemaUID,
		log.Named("eth"))
	if err != nil {
		return fmt.Errorf("ledger dial: %w", err)
	}
	defer ledgerClient.Close()

	ipfsClient := ipfs.New(cfg.IPFS.APIURL, cfg.IPFS.FetchTimeout.Std(), log.Named("ipfs"))
	if err := ipfsClient.Ping(ctx); err != nil {
		return fmt.Errorf("ipfs ping: %w", err)
	}

	fetcher := appindexer.NewFetcher(ipfsClient,
		cfg.IPFS.MaxBundleSize,
		cfg.Indexer.MaxRetries,
		cfg.Indexer.RetryDelay.Std(),
		cfg.IPFS.Pin,
		log.Named("fetcher"))

	svc := appindexer.New(ledgerClient, fetcher, st, st, appindexer.Options{
		PollInterval: cfg.Indexer.PollInterval.Std(),
		RetryDelay:   cfg.Indexer.RetryDelay.Std(),
		MaxRetries:   cfg.Indexer.MaxRetries,
		Window:       cfg.Indexer.Window,
		Backfill:     cfg.Ledger.Backfill,
	}, log.Named("indexer")).WithMetrics(metrics.New())

	if cfg.Archive.Enabled {
		arc, err := storage.New(ctx,
			cfg.Archive.Endpoint, cfg.Archive.Region, cfg.Archive.BucketName,
			cfg.Archive.AccessKey, cfg.Archive.SecretKey, cfg.Archive.UseSSL,
			log.Named("archiver"))
		if err != nil {
			return fmt.Errorf("archive init: %w", err)
		}
		svc.Register(arc)
	}
	if cfg.Triage.APIKey != "" {
		svc.Register(triage.New(cfg.Triage.APIKey, cfg.Triage.Model, log.Named("triage")))
	}

	if err := svc.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpserver.NewRouter(svc, db),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	err = svc.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown error", zap.Error(serr))
	}
	return err
}

func printStats(ctx context.Context, st store) error {
	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

var seedServices = map[int]string{
	22: "ssh", 25: "smtp", 53: "dns", 80: "http",
	443: "https", 3306: "mysql", 5432: "postgresql", 8080: "http-alt",
}

var seedTools = [][2]string{
	{"nmap", "7.94"}, {"masscan", "1.3.2"}, {"zmap", "2.1.1"}, {"rustscan", "2.1.1"},
}

// seed inserts synthetic completed submissions with records, for exercising
// the stats surface and dashboards against an empty database.
func seed(ctx context.Context, st store, args []string, log *zap.Logger) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	count := fs.Int("count", 10, "number of submissions to insert")
	recordsPer := fs.Int("records", 20, "records per submission")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()

	for i := 0; i < *count; i++ {
		jobID := uuid.NewString()
		tool := seedTools[rng.Intn(len(seedTools))]
		finished := now.Add(-time.Duration(rng.Intn(72)) * time.Hour)
		started := finished.Add(-time.Duration(10+rng.Intn(50)) * time.Minute)

		sub := &domain.Submission{
			UID:            domain.UID(fakeHex(rng, 32)),
			Submitter:      fakeHex(rng, 20),
			JobID:          jobID,
			Namespace:      "seed",
			DatasetType:    "nmap-top-1000",
			CID:            "bafyseed" + jobID[:8],
			MerkleRoot:     fakeHex(rng, 32),
			StartedAt:      started.Unix(),
			FinishedAt:     finished.Unix(),
			Tool:           tool[0],
			Version:        tool[1],
			Vantage:        fmt.Sprintf("vantage-%d", rng.Intn(5)),
			ManifestSHA256: randomDigest(rng),
			Timestamp:      finished.Unix(),
			ProcessedAt:    &finished,
			Status:         domain.StatusCompleted,
			Block:          uint64(1_000_000 + i),
		}

		records := make([]domain.ScanRecord, 0, *recordsPer)
		for j := 0; j < *recordsPer; j++ {
			port := seedPort(rng)
			latency := rng.Intn(200)
			records = append(records, domain.ScanRecord{
				Timestamp:   finished.Unix(),
				IP:          fmt.Sprintf("10.%d.%d.%d", rng.Intn(256), rng.Intn(256), 1+rng.Intn(254)),
				Port:        port,
				Protocol:    "tcp",
				State:       "open",
				Service:     seedServices[port],
				LatencyMS:   &latency,
				Tool:        tool[0],
				ToolVersion: tool[1],
				Vantage:     sub.Vantage,
			})
		}

		if err := st.Commit(ctx, sub, records); err != nil {
			return fmt.Errorf("seed submission %d: %w", i, err)
		}
	}

	log.Info("seeded synthetic submissions",
		zap.Int("submissions", *count),
		zap.Int("records_each", *recordsPer))
	return nil
}

func fakeHex(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	rng.Read(b)
	return "0x" + hex.EncodeToString(b)
}

func randomDigest(rng *rand.Rand) string {
	b := make([]byte, 32)
	rng.Read(b)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func seedPort(rng *rand.Rand) int {
	ports := []int{22, 25, 53, 80, 443, 3306, 5432, 8080}
	return ports[rng.Intn(len(ports))]
}
