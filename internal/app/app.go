// Package app builds the shared dependency graph both engine entry points
// (cmd/engine's background loops, cmd/gateway's HTTP surface) are wired
// from, so connection setup, migrations, and shutdown ordering are
// defined exactly once.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/calibration"
	"github.com/rawlclub/matchengine/internal/config"
	"github.com/rawlclub/matchengine/internal/contentstore"
	"github.com/rawlclub/matchengine/internal/kv"
	"github.com/rawlclub/matchengine/internal/ledger"
	"github.com/rawlclub/matchengine/internal/matchmaker"
	"github.com/rawlclub/matchengine/internal/queue"
	"github.com/rawlclub/matchengine/internal/registry"
	"github.com/rawlclub/matchengine/internal/runner"
	"github.com/rawlclub/matchengine/internal/streamhub"
	"github.com/rawlclub/matchengine/internal/uploadretry"
	"github.com/rawlclub/matchengine/pkg/logger"

	_ "github.com/lib/pq"

	"github.com/rawlclub/matchengine/migrations"
)

// App holds every shared dependency a process wires its own loops or
// routes from. It does not itself start anything.
type App struct {
	Config *config.EngineConfig
	Log    *logrus.Entry

	KV           kv.Store
	Registry     *registry.Registry
	Ledger       *ledger.Client
	ContentStore *contentstore.Store
	Models       *runner.ModelCache
	Queue        *queue.Queue
	Matchmaker   *matchmaker.Matchmaker
	Hub          *streamhub.Hub
	UploadDrain  *uploadretry.Drain
	Calibration  *calibration.Service

	closers []func() error
}

// Build loads configuration and connects every leaf dependency: Postgres
// (migrated), Redis, the ledger RPC client, and the content store. Callers
// must call Close on shutdown.
func Build(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})
	entry := log.WithField("service", "matchengine")

	reg, err := registry.New(registry.Config{DSN: cfg.DatabaseURL, MaxOpenConns: cfg.DatabaseMaxOpen})
	if err != nil {
		return nil, fmt.Errorf("app: connect registry: %w", err)
	}
	a := &App{Config: cfg, Log: entry, Registry: reg}
	a.addCloser(reg.Close)

	if err := a.applyMigrations(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	store := kv.NewRedisStore(kv.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	a.KV = store
	a.addCloser(store.Close)

	ledgerClient, err := ledger.New(ledger.Config{
		RPCURL:      cfg.LedgerRPCURL,
		CallTimeout: cfg.LedgerCallTimeout,
		MaxRetries:  cfg.LedgerMaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("app: construct ledger client: %w", err)
	}
	a.Ledger = ledgerClient

	a.ContentStore = contentstore.New(contentstore.Config{BaseURL: cfg.ContentStoreBaseURL})

	modelDir, err := modelCacheDir()
	if err != nil {
		return nil, err
	}
	models, err := runner.NewModelCache(a.ContentStore, modelDir, cfg.ModelCacheSize)
	if err != nil {
		return nil, fmt.Errorf("app: construct model cache: %w", err)
	}
	a.Models = models

	a.Queue = queue.New(queue.Config{KV: store})
	a.Matchmaker = matchmaker.NewWithConfig(matchmaker.Config{
		Store:           store,
		ClusterPrefixes: splitNonEmpty(cfg.MatchmakerClusterPrefixes, ","),
		PairCooldown:    cfg.MatchmakerPairCooldown,
	})
	a.Hub = streamhub.New(streamhub.Config{
		KV:           store,
		Log:          entry,
		StreamingFPS: cfg.StreamingFPS,
		DataHz:       cfg.DataHz,
	})

	a.UploadDrain = uploadretry.New(uploadretry.Config{
		Registry:      reg,
		Store:         a.ContentStore,
		Log:           entry,
		Schedule:      cfg.UploadRetrySchedule,
		BatchSize:     cfg.UploadRetryBatch,
		RatePerSecond: cfg.UploadRetryRate,
	})

	a.Calibration = calibration.New(calibration.Config{
		Registry: reg,
		Queue:    a.Queue,
		Log:      entry,
		Rounds:   cfg.CalibrationRounds,
	})

	return a, nil
}

// modelCacheDir resolves the local directory model weight files are
// materialized under: $TMPDIR/matchengine-models, created on demand.
func modelCacheDir() (string, error) {
	dir := filepath.Join(os.TempDir(), "matchengine-models")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("app: create model cache dir: %w", err)
	}
	return dir, nil
}

// splitNonEmpty splits s on sep and drops empty/whitespace-only parts, so an
// unset env var yields a nil slice rather than a single empty-string prefix.
func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (a *App) addCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every connected dependency in reverse connection order,
// collecting (not short-circuiting on) individual close errors.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *App) applyMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("app: open migration connection: %w", err)
	}
	defer db.Close()

	if err := migrations.Apply(db); err != nil {
		return fmt.Errorf("app: apply migrations: %w", err)
	}
	return nil
}
