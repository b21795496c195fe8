package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/qrgov/pkg/artifacts"
	"github.com/Mindburn-Labs/qrgov/pkg/audit"
	"github.com/Mindburn-Labs/qrgov/pkg/config"
	"github.com/Mindburn-Labs/qrgov/pkg/eventlog"
	"github.com/Mindburn-Labs/qrgov/pkg/lifecycle"
	"github.com/Mindburn-Labs/qrgov/pkg/limiter"
	"github.com/Mindburn-Labs/qrgov/pkg/lock"
	"github.com/Mindburn-Labs/qrgov/pkg/observability"
	"github.com/Mindburn-Labs/qrgov/pkg/policy"
	"github.com/Mindburn-Labs/qrgov/pkg/product"
	"github.com/Mindburn-Labs/qrgov/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// services holds everything the commands share.
type services struct {
	cfg       *config.Config
	profile   config.Profile
	db        *sql.DB
	redis     redis.UniversalClient
	chain     *eventlog.Chain
	engine    *lifecycle.Engine
	directory *product.SQLDirectory
	artifacts artifacts.Store
	exporter  *audit.Exporter
	analytics store.Analytics
	limiter   limiter.LimiterStore
	telemetry *observability.Provider
}

// loadConfig reads the environment and the optional tuning profile.
func loadConfig() (*config.Config, config.Profile, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Profile{}, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, config.Profile{}, err
	}
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, config.Profile{}, err
	}
	profile.ApplyEnv(cfg)
	return cfg, profile, nil
}

// setupLogger installs a JSON handler at the configured level as the default.
func setupLogger(cfg *config.Config, w io.Writer) {
	level, _ := config.ParseLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func openServices(ctx context.Context, cfg *config.Config, profile config.Profile) (_ *services, err error) {
	s := &services{cfg: cfg, profile: profile}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	s.db, err = openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.chain, err = eventlog.NewChain([]byte(cfg.AuditSecret))
	if err != nil {
		return nil, fmt.Errorf("init event chain: %w", err)
	}

	st := store.NewSQLStore(s.db, s.chain)
	if err := st.Init(ctx); err != nil {
		return nil, err
	}
	s.analytics = st
	s.directory = product.NewSQLDirectory(s.db)
	if err := s.directory.Init(ctx); err != nil {
		return nil, err
	}

	var locker lock.Locker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s.redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		locker = lock.NewRedisLocker(client,
			lock.WithTTL(profile.Lock.TTL),
			lock.WithRetryPolicy(profile.Lock.Retry),
		)
		s.limiter = limiter.NewRedisLimiterStore(client)
		slog.InfoContext(ctx, "redis coordination enabled", "addr", cfg.RedisAddr)
	} else {
		locker = lock.NewKeyedMutex(profile.Lock.Timeout)
		s.limiter = limiter.NewMemoryLimiterStore()
	}

	s.telemetry, err = observability.New(ctx, cfg.Observability(version))
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	metrics, err := observability.NewEngineMetrics(s.telemetry.Meter())
	if err != nil {
		return nil, fmt.Errorf("init engine metrics: %w", err)
	}

	evaluator, err := policy.NewEvaluator()
	if err != nil {
		return nil, err
	}
	s.engine = lifecycle.NewEngine(st, locker, evaluator,
		lifecycle.WithRetryPolicy(profile.CommitRetry),
		lifecycle.WithTelemetry(s.telemetry, metrics),
	)

	s.artifacts, err = artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("init artifact store: %w", err)
	}
	s.exporter = audit.NewExporter(s.engine, s.artifacts)
	return s, nil
}

// openDatabase connects to Postgres, or to SQLite in DataDir when no
// DATABASE_URL is set.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if !cfg.LiteMode() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		slog.InfoContext(ctx, "postgres connected")
		return db, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "qrgov.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	slog.InfoContext(ctx, "lite mode: using sqlite", "path", dbPath)
	return db, nil
}

// Close releases every opened resource.
func (s *services) Close(ctx context.Context) {
	var errs []error
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(ctx))
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.WarnContext(ctx, "shutdown", "error", err)
	}
}
