package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/poofware/login-guard-service/internal/config"
	"github.com/poofware/login-guard-service/internal/db"
	"github.com/poofware/login-guard-service/internal/utils"
)

// App holds shared resources. DB is nil when running on in-memory stores.
type App struct {
	Config *config.Config
	DB     *pgxpool.Pool
}

const (
	maxRetries     = 5
	connectTimeout = 5 * time.Second
)

var (
	initialBackoff = 500 * time.Millisecond

	connectDB     = newDBPool
	runMigrations = func(dsn string) error { return db.Migrate(dsn, "up") }
)

// NewApp connects to Postgres when DATABASE_URL is set, retrying with
// exponential backoff. Migrations run once the database answers, when
// AUTO_MIGRATE is on.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg.DBUrl == "" {
		utils.Logger.Warn("DATABASE_URL not set; using in-memory stores (state is lost on restart)")
		return &App{Config: cfg}, nil
	}

	var (
		pool    *pgxpool.Pool
		err     error
		backoff = initialBackoff
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		pool, err = connectDB(ctx, cfg.DBUrl)
		cancel()

		if err == nil {
			utils.Logger.Infof("Connected to database on attempt %d", attempt)
			break
		}

		utils.Logger.WithError(err).Warnf("DB connect attempt %d/%d failed", attempt, maxRetries)
		if attempt < maxRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to database after %d attempts: %w", maxRetries, err)
	}

	a := &App{Config: cfg, DB: pool}
	if cfg.AutoMigrate {
		if err := runMigrations(cfg.DBUrl); err != nil && !errors.Is(err, db.ErrNoChange) {
			a.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		utils.Logger.Info("Database migrations applied")
	}
	return a, nil
}

func newDBPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pgxCfg.MaxConnIdleTime = 2 * time.Minute
	pgxCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.ConnectConfig(ctx, pgxCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// UsesMemoryStores reports whether no database is configured.
func (a *App) UsesMemoryStores() bool {
	return a.DB == nil
}

func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
}
