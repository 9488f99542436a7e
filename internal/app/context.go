package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sitesign/internal/config"
	"sitesign/internal/db"
	"sitesign/internal/engine"
	"sitesign/internal/logging"
	"sitesign/internal/migrate"
	"sitesign/internal/numbering"
)

// Runtime is an opened workspace: storage migrated, engine wired, administrator seeded.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sqlx.DB
	Engine    engine.Engine
	Log       *zap.Logger

	redis *redis.Client
}

type Options struct {
	Workspace string
	// Config overrides the workspace sitesign.yml when set.
	Config *config.Config
	Log    *zap.Logger
}

// Open connects to the configured store, applies pending migrations and builds the engine.
// The numbering backend is the counter table unless the config selects redis.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(opts.Workspace); err != nil {
			return nil, err
		}
	}
	log := logging.OrNop(opts.Log)

	conn, err := db.Open(db.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN, Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("schema ready", zap.String("driver", conn.DriverName()), zap.Int("version", version))

	rt := &Runtime{Workspace: opts.Workspace, Config: cfg, DB: conn, Log: log}
	rt.Engine = engine.New(conn, cfg, log)
	if cfg.Numbering.Backend == "redis" {
		client, err := numbering.DialRedis(ctx, cfg.Numbering.RedisURL)
		if err != nil {
			conn.Close()
			return nil, err
		}
		rt.redis = client
		rt.Engine.Numbers = numbering.RedisSequencer{Client: client, KeyPrefix: cfg.Numbering.KeyPrefix}
	}

	admin, created, err := rt.Engine.EnsureAdmin(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("seed administrator: %w", err)
	}
	if created {
		log.Info("seeded administrator account", zap.String("username", admin.Username))
	}
	return rt, nil
}

func (r *Runtime) Close() error {
	var errs []error
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	if r.DB != nil {
		errs = append(errs, r.DB.Close())
	}
	return errors.Join(errs...)
}
