package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/engine"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
	"bountyline/internal/migrate"
	"bountyline/internal/notify"
	"bountyline/internal/repo"
)

const defaultLeaseTTL = 30 * time.Second

// Options selects the workspace and optional overrides.
type Options struct {
	Workspace string
	// ConfigPath overrides the workspace config file.
	ConfigPath string
	// Logger replaces the logger built from config.
	Logger *zap.Logger
	Now    func() time.Time
	// ReadOnly restores state for inspection without taking the workspace
	// lease. Nothing is written back.
	ReadOnly bool
	// Holder names this process in the workspace lease. Defaults to a uuid.
	Holder   string
	LeaseTTL time.Duration
}

// Runtime is an opened workspace: database, restored engine and the optional
// event relay.
type Runtime struct {
	Config  *config.Config
	DB      *sql.DB
	Engine  *engine.Engine
	Metrics *metrics.Collector
	Logger  *zap.Logger
	Relay   *notify.Relay

	readOnly bool
	holder   string
	leaseTTL time.Duration
	now      func() time.Time
	lost     chan struct{}
	lostOnce sync.Once
}

// LoadConfig reads the config file for a workspace, falling back to defaults
// when none exists.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open loads config, migrates the database and restores every component from
// it. A writable runtime first takes the workspace lease, so only one process
// at a time writes to a workspace.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("schema ready", zap.Int("version", version), zap.String("db", db.Path(opts.Workspace)))

	rt := &Runtime{
		Config:   cfg,
		DB:       conn,
		Logger:   logger,
		readOnly: opts.ReadOnly,
		holder:   opts.Holder,
		leaseTTL: opts.LeaseTTL,
		now:      opts.Now,
		lost:     make(chan struct{}),
	}
	if rt.holder == "" {
		rt.holder = uuid.NewString()
	}
	if rt.leaseTTL <= 0 {
		rt.leaseTTL = defaultLeaseTTL
	}
	if rt.now == nil {
		rt.now = time.Now
	}
	if !rt.readOnly {
		if err := rt.acquireLease(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	rt.Metrics = metrics.NewCollector()
	rt.Engine = engine.New(engine.Options{Config: cfg, DB: conn, ReadOnly: opts.ReadOnly, Logger: logger, Metrics: rt.Metrics, Now: opts.Now})
	if _, err := rt.Engine.Restore(ctx); err != nil {
		rt.abort()
		return nil, err
	}
	if err := rt.Engine.Bootstrap(ctx); err != nil {
		rt.abort()
		return nil, err
	}

	if cfg.Redis.Addr != "" && !rt.readOnly {
		relay, err := notify.New(notify.Config{
			Addr:   cfg.Redis.Addr,
			Stream: cfg.Redis.Stream,
			Events: cfg.Redis.Events,
			MaxLen: cfg.Redis.MaxLen,
		}, rt.Engine.Repo, logger)
		if err != nil {
			rt.abort()
			return nil, err
		}
		rt.Relay = relay
	}
	return rt, nil
}

func (rt *Runtime) leases() repo.Repo { return repo.Repo{DB: rt.DB} }

func (rt *Runtime) acquireLease(ctx context.Context) error {
	now := rt.now()
	host, _ := os.Hostname()
	err := rt.leases().AcquireLease(ctx, repo.Lease{
		Holder:     rt.holder,
		Owner:      host,
		PID:        os.Getpid(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(rt.leaseTTL),
	}, now)
	if err != nil {
		return fmt.Errorf("workspace lease: %w", err)
	}
	rt.Logger.Debug("workspace lease acquired", zap.String("holder", rt.holder), zap.Duration("ttl", rt.leaseTTL))
	return nil
}

// RenewLease extends the workspace lease. Once the lease is lost Done is
// closed and every later call fails.
func (rt *Runtime) RenewLease(ctx context.Context) error {
	if rt.readOnly {
		return nil
	}
	err := rt.leases().RenewLease(ctx, rt.holder, rt.now().Add(rt.leaseTTL))
	if errors.Is(err, repo.ErrLeaseLost) {
		rt.lostOnce.Do(func() {
			rt.Logger.Error("workspace lease lost; another process now owns this workspace", zap.String("holder", rt.holder))
			close(rt.lost)
		})
	}
	return err
}

// Done is closed when the runtime loses its workspace lease.
func (rt *Runtime) Done() <-chan struct{} { return rt.lost }

// ReadOnly reports whether the runtime was opened without the lease.
func (rt *Runtime) ReadOnly() bool { return rt.readOnly }

func (rt *Runtime) abort() {
	if !rt.readOnly {
		_ = rt.leases().ReleaseLease(context.Background(), rt.holder)
	}
	rt.DB.Close()
}

// Loops returns the runtime's own background jobs: lease renewal for a
// writer and the event relay when configured.
func (rt *Runtime) Loops() []engine.Loop {
	var extra []engine.Loop
	if !rt.readOnly {
		extra = append(extra, engine.Loop{Name: "lease", Interval: rt.leaseTTL / 3, Run: rt.RenewLease})
	}
	if rt.Relay != nil {
		extra = append(extra, engine.Loop{
			Name:     "relay",
			Interval: rt.Config.Scheduler.RelayInterval.Std(),
			Run: func(ctx context.Context) error {
				_, err := rt.Relay.Flush(ctx)
				return err
			},
		})
	}
	return extra
}

// Close releases the relay, the workspace lease and the database.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Relay != nil {
		errs = append(errs, rt.Relay.Close())
	}
	if !rt.readOnly {
		errs = append(errs, rt.leases().ReleaseLease(context.Background(), rt.holder))
	}
	errs = append(errs, rt.DB.Close())
	_ = rt.Logger.Sync()
	return errors.Join(errs...)
}
