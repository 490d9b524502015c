package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/config"
	"github.com/tillbook/tillbook/internal/connectivity"
	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/local"
	"github.com/tillbook/tillbook/internal/logging"
	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/remote"
	"github.com/tillbook/tillbook/internal/remote/libsql"
	"github.com/tillbook/tillbook/internal/remote/memory"
	"github.com/tillbook/tillbook/internal/remote/postgres"
	"github.com/tillbook/tillbook/internal/syncer"
	"github.com/tillbook/tillbook/internal/tenant"
)

var globalOpts struct {
	configPath string
	tenantID   string
	driver     string
	offline    bool
}

// app is every component a command needs, built from configuration.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *entity.Registry
	local    *local.Store
	remote   remote.Store
	coord    *syncer.Coordinator
	tenants  tenant.Provider
	monitor  *connectivity.Monitor
	metrics  *prometheus.Registry

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalOpts.configPath)
	if err != nil {
		return nil, err
	}
	if globalOpts.driver != "" {
		cfg.Remote.Driver = globalOpts.driver
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openApp wires the local store, the remote store and the coordinator.
// Callers must call close.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: entity.Builtin(),
		metrics:  prometheus.NewRegistry(),
	}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := a.open(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	tenants, err := a.tenantProvider()
	if err != nil {
		return err
	}
	a.tenants = tenants

	a.local, err = local.OpenContext(ctx, a.cfg.Local.Path, a.registry.Kinds(), local.WithLogger(a.logger.Named("local")))
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	a.closers = append(a.closers, a.local.Close)

	backend, err := a.openRemote(ctx)
	if err != nil {
		return err
	}
	retry := remote.DefaultRetryConfig()
	retry.MaxAttempts = a.cfg.Remote.MaxRetries
	retry.RatePerSecond = a.cfg.Remote.RateLimit
	a.remote = remote.NewResilient(backend, retry, a.logger.Named("remote"))

	a.coord, err = syncer.New(syncer.Config{
		Local:      a.local,
		Remote:     a.remote,
		Registry:   a.registry,
		Actor:      a.tenants,
		Logger:     a.logger.Named("sync"),
		Registerer: a.metrics,
	})
	if err != nil {
		return err
	}

	a.monitor = connectivity.NewMonitor(a.probe(), a.cfg.Connectivity.Interval, a.logger.Named("connectivity"))
	return nil
}

func (a *app) tenantProvider() (tenant.Provider, error) {
	if a.cfg.Tenant.Token != "" {
		return tenant.FromToken(a.cfg.Tenant.Token, []byte(a.cfg.Tenant.Secret))
	}
	if globalOpts.tenantID != "" {
		return tenant.Static{TenantID: globalOpts.tenantID, ActorID: deviceID(a.cfg)}, nil
	}
	// Nobody signed in; commands report record.ErrNoTenant.
	return tenant.NewSession(), nil
}

func (a *app) openRemote(ctx context.Context) (remote.Store, error) {
	kinds := a.registry.Kinds()
	logger := a.logger.Named(a.cfg.Remote.Driver)

	switch a.cfg.Remote.Driver {
	case config.DriverMemory:
		return memory.New(), nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{DSN: a.cfg.Remote.DSN})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		store := postgres.New(pool, logger)
		if err := store.EnsureCollections(ctx, kinds); err != nil {
			return nil, err
		}
		return store, nil

	case config.DriverLibSQL:
		store, err := libsql.Open(ctx, a.cfg.Remote.DSN, a.cfg.Remote.AuthToken, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureCollections(ctx, kinds); err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown remote driver %q", a.cfg.Remote.Driver)
}

func (a *app) probe() connectivity.Probe {
	if globalOpts.offline {
		return connectivity.NewManual(false)
	}
	switch a.cfg.Connectivity.Probe {
	case config.ProbeDial:
		return connectivity.DialProbe{Address: a.cfg.Connectivity.Target, Timeout: 3 * time.Second}
	case config.ProbeFile:
		return connectivity.FileProbe{Path: a.cfg.Connectivity.Target}
	default:
		return connectivity.Always(true)
	}
}

func (a *app) tenantID() (string, error) {
	id, err := a.tenants.CurrentTenantID()
	if err != nil {
		return "", fmt.Errorf("no tenant: pass --tenant or set tenant.token: %w", err)
	}
	return id, nil
}

// kinds validates names against the registry; empty means all.
func (a *app) kinds(names []string) ([]record.Kind, error) {
	if len(names) == 0 {
		return a.registry.Kinds(), nil
	}
	out := make([]record.Kind, 0, len(names))
	for _, n := range names {
		k := record.Kind(n)
		if _, ok := a.registry.Get(k); !ok {
			return nil, fmt.Errorf("unknown kind %q", n)
		}
		out = append(out, k)
	}
	return out, nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deviceID(cfg *config.Config) string {
	if cfg.Sync.DeviceID != "" {
		return cfg.Sync.DeviceID
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
