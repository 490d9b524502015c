package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/daemon"
	"github.com/tillbook/tillbook/internal/dashboard"
	"github.com/tillbook/tillbook/internal/notify"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync scheduler in the foreground",
	Long: `Run the sync scheduler until interrupted.

The daemon:
  1. Hydrates the device on first connect
  2. Syncs every kind with pending changes whenever the remote becomes reachable
  3. Syncs every kind every sync.pull_interval while online
  4. Pulls kinds other devices announce when notify.redis_addr is set
  5. Serves the status dashboard when dashboard.port is set`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		tenantID, err := a.tenantID()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		dcfg := daemon.DefaultConfig()
		dcfg.DebounceInterval = a.cfg.Sync.Debounce
		dcfg.PullInterval = a.cfg.Sync.PullInterval
		dcfg.DeviceID = deviceID(a.cfg)
		dcfg.Logger = a.logger.Named("daemon")

		if addr := a.cfg.Notify.RedisAddr; addr != "" {
			feed, err := notify.NewRedis(ctx, addr, a.cfg.Notify.RedisPassword, a.cfg.Notify.RedisDB, a.logger.Named("notify"))
			if err != nil {
				return err
			}
			defer feed.Close()
			dcfg.Feed = feed
		}

		d, err := daemon.NewWithConfig(a.coord, a.monitor, a.tenants, dcfg)
		if err != nil {
			return err
		}

		if port := a.cfg.Dashboard.Port; port > 0 {
			stop, err := startDashboard(ctx, a, port, tenantID)
			if err != nil {
				return err
			}
			defer stop()
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Sync daemon running for %s (Ctrl+C to stop)\n", renderAccent("⇅"), tenantID)
		if err := d.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Daemon stopped\n", renderPass("✓"))
		return nil
	},
}

func startDashboard(ctx context.Context, a *app, port int, tenantID string) (func(), error) {
	server := dashboard.NewServer(&dashboard.Config{
		Port:     port,
		Status:   a.coord,
		Tenants:  a.tenants,
		Gatherer: a.metrics,
		Logger:   a.logger.Named("dashboard"),
	})
	if err := server.Start(); err != nil {
		return nil, err
	}

	h := dashboard.NewHandler(server, a.coord, a.logger.Named("dashboard"))
	h.WatchRecords(ctx, a.local, tenantID, a.coord.Kinds())

	a.logger.Info("dashboard started",
		zap.String("ws", fmt.Sprintf("ws://%s/ws", server.Addr())),
		zap.String("metrics", fmt.Sprintf("http://%s/metrics", server.Addr())))

	return func() {
		if err := server.Stop(); err != nil {
			a.logger.Warn("dashboard shutdown", zap.Error(err))
		}
	}, nil
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
