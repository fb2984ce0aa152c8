package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runguardhq/runguard/internal/config"
	"github.com/runguardhq/runguard/internal/observability"
	"github.com/runguardhq/runguard/internal/server"
	"github.com/runguardhq/runguard/internal/server/handlers"
	"github.com/runguardhq/runguard/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervision daemon with an HTTP control surface",
	Long: `Run runguard as a long-lived daemon. Commands are submitted over
HTTP, supervised in-process, and queryable until retention evicts them.

Endpoints:

  POST /v1/execute           run a command under supervision
  GET  /v1/jobs              list job records
  GET  /v1/jobs/{id}         job status with output excerpt
  POST /v1/jobs/{id}/cancel  terminate a running job
  GET  /v1/context           recent-job summary
  POST /v1/cleanup           evict old terminal jobs
  GET  /health               aggregate health`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")
}

// dataDirChecker verifies the job state root stays writable.
type dataDirChecker struct {
	dir string
}

func (c dataDirChecker) CheckHealth(ctx context.Context) error {
	probe, err := os.CreateTemp(c.dir, ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

func runServe(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		overrides["server"] = map[string]any{"host": host}
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		srvOverride, _ := overrides["server"].(map[string]any)
		if srvOverride == nil {
			srvOverride = map[string]any{}
		}
		srvOverride["port"] = port
		overrides["server"] = srvOverride
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}

	logger, err := observability.NewStructuredLogger(cfg.Logging)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to build logger", err)
	}
	defer observability.Sync(logger)

	sup, err := newSupervisor(cfg, logger)
	if err != nil {
		return err
	}

	handlers.InitHealthManager(versionInfo.Version)
	handlers.GetHealthManager().RegisterChecker("data_dir", dataDirChecker{dir: sup.DataDir()})

	api := handlers.NewAPI(sup, logger)
	srv := server.New(cfg.Server.Host, cfg.Server.Port, api,
		server.OptionsFromConfig(cfg.Server, logger))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper, err := startRetentionSweep(cfg, sup, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid retention schedule", err)
	}
	if sweeper != nil {
		defer func() { <-sweeper.Stop().Done() }()
	}

	logger.Info("runguard daemon starting",
		zap.String("version", versionInfo.Version),
		zap.String("data_dir", sup.DataDir()),
		zap.String("addr", srv.Addr()))

	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}

	// Let in-flight jobs settle before exit so records land terminal.
	logger.Info("waiting for in-flight jobs")
	sup.Wait()
	return nil
}

// startRetentionSweep schedules periodic eviction of old terminal jobs.
// Returns nil when retention is disabled.
func startRetentionSweep(cfg *config.Config, sup *supervisor.Supervisor, logger *zap.Logger) (*cron.Cron, error) {
	if !cfg.Retention.Enabled {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.Retention.Schedule, func() {
		removed, err := sup.Cleanup(cfg.Retention.MaxAge)
		if err != nil {
			logger.Error("retention sweep failed", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("retention sweep evicted jobs",
				zap.Int("removed", removed),
				zap.Duration("max_age", cfg.Retention.MaxAge))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
