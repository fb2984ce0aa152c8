// Package cmd implements the runguard command-line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runguardhq/runguard/internal/config"
	"github.com/runguardhq/runguard/internal/observability"
	"github.com/runguardhq/runguard/pkg/classify"
	"github.com/runguardhq/runguard/pkg/freeze"
	"github.com/runguardhq/runguard/pkg/jobregistry"
	"github.com/runguardhq/runguard/pkg/supervisor"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo wires build identification in from the main package.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (%s, %s)", version, commit, buildDate)
}

var (
	flagVerbose bool
	flagDataDir string
)

var rootCmd = &cobra.Command{
	Use:   "runguard",
	Short: "Run shell commands under bounded time and output",
	Long: `runguard executes shell commands under supervision: each command is
classified into an execution strategy, runs with a hard wall-clock budget
and a capped output log, and is watched for freezes. Process trees that
exceed their budget are terminated, escalating from SIGTERM to SIGKILL.

Job records and output logs live on disk, so status, logs, and context
queries work across invocations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger("runguard", flagVerbose)
	},
	Version: fmt.Sprintf("%s (%s, %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate),
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Job state directory (default: user cache dir)")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// ExitWithCode logs a fatal message and terminates with a foundry exit code.
func ExitWithCode(logger *zap.Logger, code int, message string, fields ...zap.Field) {
	logger.Error(message, fields...)
	os.Exit(code)
}

// dataDir resolves the job state root: flag, then config, then the user
// cache dir.
func dataDir(cfg *config.Config) string {
	if flagDataDir != "" {
		return flagDataDir
	}
	if cfg != nil && cfg.Supervisor.DataDir != "" {
		return cfg.Supervisor.DataDir
	}
	if cache, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cache, "runguard", "jobs")
	}
	return filepath.Join(os.TempDir(), "runguard", "jobs")
}

// newClassifier builds the classifier from config, layering a rules file
// over the defaults when configured.
func newClassifier(cfg *config.Config) (*classify.Classifier, error) {
	ccfg := classify.Config{
		QuickTimeout:         cfg.Supervisor.QuickTimeout,
		LongTimeout:          cfg.Supervisor.LongTimeout,
		ComplexWordThreshold: cfg.Classify.ComplexWordThreshold,
	}
	if cfg.Classify.RulesFile != "" {
		rules, err := classify.LoadRules(cfg.Classify.RulesFile)
		if err != nil {
			return nil, exitError(foundry.ExitFileReadError, "Failed to load classification rules", err)
		}
		ccfg.Rules = append(rules, classify.DefaultRules()...)
	}
	cls, err := classify.New(ccfg)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid classification rules", err)
	}
	return cls, nil
}

// newSupervisor builds a supervisor from loaded config for CLI use.
func newSupervisor(cfg *config.Config, logger *zap.Logger) (*supervisor.Supervisor, error) {
	cls, err := newClassifier(cfg)
	if err != nil {
		return nil, err
	}
	return supervisor.New(supervisor.Config{
		DataDir:             dataDir(cfg),
		Classifier:          cls,
		OutputCapBytes:      cfg.Supervisor.OutputCapBytes,
		GracePeriod:         cfg.Supervisor.GracePeriod,
		TermGrace:           cfg.Supervisor.TermGrace,
		EnhancedSupervision: cfg.Supervisor.EnhancedSupervision,
		ContextJobs:         cfg.Supervisor.ContextJobs,
		Freeze: freeze.Config{
			Interval:             cfg.Supervisor.Freeze.Interval,
			SilenceThreshold:     cfg.Supervisor.Freeze.SilenceThreshold,
			CPUThreshold:         cfg.Supervisor.Freeze.CPUThreshold,
			BusySilenceThreshold: cfg.Supervisor.Freeze.BusySilenceThreshold,
		},
		Logger: logger,
	})
}

// jobStore opens the on-disk job store for read-side commands that do not
// need a live supervisor.
func jobStore(cfg *config.Config) *jobregistry.Store {
	return jobregistry.NewStore(dataDir(cfg))
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
