// Package supervisor runs shell commands under a bounded-time,
// bounded-output contract: it classifies each command into an execution
// strategy, captures output into the job log store, watches unattended jobs
// for liveness failures, and escalates termination across the whole process
// tree when a budget is exceeded.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runguardhq/runguard/pkg/classify"
	"github.com/runguardhq/runguard/pkg/freeze"
	"github.com/runguardhq/runguard/pkg/jobregistry"
	"github.com/runguardhq/runguard/pkg/proctree"
)

// Config configures a Supervisor. The zero value works: every field has a
// usable default.
type Config struct {
	// DataDir is the root for per-job state (job.json, output.log).
	// Defaults to <tempdir>/runguard/jobs.
	DataDir string

	// Classifier decides strategy and budget per command. Defaults to
	// classify.New with default rules.
	Classifier *classify.Classifier

	// OutputCapBytes caps each job's persisted output log.
	OutputCapBytes int64

	// SnippetBytes bounds the inline output snippet returned from a
	// synchronously completed execution. Default 2000.
	SnippetBytes int64

	// QuickSnippetBytes bounds the inline snippet for Quick jobs, which are
	// the strategy meant for immediate inline consumption. Default 5000.
	QuickSnippetBytes int64

	// InitialSnippetBytes bounds the "initial output" excerpt returned when
	// a background job is still running after the grace period. Default 500.
	InitialSnippetBytes int64

	// GracePeriod is how long Execute lingers on an async strategy hoping
	// to return an inline result. Default 2s.
	GracePeriod time.Duration

	// TermGrace is the SIGTERM-to-SIGKILL window during escalation.
	// Default 3s.
	TermGrace time.Duration

	// Freeze tunes the liveness detector for unattended strategies.
	Freeze freeze.Config

	// EnhancedSupervision layers freeze detection onto Quick and Immediate
	// jobs as well.
	EnhancedSupervision bool

	// ContextJobs is how many recent jobs a context query covers. Default 5.
	ContextJobs int

	// Logger receives structured execution events. Defaults to a nop logger.
	Logger *zap.Logger
}

const (
	defaultSnippetBytes        = 2000
	defaultQuickSnippetBytes   = 5000
	defaultInitialSnippetBytes = 500
	defaultGracePeriod         = 2 * time.Second
	defaultContextJobs         = 5
)

func (c Config) withDefaults() (Config, error) {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(os.TempDir(), "runguard", "jobs")
	}
	if c.Classifier == nil {
		cls, err := classify.New(classify.Config{})
		if err != nil {
			return c, err
		}
		c.Classifier = cls
	}
	if c.SnippetBytes <= 0 {
		c.SnippetBytes = defaultSnippetBytes
	}
	if c.QuickSnippetBytes <= 0 {
		c.QuickSnippetBytes = defaultQuickSnippetBytes
	}
	if c.InitialSnippetBytes <= 0 {
		c.InitialSnippetBytes = defaultInitialSnippetBytes
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.TermGrace <= 0 {
		c.TermGrace = proctree.DefaultGrace
	}
	if c.ContextJobs <= 0 {
		c.ContextJobs = defaultContextJobs
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c, nil
}

// Supervisor owns the execution engine, job registry, and termination
// escalator for one process. Safe for concurrent use: each job runs under
// its own supervising goroutine.
type Supervisor struct {
	cfg       Config
	registry  *jobregistry.Registry
	escalator *proctree.Escalator
	logger    *zap.Logger

	wg sync.WaitGroup
}

// New creates a Supervisor, ensuring the data dir exists.
func New(cfg Config) (*Supervisor, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store := jobregistry.NewStore(cfg.DataDir)
	return &Supervisor{
		cfg:       cfg,
		registry:  jobregistry.New(store),
		escalator: &proctree.Escalator{Grace: cfg.TermGrace},
		logger:    cfg.Logger,
	}, nil
}

// Registry exposes the in-memory job registry for status queries.
func (s *Supervisor) Registry() *jobregistry.Registry {
	return s.registry
}

// DataDir returns the root of per-job on-disk state.
func (s *Supervisor) DataDir() string {
	return s.cfg.DataDir
}

// Wait blocks until every in-flight supervising goroutine has finished.
// Intended for shutdown paths and tests; it does not stop anything.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
