// Package freeze detects liveness failures in supervised processes by
// sampling output growth and CPU usage at a fixed interval.
//
// Detection is a heuristic, not a proof of non-progress: a legitimately
// quiet process (a slow compile with a silent compiler) can be declared
// frozen. Thresholds are tuned toward false positives rather than false
// negatives; callers with known-quiet workloads should disable the watch
// per job instead of widening them globally.
package freeze

import (
	"context"
	"fmt"
	"time"
)

// Sample is one observation of a running job. Samples are ephemeral: they
// feed the sliding decision and are discarded once a verdict is reached.
type Sample struct {
	At         time.Time
	OutputSize int64
	CPUPercent float64
}

// Sampler supplies observations for one job.
type Sampler interface {
	// Sample returns the current output size and instantaneous CPU
	// utilization of the supervised process.
	Sample() (Sample, error)
}

// Reason identifies which heuristic declared the freeze.
type Reason string

const (
	// ReasonSilence fires when output has not grown for the full silence
	// threshold, regardless of CPU.
	ReasonSilence Reason = "output_silence"

	// ReasonBusyLoop fires when CPU stays above the high-usage threshold
	// while output has been silent past the shorter busy threshold. Catches
	// spinning processes that are active but not progressing.
	ReasonBusyLoop Reason = "busy_loop"
)

// Config tunes the detector. All thresholds are policy, not invariants.
type Config struct {
	// Interval between samples. Default 3s.
	Interval time.Duration

	// SilenceThreshold is how long output may stay flat before the job is
	// declared frozen. Default 30s.
	SilenceThreshold time.Duration

	// CPUThreshold is the high-usage percentage for the busy-loop rule.
	// Default 90.
	CPUThreshold float64

	// BusySilenceThreshold is the shorter silence window used together
	// with CPUThreshold. Default 10s.
	BusySilenceThreshold time.Duration
}

// Defaults for Config.
const (
	DefaultInterval             = 3 * time.Second
	DefaultSilenceThreshold     = 30 * time.Second
	DefaultCPUThreshold         = 90.0
	DefaultBusySilenceThreshold = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = DefaultCPUThreshold
	}
	if c.BusySilenceThreshold <= 0 {
		c.BusySilenceThreshold = DefaultBusySilenceThreshold
	}
	return c
}

// Detector runs the polling loop for one job.
type Detector struct {
	cfg     Config
	sampler Sampler
}

// New creates a Detector over sampler.
func New(cfg Config, sampler Sampler) *Detector {
	return &Detector{cfg: cfg.withDefaults(), sampler: sampler}
}

// Watch polls until a freeze is declared or ctx is cancelled.
//
// Returns the reason on freeze, or "" with ctx.Err() when cancelled (the
// normal outcome for a job that completes). Sampler errors end the watch
// silently: a vanished process is the engine's business, not a freeze.
func (d *Detector) Watch(ctx context.Context) (Reason, error) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	var (
		lastSize int64
		silence  time.Duration
		primed   bool
	)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			s, err := d.sampler.Sample()
			if err != nil {
				return "", err
			}

			if !primed {
				primed = true
				lastSize = s.OutputSize
				continue
			}

			if s.OutputSize != lastSize {
				lastSize = s.OutputSize
				silence = 0
				continue
			}
			silence += d.cfg.Interval

			if silence >= d.cfg.SilenceThreshold {
				return ReasonSilence, nil
			}
			if s.CPUPercent >= d.cfg.CPUThreshold && silence >= d.cfg.BusySilenceThreshold {
				return ReasonBusyLoop, nil
			}
		}
	}
}

// String renders the reason for job records and logs.
func (r Reason) String() string {
	return string(r)
}

// Describe returns an operator-facing description of the verdict.
func (r Reason) Describe() string {
	switch r {
	case ReasonSilence:
		return "no output growth past the silence threshold"
	case ReasonBusyLoop:
		return "high CPU with silent output (busy loop)"
	default:
		return fmt.Sprintf("unknown freeze reason %q", string(r))
	}
}
