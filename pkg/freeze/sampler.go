package freeze

import (
	"time"

	"github.com/runguardhq/runguard/pkg/proctree"
)

// clockTicksPerSecond is the kernel USER_HZ value used to scale utime/stime.
// Fixed at 100 on every Linux architecture Go supports.
const clockTicksPerSecond = 100.0

// SizeFunc reports the current output size for a job.
type SizeFunc func() int64

// ProcessSampler observes a live process through /proc and an output size
// source. Not safe for concurrent use; each watched job gets its own.
type ProcessSampler struct {
	pid  int
	size SizeFunc

	lastTicks uint64
	lastAt    time.Time
	primed    bool
}

// NewProcessSampler creates a sampler for pid reading output sizes from size.
func NewProcessSampler(pid int, size SizeFunc) *ProcessSampler {
	return &ProcessSampler{pid: pid, size: size}
}

// Sample reads the process's cumulative CPU ticks and derives instantaneous
// utilization from the delta since the previous call. The first call
// reports zero CPU (no baseline yet).
func (p *ProcessSampler) Sample() (Sample, error) {
	st, err := proctree.ReadStat(p.pid)
	if err != nil {
		return Sample{}, err
	}

	now := time.Now()
	ticks := st.UTime + st.STime

	var cpu float64
	if p.primed {
		elapsed := now.Sub(p.lastAt).Seconds()
		if elapsed > 0 {
			used := float64(ticks-p.lastTicks) / clockTicksPerSecond
			cpu = used / elapsed * 100.0
		}
	}
	p.lastTicks = ticks
	p.lastAt = now
	p.primed = true

	return Sample{At: now, OutputSize: p.size(), CPUPercent: cpu}, nil
}
