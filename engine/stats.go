package engine

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/varenq/legion/engine/ratelimit"
)

// RuntimeStats is a point-in-time snapshot of process health and engine
// gauges, surfaced by the status command.
type RuntimeStats struct {
	PID            int     `json:"pid"`
	Goroutines     int     `json:"goroutines"`
	MemoryRSSMB    float64 `json:"memory_rss_mb"`
	MemoryPercent  float64 `json:"memory_percent"`
	TrackedJobs    int     `json:"tracked_jobs"`
	TrackedSteps   int     `json:"tracked_steps"`
	LimiterTargets int     `json:"limiter_targets"`
	PermitsHeld    int64   `json:"permits_held"`
}

// CollectRuntimeStats gathers process metrics plus live engine gauges.
// The tracker and limiter may be nil (one-shot CLI commands have neither).
// Memory metrics degrade to zero when the platform query fails.
func CollectRuntimeStats(tracker *Tracker, limiter *ratelimit.Limiter) RuntimeStats {
	stats := RuntimeStats{
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			stats.MemoryRSSMB = float64(mem.RSS) / 1024 / 1024
		}
		if pct, err := proc.MemoryPercent(); err == nil {
			stats.MemoryPercent = float64(pct)
		}
	}

	if tracker != nil {
		stats.TrackedJobs, stats.TrackedSteps = tracker.TrackedCounts()
	}
	if limiter != nil {
		g := limiter.GlobalStats()
		stats.LimiterTargets = g.Targets
		stats.PermitsHeld = g.Held
	}

	return stats
}
