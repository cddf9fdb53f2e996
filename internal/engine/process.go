package engine

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the engine's operating-system process.
type ProcessStats struct {
	PID   int    `json:"pid"`
	Alive bool   `json:"alive"`
	RSS   uint64 `json:"rss,omitempty"`
}

// Stats reports liveness and resident memory for pid.
func Stats(ctx context.Context, pid int) (ProcessStats, error) {
	stats := ProcessStats{PID: pid}
	if pid <= 0 {
		return stats, nil
	}

	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return stats, fmt.Errorf("check pid %d: %w", pid, err)
	}
	stats.Alive = alive
	if !alive {
		return stats, nil
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// The process exited between the two calls.
		stats.Alive = false
		return stats, nil
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	stats.RSS = mem.RSS
	return stats, nil
}
