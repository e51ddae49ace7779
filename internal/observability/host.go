package observability

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is the host snapshot reported by /healthz.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Load1         float64 `json:"load1,omitempty"`
	Goroutines    int     `json:"goroutines"`
}

// CollectHostStats samples CPU, memory and load without blocking on a CPU interval.
// Fields the platform cannot report are left zero.
func CollectHostStats(ctx context.Context) HostStats {
	stats := HostStats{Goroutines: runtime.NumGoroutine()}
	if percentages, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percentages) > 0 {
		stats.CPUPercent = roundMS(percentages[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = roundMS(vm.UsedPercent)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = roundMS(avg.Load1)
	}
	return stats
}
