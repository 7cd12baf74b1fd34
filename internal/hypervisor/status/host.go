package status

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats summarises the machine the module runs on.
type HostStats struct {
	MemTotal     string  `json:"mem_total"`
	MemUsed      string  `json:"mem_used"`
	MemUsageRate float64 `json:"mem_usage_rate"`
	Load1        float64 `json:"load1"`
	Load5        float64 `json:"load5"`
}

// HostProbe reads host statistics.
type HostProbe interface {
	Stats(ctx context.Context) (*HostStats, error)
}

// SystemHost reads host statistics through gopsutil.
type SystemHost struct{}

// Stats implements HostProbe.
func (SystemHost) Stats(ctx context.Context) (*HostStats, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	stats := &HostStats{
		MemTotal:     humanize.IBytes(vm.Total),
		MemUsed:      humanize.IBytes(vm.Used),
		MemUsageRate: vm.UsedPercent,
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
		stats.Load5 = avg.Load5
	}
	return stats, nil
}
