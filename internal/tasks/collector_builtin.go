package tasks

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// pseudoFilesystems are never reported as disks
var pseudoFilesystems = map[string]bool{
	"devfs":    true,
	"devtmpfs": true,
	"tmpfs":    true,
	"squashfs": true,
	"overlay":  true,
	"proc":     true,
	"sysfs":    true,
	"cgroup":   true,
	"cgroup2":  true,
}

// BuiltinCollector collects metrics in-process using gopsutil
type BuiltinCollector struct {
	logger *zap.Logger

	mu            sync.Mutex
	lastTimestamp time.Time
	lastCPU       cpu.TimesStat
	hasCPU        bool
}

// NewBuiltinCollector creates a gopsutil-based collector
func NewBuiltinCollector(logger *zap.Logger) *BuiltinCollector {
	return &BuiltinCollector{logger: logger}
}

func (c *BuiltinCollector) Name() string {
	return "builtin (gopsutil)"
}

func (c *BuiltinCollector) ResetCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTimestamp = time.Time{}
	c.lastCPU = cpu.TimesStat{}
	c.hasCPU = false
}

// Collect never fails as a whole; a metric that cannot be read is logged and
// left at zero
func (c *BuiltinCollector) Collect(ctx context.Context) (*SystemMetrics, error) {
	c.resetCacheIfStale()

	metrics := &SystemMetrics{
		Source:    "builtin",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if v, err := c.collectCPU(ctx); err != nil {
		c.logger.Warn("Failed to collect CPU metrics", zap.Error(err))
	} else {
		metrics.CPUUsagePercent = v
	}

	if v, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Warn("Failed to collect memory metrics", zap.Error(err))
	} else {
		metrics.MemoryFreeGB = bytesToGB(float64(v.Available))
	}

	if disks, err := c.collectDisks(ctx); err != nil {
		c.logger.Warn("Failed to collect disk metrics", zap.Error(err))
	} else {
		metrics.Disks = disks
	}

	return metrics, nil
}

func (c *BuiltinCollector) collectCPU(ctx context.Context) (float64, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(times) == 0 {
		return 0, fmt.Errorf("no CPU times returned")
	}
	current := times[0]

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, hadPrev := c.lastCPU, c.hasCPU
	c.lastCPU = current
	c.hasCPU = true
	c.lastTimestamp = time.Now()

	if !hadPrev {
		c.logger.Debug("CPU baseline stored (first scrape)")
		return 0, nil
	}

	totalDelta := cpuTotal(current) - cpuTotal(prev)
	idleDelta := (current.Idle + current.Iowait) - (prev.Idle + prev.Iowait)
	if totalDelta <= 0 {
		return 0, nil
	}
	return round((totalDelta - idleDelta) / totalDelta * 100), nil
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func (c *BuiltinCollector) collectDisks(ctx context.Context) ([]DiskMetrics, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}

	var disks []DiskMetrics
	for _, p := range partitions {
		if pseudoFilesystems[p.Fstype] {
			continue
		}

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			c.logger.Debug("Could not get disk usage",
				zap.String("mountpoint", p.Mountpoint),
				zap.Error(err))
			continue
		}
		// partitions under 1GB are boot or recovery volumes
		if usage.Total < 1024*1024*1024 {
			continue
		}

		disks = append(disks, DiskMetrics{
			Drive:       driveName(p.Mountpoint),
			TotalGB:     bytesToGB(float64(usage.Total)),
			FreeGB:      bytesToGB(float64(usage.Free)),
			FreePercent: round(float64(usage.Free) / float64(usage.Total) * 100),
		})
	}
	return disks, nil
}

// driveName turns "C:\" into "C:" on Windows and keeps mountpoints elsewhere
func driveName(mountpoint string) string {
	if runtime.GOOS == "windows" && len(mountpoint) >= 2 && mountpoint[1] == ':' {
		return mountpoint[:2]
	}
	return mountpoint
}

func (c *BuiltinCollector) resetCacheIfStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastTimestamp.IsZero() {
		return
	}
	if age := time.Since(c.lastTimestamp); age > maxMetricsCacheAge {
		c.logger.Warn("Resetting stale metrics cache",
			zap.Duration("cache_age", age),
			zap.Duration("max_age", maxMetricsCacheAge))
		c.lastTimestamp = time.Time{}
		c.lastCPU = cpu.TimesStat{}
		c.hasCPU = false
	}
}
