package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// exporterNames are the metric names of the platform's Prometheus exporter
type exporterNames struct {
	cpuTime       string
	cpuIdleMode   string
	memoryFree    []string // first present wins
	diskFreeBytes string
	diskSizeBytes string
	volumeLabel   string
}

func namesFor(goos string) exporterNames {
	if goos == "windows" {
		return exporterNames{
			cpuTime:       "windows_cpu_time_total",
			cpuIdleMode:   "idle",
			memoryFree:    []string{"windows_memory_available_bytes"},
			diskFreeBytes: "windows_logical_disk_free_bytes",
			diskSizeBytes: "windows_logical_disk_size_bytes",
			volumeLabel:   "volume",
		}
	}
	// node_exporter naming for linux, freebsd and anything else
	return exporterNames{
		cpuTime:       "node_cpu_seconds_total",
		cpuIdleMode:   "idle",
		memoryFree:    []string{"node_memory_MemAvailable_bytes", "node_memory_MemFree_bytes"},
		diskFreeBytes: "node_filesystem_avail_bytes",
		diskSizeBytes: "node_filesystem_size_bytes",
		volumeLabel:   "mountpoint",
	}
}

// DefaultExporterURL returns the default metrics endpoint of the platform's
// exporter
func DefaultExporterURL() string {
	if runtime.GOOS == "windows" {
		return "http://localhost:9182/metrics"
	}
	return "http://localhost:9100/metrics"
}

// ExporterCollector scrapes a Prometheus exporter
type ExporterCollector struct {
	exporterURL string
	logger      *zap.Logger
	httpClient  *http.Client
	names       exporterNames

	mu            sync.Mutex
	lastTimestamp time.Time
	lastCPUTotal  float64
	lastCPUIdle   float64
}

// NewExporterCollector creates a collector that scrapes url
func NewExporterCollector(url string, logger *zap.Logger, httpClient *http.Client) *ExporterCollector {
	return &ExporterCollector{
		exporterURL: url,
		logger:      logger,
		httpClient:  httpClient,
		names:       namesFor(runtime.GOOS),
	}
}

func (c *ExporterCollector) Name() string {
	return fmt.Sprintf("exporter (%s)", c.exporterURL)
}

func (c *ExporterCollector) ResetCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTimestamp = time.Time{}
	c.lastCPUTotal = 0
	c.lastCPUIdle = 0
}

func (c *ExporterCollector) Collect(ctx context.Context) (*SystemMetrics, error) {
	c.resetCacheIfStale()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.exporterURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "taskservice/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("metrics scrape timeout: %w", err)
		}
		return nil, fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	families, err := decodeFamilies(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}

	metrics := c.extract(families)
	metrics.Source = "exporter"
	metrics.Timestamp = time.Now().UTC().Format(time.RFC3339)

	c.logger.Debug("Metrics scrape completed",
		zap.Int("families", len(families)),
		zap.Float64("cpu_percent", metrics.CPUUsagePercent),
		zap.Int("disk_count", len(metrics.Disks)))
	return metrics, nil
}

func decodeFamilies(r io.Reader) (map[string]*dto.MetricFamily, error) {
	decoder := expfmt.NewDecoder(r, expfmt.FmtText)
	families := make(map[string]*dto.MetricFamily)
	for {
		mf := &dto.MetricFamily{}
		err := decoder.Decode(mf)
		if errors.Is(err, io.EOF) {
			return families, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode metric family: %w", err)
		}
		families[mf.GetName()] = mf
	}
}

func (c *ExporterCollector) extract(families map[string]*dto.MetricFamily) *SystemMetrics {
	metrics := &SystemMetrics{}

	if family, ok := families[c.names.cpuTime]; ok {
		var total, idle float64
		for _, m := range family.Metric {
			if m.Counter == nil {
				continue
			}
			v := m.Counter.GetValue()
			total += v
			if labelValue(m.Label, "mode") == c.names.cpuIdleMode {
				idle += v
			}
		}

		c.mu.Lock()
		if !c.lastTimestamp.IsZero() && c.lastCPUTotal > 0 {
			if totalDelta := total - c.lastCPUTotal; totalDelta > 0 {
				idleDelta := idle - c.lastCPUIdle
				metrics.CPUUsagePercent = round(100 - idleDelta/totalDelta*100)
			}
		}
		c.lastCPUTotal = total
		c.lastCPUIdle = idle
		c.lastTimestamp = time.Now()
		c.mu.Unlock()
	}

	for _, name := range c.names.memoryFree {
		if family, ok := families[name]; ok && len(family.Metric) > 0 && family.Metric[0].Gauge != nil {
			metrics.MemoryFreeGB = bytesToGB(family.Metric[0].Gauge.GetValue())
			break
		}
	}

	free := gaugesByLabel(families[c.names.diskFreeBytes], c.names.volumeLabel)
	for volume, size := range gaugesByLabel(families[c.names.diskSizeBytes], c.names.volumeLabel) {
		if size <= 0 {
			continue
		}
		d := DiskMetrics{Drive: volume, TotalGB: bytesToGB(size)}
		if f, ok := free[volume]; ok {
			d.FreeGB = bytesToGB(f)
			d.FreePercent = round(f / size * 100)
		}
		metrics.Disks = append(metrics.Disks, d)
	}

	return metrics
}

func gaugesByLabel(family *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if family == nil {
		return out
	}
	for _, m := range family.Metric {
		if v := labelValue(m.Label, label); v != "" && m.Gauge != nil {
			out[v] = m.Gauge.GetValue()
		}
	}
	return out
}

func labelValue(labels []*dto.LabelPair, name string) string {
	for _, l := range labels {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func (c *ExporterCollector) resetCacheIfStale() {
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
		c.lastCPUTotal = 0
		c.lastCPUIdle = 0
	}
}
