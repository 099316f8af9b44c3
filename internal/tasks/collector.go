package tasks

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxMetricsCacheAge bounds how old a rate baseline may be before it is dropped
const maxMetricsCacheAge = 10 * time.Minute

// MetricsCollector gathers host metrics for the metrics task
type MetricsCollector interface {
	// Collect gathers system metrics. CPU usage is 0 on the first call while
	// the baseline is established.
	Collect(ctx context.Context) (*SystemMetrics, error)

	// Name returns the collector name for logging
	Name() string

	// ResetCache clears rate calculation state
	ResetCache()
}

// NewMetricsCollector creates the collector for source: "builtin" (gopsutil)
// or "exporter" (Prometheus text endpoint at exporterURL)
func NewMetricsCollector(source, exporterURL string, logger *zap.Logger, httpClient *http.Client) (MetricsCollector, error) {
	source = strings.ToLower(source)
	if source == "" {
		source = "builtin"
	}

	switch source {
	case "builtin":
		logger.Info("Using builtin metrics collector (gopsutil)")
		return NewBuiltinCollector(logger), nil
	case "exporter":
		if exporterURL == "" {
			return nil, fmt.Errorf("exporter_url required for exporter source")
		}
		if httpClient == nil {
			httpClient = NewHTTPClient()
		}
		logger.Info("Using exporter metrics collector", zap.String("url", exporterURL))
		return NewExporterCollector(exporterURL, logger, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown metrics source: %s", source)
	}
}

// NewHTTPClient creates the client used for exporter scrapes. It is created
// once and reused so localhost connections are kept alive.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// round rounds to two decimal places
func round(v float64) float64 {
	return math.Round(v*100) / 100
}

func bytesToGB(b float64) float64 {
	return round(b / 1024 / 1024 / 1024)
}
