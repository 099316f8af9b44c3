package runner

import (
	"math"
	"runtime"
	"sync"
	"time"
)

// Stats tracks runner activity for the health command
type Stats struct {
	mu        sync.RWMutex
	startTime time.Time

	// Lifecycle counters
	starts   int64
	restarts int64
	updates  int64
	stops    int64

	// Tick counters
	lastTick     time.Time
	ticks        int64
	tickFailures int64

	// Data channel counters
	dataDelivered int64
	dataDropped   int64

	lastError     string
	lastErrorTime time.Time
}

// StatsSnapshot is the JSON view of Stats
type StatsSnapshot struct {
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`

	Starts   int64 `json:"starts"`
	Restarts int64 `json:"restarts"`
	Updates  int64 `json:"updates"`
	Stops    int64 `json:"stops"`

	Ticks        int64  `json:"ticks"`
	TickFailures int64  `json:"tick_failures"`
	LastTick     string `json:"last_tick,omitempty"`

	DataDelivered int64 `json:"data_delivered"`
	DataDropped   int64 `json:"data_dropped"`

	LastError     string `json:"last_error,omitempty"`
	LastErrorTime string `json:"last_error_time,omitempty"`
}

func newStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) recordAction(a Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch a {
	case Start:
		s.starts++
	case Restart:
		s.restarts++
	case Update:
		s.updates++
	case Stop:
		s.stops++
	}
}

func (s *Stats) recordTick(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.lastTick = at
	if err != nil {
		s.tickFailures++
		s.lastError = err.Error()
		s.lastErrorTime = time.Now()
	}
}

func (s *Stats) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
	s.lastErrorTime = time.Now()
}

func (s *Stats) recordData(delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delivered {
		s.dataDelivered++
	} else {
		s.dataDropped++
	}
}

// Snapshot returns the current counters
func (s *Stats) Snapshot() StatsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatsSnapshot{
		// mem.Sys is the full process footprint
		MemoryUsageMB: math.Round(float64(mem.Sys)/1024/1024*100) / 100,
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Starts:        s.starts,
		Restarts:      s.restarts,
		Updates:       s.updates,
		Stops:         s.stops,
		Ticks:         s.ticks,
		TickFailures:  s.tickFailures,
		DataDelivered: s.dataDelivered,
		DataDropped:   s.dataDropped,
	}

	if !s.lastTick.IsZero() {
		snap.LastTick = s.lastTick.UTC().Format(time.RFC3339)
	}
	if !s.lastErrorTime.IsZero() {
		snap.LastError = s.lastError
		snap.LastErrorTime = s.lastErrorTime.UTC().Format(time.RFC3339)
	}

	return snap
}
