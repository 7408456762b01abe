// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats tracks self-monitoring counters for the agent.
type Stats struct {
	startTime time.Time
	proc      *process.Process

	Installs         atomic.Int64
	Uninstalls       atomic.Int64
	ForcedUninstalls atomic.Int64
	ForeignPatches   atomic.Int64
	Substitutions    atomic.Int64
	FilteredReads    atomic.Int64
	FilterErrors     atomic.Int64
	EventsExported   atomic.Int64
	EventsDropped    atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	s := &Stats{startTime: time.Now()}
	// Best effort; RSS/CPU report zero if the handle is unavailable.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Goroutines       int     `json:"goroutines"`
	MemoryRSSBytes   uint64  `json:"memory_rss_bytes"`
	CPUPercent       float64 `json:"cpu_percent"`
	Installs         int64   `json:"installs"`
	Uninstalls       int64   `json:"uninstalls"`
	ForcedUninstalls int64   `json:"forced_uninstalls"`
	ForeignPatches   int64   `json:"foreign_patches"`
	Substitutions    int64   `json:"substitutions"`
	FilteredReads    int64   `json:"filtered_reads"`
	FilterErrors     int64   `json:"filter_errors"`
	EventsExported   int64   `json:"events_exported"`
	EventsDropped    int64   `json:"events_dropped"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:    s.Uptime().Seconds(),
		Goroutines:       runtime.NumGoroutine(),
		Installs:         s.Installs.Load(),
		Uninstalls:       s.Uninstalls.Load(),
		ForcedUninstalls: s.ForcedUninstalls.Load(),
		ForeignPatches:   s.ForeignPatches.Load(),
		Substitutions:    s.Substitutions.Load(),
		FilteredReads:    s.FilteredReads.Load(),
		FilterErrors:     s.FilterErrors.Load(),
		EventsExported:   s.EventsExported.Load(),
		EventsDropped:    s.EventsDropped.Load(),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			snap.MemoryRSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
	}
	return snap
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()
	var b []byte
	b = appendMetric(b, "interpose_uptime_seconds", "gauge", "Agent uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "interpose_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "interpose_memory_rss_bytes", "gauge", "Resident memory in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "interpose_cpu_percent", "gauge", "Process CPU percent", snap.CPUPercent)
	b = appendMetric(b, "interpose_hook_installs_total", "counter", "Total hook installs", float64(snap.Installs))
	b = appendMetric(b, "interpose_hook_uninstalls_total", "counter", "Total hook uninstalls", float64(snap.Uninstalls))
	b = appendMetric(b, "interpose_hook_forced_uninstalls_total", "counter", "Total forced uninstalls", float64(snap.ForcedUninstalls))
	b = appendMetric(b, "interpose_foreign_patches_total", "counter", "Total foreign patches detected", float64(snap.ForeignPatches))
	b = appendMetric(b, "interpose_substitutions_total", "counter", "Total content substitutions", float64(snap.Substitutions))
	b = appendMetric(b, "interpose_filtered_reads_total", "counter", "Total reads with at least one substitution", float64(snap.FilteredReads))
	b = appendMetric(b, "interpose_filter_errors_total", "counter", "Total contained filtering failures", float64(snap.FilterErrors))
	b = appendMetric(b, "interpose_events_exported_total", "counter", "Total events exported", float64(snap.EventsExported))
	b = appendMetric(b, "interpose_events_dropped_total", "counter", "Total events dropped", float64(snap.EventsDropped))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	b = append(b, '\n')
	return b
}
