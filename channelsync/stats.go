// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EntityError is a per-entity error record exposed to the monitoring sink.
type EntityError struct {
	EntityID string `json:"entity_id"`
	Class    string `json:"class"`
	Reason   string `json:"reason"`
}

// SyncStats describes the outcome of one run. Counters are monotonic across
// the run and are always returned in full, even on partial failure.
type SyncStats struct {
	TotalSeen  int64         `json:"total_seen"`
	Created    int64         `json:"created"`
	Updated    int64         `json:"updated"`
	Cancelled  int64         `json:"cancelled"`
	Skipped    int64         `json:"skipped"`
	Errors     int64         `json:"errors"`
	DurationMS int64         `json:"duration_ms"`
	Records    []EntityError `json:"error_records,omitempty"`
}

// statsCollector accumulates counters across concurrent entity pipelines.
type statsCollector struct {
	mu      sync.Mutex
	stats   SyncStats
	started time.Time
	metrics *Recorder
}

func newStatsCollector(metrics *Recorder) *statsCollector {
	return &statsCollector{started: time.Now(), metrics: metrics}
}

func (c *statsCollector) seen() {
	c.mu.Lock()
	c.stats.TotalSeen++
	c.mu.Unlock()
}

func (c *statsCollector) applied(action Action) {
	c.mu.Lock()
	switch action {
	case ActionCreate:
		c.stats.Created++
	case ActionUpdate:
		c.stats.Updated++
	case ActionCancel:
		c.stats.Cancelled++
	case ActionSkip:
		c.stats.Skipped++
	}
	c.mu.Unlock()
	c.metrics.ObserveOutcome(string(action))
}

func (c *statsCollector) skipped() {
	c.mu.Lock()
	c.stats.Skipped++
	c.mu.Unlock()
	c.metrics.ObserveOutcome(string(ActionSkip))
}

func (c *statsCollector) failed(rec EntityError) {
	c.mu.Lock()
	c.stats.Errors++
	c.stats.Records = append(c.stats.Records, rec)
	c.mu.Unlock()
	c.metrics.ObserveOutcome("error")
}

func (c *statsCollector) snapshot() SyncStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.DurationMS = time.Since(c.started).Milliseconds()
	s.Records = append([]EntityError(nil), c.stats.Records...)
	return s
}

// Recorder bridges run statistics into Prometheus. All methods are nil-safe
// so the engine can run without a metrics sink.
type Recorder struct {
	entities    *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
}

// NewRecorder registers the channelsync collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channelsync",
			Name:      "entities_total",
			Help:      "Entities processed by outcome.",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "channelsync",
			Name:      "runs_total",
			Help:      "Sync runs by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "channelsync",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(r.entities, r.runs, r.runDuration)
	return r
}

// ObserveOutcome counts one processed entity by outcome.
func (r *Recorder) ObserveOutcome(outcome string) {
	if r == nil {
		return
	}
	r.entities.WithLabelValues(outcome).Inc()
}

// ObserveRun counts one finished run and its duration.
func (r *Recorder) ObserveRun(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(result).Inc()
	r.runDuration.Observe(d.Seconds())
}
