// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package revsync

import (
	"sync"
	"time"

	"github.com/retailbridge/channelsync/channelsync"
)

// collector accumulates reverse-cycle statistics. Inventory updates that
// survive their page count as Updated, variant removals as Cancelled, vetoes
// and in-sync variants as Skipped. Vetoes also leave a validation record for
// the monitoring sink.
type collector struct {
	mu    sync.Mutex
	stats channelsync.SyncStats
}

func newCollector() *collector {
	return &collector{}
}

func (c *collector) seen(string) {
	c.mu.Lock()
	c.stats.TotalSeen++
	c.mu.Unlock()
}

func (c *collector) updated(string) {
	c.mu.Lock()
	c.stats.Updated++
	c.mu.Unlock()
}

func (c *collector) removed(string) {
	c.mu.Lock()
	c.stats.Cancelled++
	c.mu.Unlock()
}

func (c *collector) skip(string, string) {
	c.mu.Lock()
	c.stats.Skipped++
	c.mu.Unlock()
}

func (c *collector) veto(entityID, reason string) {
	c.mu.Lock()
	c.stats.Skipped++
	c.stats.Records = append(c.stats.Records, channelsync.EntityError{
		EntityID: entityID, Class: "validation", Reason: reason,
	})
	c.mu.Unlock()
}

// reverted records an applied update that was rolled back by page
// compensation. The entity was not durably pushed, so it counts as an error
// with its own record rather than as a success.
func (c *collector) reverted(entityID string) {
	c.fail(entityID, "transactional", channelsync.ReasonUpdateReverted)
}

func (c *collector) fail(entityID, class, reason string) {
	c.mu.Lock()
	c.stats.Errors++
	c.stats.Records = append(c.stats.Records, channelsync.EntityError{
		EntityID: entityID, Class: class, Reason: reason,
	})
	c.mu.Unlock()
}

func (c *collector) finish(started time.Time, metrics *channelsync.Recorder, result string) channelsync.SyncStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.DurationMS = time.Since(started).Milliseconds()
	metrics.ObserveRun(result, time.Since(started))
	return c.stats
}
