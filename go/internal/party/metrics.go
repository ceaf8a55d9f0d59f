package party

import "sync/atomic"

// MetricsCollector defines the interface for collecting party metrics
type MetricsCollector interface {
	RecordPartyOpened()
	RecordPartyClosed(reason CloseReason)
	RecordIntent(accepted bool)
	RecordBroadcast(kind EventKind, recipients int)
	RecordEviction(reason string, count int)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordPartyOpened() {}
func (NoOpMetricsCollector) RecordPartyClosed(CloseReason) {}
func (NoOpMetricsCollector) RecordIntent(bool) {}
func (NoOpMetricsCollector) RecordBroadcast(EventKind, int) {}
func (NoOpMetricsCollector) RecordEviction(string, int) {}

// Counters is an in-process MetricsCollector backing the stats endpoint.
type Counters struct {
	partiesOpened   atomic.Int64
	partiesClosed   atomic.Int64
	intentsAccepted atomic.Int64
	intentsRejected atomic.Int64
	eventsPublished atomic.Int64
	deliveries      atomic.Int64
	evictions       atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) RecordPartyOpened() {
	c.partiesOpened.Add(1)
}

func (c *Counters) RecordPartyClosed(CloseReason) {
	c.partiesClosed.Add(1)
}

func (c *Counters) RecordIntent(accepted bool) {
	if accepted {
		c.intentsAccepted.Add(1)
		return
	}
	c.intentsRejected.Add(1)
}

func (c *Counters) RecordBroadcast(_ EventKind, recipients int) {
	c.eventsPublished.Add(1)
	c.deliveries.Add(int64(recipients))
}

func (c *Counters) RecordEviction(_ string, count int) {
	c.evictions.Add(int64(count))
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"parties_opened":   c.partiesOpened.Load(),
		"parties_closed":   c.partiesClosed.Load(),
		"intents_accepted": c.intentsAccepted.Load(),
		"intents_rejected": c.intentsRejected.Load(),
		"events_published": c.eventsPublished.Load(),
		"deliveries":       c.deliveries.Load(),
		"evictions":        c.evictions.Load(),
	}
}
