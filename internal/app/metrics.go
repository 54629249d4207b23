package app

import (
	"sync/atomic"
	"time"
)

// Metrics counts debugger activity observed on the event bus.
type Metrics struct {
	attaches         atomic.Uint64
	detaches         atomic.Uint64
	transitions      atomic.Uint64
	breakpointHits   atomic.Uint64
	unknownHits      atomic.Uint64
	accessViolations atomic.Uint64
	cacheChanges     atomic.Uint64
	configReloads    atomic.Uint64

	// Time spent in the Updating state, measured from entering it to
	// leaving it.
	updatingTotalNs atomic.Int64
	updatingMaxNs   atomic.Int64
	updatingSince   atomic.Int64

	startTime time.Time
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordAttach records a session reaching the attached state.
func (m *Metrics) RecordAttach() { m.attaches.Add(1) }

// RecordDetach records a session leaving the attached state.
func (m *Metrics) RecordDetach() { m.detaches.Add(1) }

// RecordBreakpointHit records a hit event. Unknown ids are counted
// separately as well.
func (m *Metrics) RecordBreakpointHit(known bool) {
	m.breakpointHits.Add(1)
	if !known {
		m.unknownHits.Add(1)
	}
}

// RecordAccessViolation records an access violation event.
func (m *Metrics) RecordAccessViolation() { m.accessViolations.Add(1) }

// RecordCacheChange records a cache change notification.
func (m *Metrics) RecordCacheChange() { m.cacheChanges.Add(1) }

// RecordConfigReload records an applied configuration reload.
func (m *Metrics) RecordConfigReload() { m.configReloads.Add(1) }

// RecordTransition records a run-state transition at now. updating reports
// whether the new state is Updating.
func (m *Metrics) RecordTransition(updating bool, now time.Time) {
	m.transitions.Add(1)

	ns := now.UnixNano()
	if updating {
		m.updatingSince.CompareAndSwap(0, ns)
		return
	}

	since := m.updatingSince.Swap(0)
	if since == 0 {
		return
	}
	d := ns - since
	m.updatingTotalNs.Add(d)
	for {
		old := m.updatingMaxNs.Load()
		if d <= old || m.updatingMaxNs.CompareAndSwap(old, d) {
			break
		}
	}
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime:           time.Since(m.startTime),
		Attaches:         m.attaches.Load(),
		Detaches:         m.detaches.Load(),
		Transitions:      m.transitions.Load(),
		BreakpointHits:   m.breakpointHits.Load(),
		UnknownHits:      m.unknownHits.Load(),
		AccessViolations: m.accessViolations.Load(),
		CacheChanges:     m.cacheChanges.Load(),
		ConfigReloads:    m.configReloads.Load(),
		UpdatingTotal:    time.Duration(m.updatingTotalNs.Load()),
		UpdatingMax:      time.Duration(m.updatingMaxNs.Load()),
	}
}

// MetricsSnapshot is a point-in-time view of metrics.
type MetricsSnapshot struct {
	Uptime           time.Duration
	Attaches         uint64
	Detaches         uint64
	Transitions      uint64
	BreakpointHits   uint64
	UnknownHits      uint64
	AccessViolations uint64
	CacheChanges     uint64
	ConfigReloads    uint64
	UpdatingTotal    time.Duration
	UpdatingMax      time.Duration
}
