// Package metrics collects and exposes forge engine observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (plan/group counters) for lightweight
//     introspection without a scrape target.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency
//
// Every counter is updated with atomic operations so the orchestrator's
// hot path (spawning/completing GroupNodes) never blocks on a metrics lock.
// Per-chain gauges live in a sync.Map, which is read-heavy and
// write-once-per-new-chain — the case it's built for.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Metrics is the process-wide in-process counter store.
type Metrics struct {
	plansCreated   atomic.Int64
	plansCompleted atomic.Int64
	plansFailed    atomic.Int64

	groupsDone      atomic.Int64
	groupsFailed    atomic.Int64
	groupsByErrKind sync.Map // ErrorKind string -> *atomic.Int64

	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	cacheTimeout atomic.Int64

	synthesizerRetries atomic.Int64
	backendForkRetries sync.Map // chain id string -> *atomic.Int64
}

var global = &Metrics{}

// Global returns the process-wide Metrics instance.
func Global() *Metrics { return global }

// RecordPlanCreated increments the plans-created counter.
func (m *Metrics) RecordPlanCreated() { m.plansCreated.Add(1) }

// RecordPlanTerminal increments the completed or failed plan counter.
func (m *Metrics) RecordPlanTerminal(failed bool) {
	if failed {
		m.plansFailed.Add(1)
		return
	}
	m.plansCompleted.Add(1)
}

// RecordGroupTerminal increments per-group done/failed counters, and the
// per-error-kind counter when the group failed.
func (m *Metrics) RecordGroupTerminal(done bool, errKind string) {
	if done {
		m.groupsDone.Add(1)
		return
	}
	m.groupsFailed.Add(1)
	v, _ := m.groupsByErrKind.LoadOrStore(errKind, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// RecordCacheHit/Miss/Timeout track source-cache outcomes.
func (m *Metrics) RecordCacheHit()    { m.cacheHits.Add(1) }
func (m *Metrics) RecordCacheMiss()   { m.cacheMisses.Add(1) }
func (m *Metrics) RecordCacheTimeout() { m.cacheTimeout.Add(1) }

// RecordSynthesizerRetry increments the synthesizer retry counter.
func (m *Metrics) RecordSynthesizerRetry() { m.synthesizerRetries.Add(1) }

// RecordBackendForkRetry increments the per-chain fork retry counter.
func (m *Metrics) RecordBackendForkRetry(chainID string) {
	v, _ := m.backendForkRetries.LoadOrStore(chainID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Snapshot is a point-in-time read of the in-process counters.
type Snapshot struct {
	PlansCreated       int64
	PlansCompleted     int64
	PlansFailed        int64
	GroupsDone         int64
	GroupsFailed       int64
	CacheHits          int64
	CacheMisses        int64
	CacheTimeouts      int64
	SynthesizerRetries int64
}

// Snapshot reads the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		PlansCreated:       m.plansCreated.Load(),
		PlansCompleted:     m.plansCompleted.Load(),
		PlansFailed:        m.plansFailed.Load(),
		GroupsDone:         m.groupsDone.Load(),
		GroupsFailed:       m.groupsFailed.Load(),
		CacheHits:          m.cacheHits.Load(),
		CacheMisses:        m.cacheMisses.Load(),
		CacheTimeouts:      m.cacheTimeout.Load(),
		SynthesizerRetries: m.synthesizerRetries.Load(),
	}
}
