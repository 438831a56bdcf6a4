// Package monitor composes the per-run analyzers: the step-state reducer, the
// DAG traversal analyzer, and the evaluation aggregator, all folding the same
// ordered event sequence. One RunMonitor per run view; the caller owns it
// exclusively.
package monitor

import (
	"context"
	"sync"

	"runwatch/internal/dag"
	"runwatch/internal/evaluation"
	"runwatch/internal/protocol"
	"runwatch/internal/runstate"
	"runwatch/internal/stream"
)

// Snapshot bundles everything the presentation layer renders for one run.
// All fields are detached copies; mutating them never affects the monitor.
type Snapshot struct {
	Run        runstate.Snapshot
	Traversals map[string]int
	Kickbacks  map[string]struct{}
	Evaluation *evaluation.Summary
	Connection stream.Status
}

// RunMonitor derives a run view's state from its event sequence plus the
// workflow's static DAG.
type RunMonitor struct {
	def       dag.Definition
	kickbacks map[string]struct{} // computed once from the DAG alone

	mu         sync.Mutex
	store      *runstate.Store
	eval       *evaluation.Aggregator
	events     []protocol.Event
	traversals map[string]int
	connection stream.Status
}

// New creates a monitor for one run of the given workflow DAG. The definition
// is read-only to the monitor.
func New(def dag.Definition) *RunMonitor {
	return &RunMonitor{
		def:        def,
		kickbacks:  dag.KickbackEdges(def),
		store:      runstate.New(),
		eval:       evaluation.New(),
		traversals: make(map[string]int),
	}
}

// Apply folds one event into every analyzer. Traversal counts are recomputed
// from the full history so they stay a pure function of the inputs.
func (m *RunMonitor) Apply(ev protocol.Event) {
	if ev == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, ev)
	m.store.Apply(ev)
	m.eval.Apply(ev)
	m.traversals = dag.TraversalCounts(m.def, m.events)
}

// SetConnection records the stream's connection status for display.
func (m *RunMonitor) SetConnection(status stream.Status) {
	m.mu.Lock()
	m.connection = status
	m.mu.Unlock()
}

// Snapshot returns a detached copy of all derived state.
func (m *RunMonitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := Snapshot{
		Run:        m.store.Snapshot(),
		Traversals: make(map[string]int, len(m.traversals)),
		Kickbacks:  make(map[string]struct{}, len(m.kickbacks)),
		Connection: m.connection,
	}
	for key, count := range m.traversals {
		snapshot.Traversals[key] = count
	}
	for key := range m.kickbacks {
		snapshot.Kickbacks[key] = struct{}{}
	}
	if summary, ok := m.eval.Summary(); ok {
		snapshot.Evaluation = &summary
	}
	return snapshot
}

// Follow drives the monitor from a live stream: one fold and one observe call
// per event, strictly in delivery order, on a single goroutine. It returns
// when the stream closes or ctx is cancelled.
func Follow(ctx context.Context, s *stream.Stream, m *RunMonitor, observe func(Snapshot)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				m.SetConnection(s.Status())
				if observe != nil {
					observe(m.Snapshot())
				}
				return nil
			}
			m.SetConnection(s.Status())
			m.Apply(ev)
			if observe != nil {
				observe(m.Snapshot())
			}
		}
	}
}

// Replay folds a recorded event log, as returned by the run history API, into
// a fresh snapshot. Folding the same log twice yields identical snapshots.
func Replay(def dag.Definition, events []protocol.Event) Snapshot {
	m := New(def)
	for _, ev := range events {
		m.Apply(ev)
	}
	m.SetConnection(stream.Status{State: stream.StateClosed})
	return m.Snapshot()
}
