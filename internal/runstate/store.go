// Package runstate folds the ordered run event sequence into step states and
// an overall workflow status. The fold is order-dependent and idempotent:
// replaying an identical sequence into a fresh store yields identical state.
package runstate

import (
	"sync"
	"time"

	"runwatch/internal/protocol"
)

// WorkflowStatus is the run's overall lifecycle state.
type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "pending"
	StatusRunning    WorkflowStatus = "running"
	StatusEvaluating WorkflowStatus = "evaluating"
	StatusSuccess    WorkflowStatus = "success"
	StatusFailure    WorkflowStatus = "failure"
	StatusError      WorkflowStatus = "error"
)

// StepStatus is a step's lifecycle state as shown in the run view.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepSkipped StepStatus = "skipped"
)

// StepState is the latest known record for one step. A later step_end
// overwrites the whole record; no per-step history accumulates.
type StepState struct {
	Step          string
	Status        StepStatus
	Duration      time.Duration
	DurationMS    float64
	ModelUsed     string
	TokensUsed    int
	ModelInferred bool
}

// Store holds derived run state. One store per run view, exclusively owned by
// its caller; only Apply mutates it.
type Store struct {
	mu           sync.RWMutex
	workflowName string
	status       WorkflowStatus
	steps        map[string]*StepState
	order        []string // step ids in first-seen order
	events       []protocol.Event
	lastError    string
}

// New creates an empty store for one run.
func New() *Store {
	return &Store{
		status: StatusPending,
		steps:  make(map[string]*StepState),
	}
}

// Apply folds one event into the store. Events referencing unknown steps are
// accepted and recorded rather than rejected; the backend is trusted over the
// view's expectations.
func (s *Store) Apply(ev protocol.Event) {
	if ev == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)

	switch e := ev.(type) {
	case protocol.WorkflowStart:
		s.workflowName = e.WorkflowName
		s.status = StatusRunning

	case protocol.StepStart:
		state := s.step(e.Step)
		state.Status = StepRunning

	case protocol.StepEnd:
		state := s.step(e.Step)
		*state = StepState{
			Step:          e.Step,
			Status:        StepStatus(e.Status),
			Duration:      e.Duration(),
			DurationMS:    e.DurationMS,
			ModelUsed:     e.ModelUsed,
			TokensUsed:    e.TokensUsed,
			ModelInferred: e.ModelUsed == "" && inferModel(e.Metadata) != "",
		}
		if state.ModelInferred {
			state.ModelUsed = inferModel(e.Metadata)
		}

	case protocol.Evaluating:
		s.status = StatusEvaluating

	case protocol.WorkflowEnd:
		s.status = WorkflowStatus(e.Status)

	case protocol.ErrorEvent:
		s.lastError = e.Message
		// Terminal unless a workflow_end already settled the run; a later
		// workflow_end still overwrites (last write wins).
		if !terminalStatus(s.status) {
			s.status = StatusError
		}
	}
}

func (s *Store) step(id string) *StepState {
	state, ok := s.steps[id]
	if !ok {
		state = &StepState{Step: id, Status: StepPending}
		s.steps[id] = state
		s.order = append(s.order, id)
	}
	return state
}

func inferModel(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if model, ok := metadata["model"].(string); ok {
		return model
	}
	return ""
}

func terminalStatus(status WorkflowStatus) bool {
	switch status {
	case StatusSuccess, StatusFailure, StatusError:
		return true
	default:
		return false
	}
}

// Snapshot is a deep copy of the store for safe observation.
type Snapshot struct {
	WorkflowName   string
	WorkflowStatus WorkflowStatus
	Steps          []StepState
	Events         []protocol.Event
	LastError      string
}

// Step returns the snapshot's record for a step id, if present.
func (s Snapshot) Step(id string) (StepState, bool) {
	for _, step := range s.Steps {
		if step.Step == id {
			return step, true
		}
	}
	return StepState{}, false
}

// Snapshot copies the current state. Steps appear in first-seen order so two
// identical folds render identically.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := Snapshot{
		WorkflowName:   s.workflowName,
		WorkflowStatus: s.status,
		Steps:          make([]StepState, 0, len(s.order)),
		Events:         make([]protocol.Event, len(s.events)),
		LastError:      s.lastError,
	}
	for _, id := range s.order {
		snapshot.Steps = append(snapshot.Steps, *s.steps[id])
	}
	copy(snapshot.Events, s.events)
	return snapshot
}
