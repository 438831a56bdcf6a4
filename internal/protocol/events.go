package protocol

import "time"

// EventType identifies a workflow run event variant on the wire.
type EventType string

const (
	EventWorkflowStart    EventType = "workflow_start"
	EventStepStart        EventType = "step_start"
	EventStepEnd          EventType = "step_end"
	EventEvaluating       EventType = "evaluating"
	EventEvaluationResult EventType = "evaluation_result"
	EventWorkflowEnd      EventType = "workflow_end"
	EventError            EventType = "error"
)

// StepStatus is the terminal outcome reported by a step_end event.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepSkipped StepStatus = "skipped"
)

// Event is one validated workflow run event. Implementations are immutable
// value types; consumers fold them without mutating them.
type Event interface {
	Type() EventType
}

// WorkflowStart announces that a run began executing.
type WorkflowStart struct {
	WorkflowName string
}

func (WorkflowStart) Type() EventType { return EventWorkflowStart }

// StepStart announces that a named step began executing.
type StepStart struct {
	Step string
}

func (StepStart) Type() EventType { return EventStepStart }

// StepEnd reports a step's terminal outcome and metrics.
type StepEnd struct {
	Step       string
	Status     StepStatus
	DurationMS float64
	ModelUsed  string
	TokensUsed int
	Metadata   map[string]any
}

func (StepEnd) Type() EventType { return EventStepEnd }

// Duration returns the reported step duration.
func (e StepEnd) Duration() time.Duration {
	return time.Duration(e.DurationMS * float64(time.Millisecond))
}

// Evaluating signals that post-run evaluation started.
type Evaluating struct{}

func (Evaluating) Type() EventType { return EventEvaluating }

// Criterion is one scored dimension of a run evaluation.
type Criterion struct {
	Criterion string
	Score     float64
	MaxScore  float64
	Weight    float64
}

// EvaluationResult carries the post-run evaluation scores.
type EvaluationResult struct {
	WeightedScore float64
	Grade         string
	Passed        bool
	PassThreshold float64
	Rubric        string
	Criteria      []Criterion
}

func (EvaluationResult) Type() EventType { return EventEvaluationResult }

// WorkflowEnd reports the run's terminal status.
type WorkflowEnd struct {
	Status string
}

func (WorkflowEnd) Type() EventType { return EventWorkflowEnd }

// ErrorEvent surfaces a backend-reported run error.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) Type() EventType { return EventError }

// Terminal reports whether the event ends the run from the stream's point of
// view: after one of these the connection is not worth retrying.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case WorkflowEnd, ErrorEvent:
		return true
	default:
		return false
	}
}
