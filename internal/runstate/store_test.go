package runstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runwatch/internal/protocol"
)

func reviewLoopEvents() []protocol.Event {
	return []protocol.Event{
		protocol.WorkflowStart{WorkflowName: "review-loop"},
		protocol.StepStart{Step: "developer"},
		protocol.StepEnd{Step: "developer", Status: protocol.StepSuccess, DurationMS: 1200},
		protocol.StepStart{Step: "code_review"},
		protocol.StepEnd{Step: "code_review", Status: protocol.StepFailure, DurationMS: 800},
		protocol.StepStart{Step: "developer"},
		protocol.StepEnd{Step: "developer", Status: protocol.StepSuccess, DurationMS: 900},
		protocol.StepStart{Step: "code_review"},
		protocol.StepEnd{Step: "code_review", Status: protocol.StepSuccess, DurationMS: 600},
		protocol.StepStart{Step: "qa_test"},
		protocol.StepEnd{Step: "qa_test", Status: protocol.StepSuccess, DurationMS: 300},
		protocol.WorkflowEnd{Status: "success"},
	}
}

func TestStoreReviewLoopFold(t *testing.T) {
	store := New()
	for _, ev := range reviewLoopEvents() {
		store.Apply(ev)
	}

	snapshot := store.Snapshot()
	require.Equal(t, "review-loop", snapshot.WorkflowName)
	require.Equal(t, StatusSuccess, snapshot.WorkflowStatus)
	require.Len(t, snapshot.Steps, 3)

	// The second, later developer run wins over the first 1200ms one.
	developer, ok := snapshot.Step("developer")
	require.True(t, ok)
	require.Equal(t, StepSuccess, developer.Status)
	require.Equal(t, 900*time.Millisecond, developer.Duration)

	review, ok := snapshot.Step("code_review")
	require.True(t, ok)
	require.Equal(t, StepSuccess, review.Status)
	require.Equal(t, 600*time.Millisecond, review.Duration)
}

func TestStoreFinalStatusMatchesWorkflowEnd(t *testing.T) {
	store := New()
	store.Apply(protocol.WorkflowStart{WorkflowName: "w"})
	store.Apply(protocol.Evaluating{})
	store.Apply(protocol.Evaluating{})
	store.Apply(protocol.WorkflowEnd{Status: "failure"})

	require.Equal(t, StatusFailure, store.Snapshot().WorkflowStatus)
}

func TestStoreAcceptsStepEndWithoutStart(t *testing.T) {
	store := New()
	store.Apply(protocol.StepEnd{Step: "ghost", Status: protocol.StepSkipped, DurationMS: 0})

	ghost, ok := store.Snapshot().Step("ghost")
	require.True(t, ok)
	require.Equal(t, StepSkipped, ghost.Status)
}

func TestStoreErrorEventTerminalUnlessEndArrives(t *testing.T) {
	store := New()
	store.Apply(protocol.WorkflowStart{WorkflowName: "w"})
	store.Apply(protocol.ErrorEvent{Message: "backend hiccup"})

	snapshot := store.Snapshot()
	require.Equal(t, StatusError, snapshot.WorkflowStatus)
	require.Equal(t, "backend hiccup", snapshot.LastError)

	// A later workflow_end overwrites the error status.
	store.Apply(protocol.WorkflowEnd{Status: "success"})
	require.Equal(t, StatusSuccess, store.Snapshot().WorkflowStatus)

	// But an error after the terminal status does not reopen the run.
	store.Apply(protocol.ErrorEvent{Message: "late noise"})
	require.Equal(t, StatusSuccess, store.Snapshot().WorkflowStatus)
}

func TestStoreModelInferredFromMetadata(t *testing.T) {
	store := New()
	store.Apply(protocol.StepEnd{
		Step:       "developer",
		Status:     protocol.StepSuccess,
		DurationMS: 100,
		Metadata:   map[string]any{"model": "claude-sonnet"},
	})

	developer, ok := store.Snapshot().Step("developer")
	require.True(t, ok)
	require.True(t, developer.ModelInferred)
	require.Equal(t, "claude-sonnet", developer.ModelUsed)

	store.Apply(protocol.StepEnd{
		Step:       "developer",
		Status:     protocol.StepSuccess,
		DurationMS: 100,
		ModelUsed:  "gpt-4o",
		Metadata:   map[string]any{"model": "claude-sonnet"},
	})

	developer, _ = store.Snapshot().Step("developer")
	require.False(t, developer.ModelInferred)
	require.Equal(t, "gpt-4o", developer.ModelUsed)
}

func TestStoreFoldIsIdempotent(t *testing.T) {
	events := reviewLoopEvents()

	first := New()
	second := New()
	for _, ev := range events {
		first.Apply(ev)
	}
	for _, ev := range events {
		second.Apply(ev)
	}

	require.Equal(t, first.Snapshot(), second.Snapshot())
}

func TestSnapshotIsDetachedFromStore(t *testing.T) {
	store := New()
	store.Apply(protocol.StepStart{Step: "developer"})

	snapshot := store.Snapshot()
	store.Apply(protocol.StepEnd{Step: "developer", Status: protocol.StepSuccess, DurationMS: 10})

	developer, ok := snapshot.Step("developer")
	require.True(t, ok)
	require.Equal(t, StepRunning, developer.Status)
	require.Len(t, snapshot.Events, 1)
}
