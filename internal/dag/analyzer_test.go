package dag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"runwatch/internal/protocol"
)

func reviewLoopDefinition() Definition {
	return Definition{
		Nodes: []Node{{ID: "developer"}, {ID: "code_review"}, {ID: "qa_test"}},
		Edges: []Edge{
			{Source: "developer", Target: "code_review"},
			{Source: "code_review", Target: "qa_test"},
			{Source: "code_review", Target: "developer"},
		},
	}
}

func TestKickbackEdgesStructuralOnly(t *testing.T) {
	def := reviewLoopDefinition()

	kickbacks := KickbackEdges(def)
	require.Len(t, kickbacks, 1)
	require.Contains(t, kickbacks, EdgeKey("code_review", "developer"))

	// Identical node names and edges yield the identical set, with or without
	// any event history.
	again := KickbackEdges(reviewLoopDefinition())
	require.Equal(t, kickbacks, again)
}

func TestKickbackEdgesCaseInsensitive(t *testing.T) {
	def := Definition{
		Nodes: []Node{{ID: "QA_Test"}, {ID: "Fix_It"}, {ID: "deploy"}},
		Edges: []Edge{
			{Source: "QA_Test", Target: "Fix_It"},
			{Source: "Fix_It", Target: "deploy"},
		},
	}

	kickbacks := KickbackEdges(def)
	require.Contains(t, kickbacks, EdgeKey("QA_Test", "Fix_It"))
	require.NotContains(t, kickbacks, EdgeKey("Fix_It", "deploy"))
}

func TestTraversalCountsReviewLoop(t *testing.T) {
	def := reviewLoopDefinition()
	events := []protocol.Event{
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

	counts := TraversalCounts(def, events)
	require.Equal(t, 2, counts[EdgeKey("developer", "code_review")])
	require.Equal(t, 1, counts[EdgeKey("code_review", "qa_test")])

	// code_review had not succeeded yet when developer restarted.
	require.Equal(t, 0, counts[EdgeKey("code_review", "developer")])
}

func TestTraversalCountsZeroWhenSourceNeverSucceeds(t *testing.T) {
	def := reviewLoopDefinition()
	events := []protocol.Event{
		protocol.StepStart{Step: "developer"},
		protocol.StepEnd{Step: "developer", Status: protocol.StepFailure, DurationMS: 50},
		protocol.StepStart{Step: "code_review"},
	}

	counts := TraversalCounts(def, events)
	require.Empty(t, counts)
}

func TestTraversalCountsDeterministic(t *testing.T) {
	def := reviewLoopDefinition()
	events := []protocol.Event{
		protocol.StepStart{Step: "developer"},
		protocol.StepEnd{Step: "developer", Status: protocol.StepSuccess, DurationMS: 10},
		protocol.StepStart{Step: "code_review"},
	}

	first := TraversalCounts(def, events)
	second := TraversalCounts(def, events)
	require.Equal(t, first, second)
	require.Equal(t, 1, first[EdgeKey("developer", "code_review")])
}

func TestDefinitionValidate(t *testing.T) {
	def := reviewLoopDefinition()
	require.NoError(t, def.Validate())

	broken := Definition{
		Nodes: []Node{{ID: "a"}},
		Edges: []Edge{{Source: "a", Target: "missing"}},
	}
	require.Error(t, broken.Validate())

	dup := Definition{Nodes: []Node{{ID: "a"}, {ID: "a"}}}
	require.Error(t, dup.Validate())
}
