package simserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runwatch/internal/api"
	"runwatch/internal/dag"
	"runwatch/internal/monitor"
	"runwatch/internal/protocol"
	"runwatch/internal/runstate"
	"runwatch/internal/stream"
)

const testCatalog = `
workflows:
  - name: review-loop
    description: developer/review rework cycle
    input_schema:
      task: string
    dag:
      nodes:
        - id: developer
        - id: code_review
      edges:
        - source: developer
          target: code_review
        - source: code_review
          target: developer
    timeline:
      - event: {type: workflow_start, workflow_name: review-loop}
      - event: {type: step_start, step: developer}
      - delay_ms: 5
        event: {type: step_end, step: developer, status: success, duration_ms: 40}
      - event: {type: step_start, step: code_review}
      - event: {type: step_end, step: code_review, status: success, duration_ms: 25}
      - event: {type: workflow_end, status: success}
`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	require.Len(t, catalog.Workflows, 1)

	wf, ok := catalog.Workflow("review-loop")
	require.True(t, ok)
	require.Len(t, wf.DAG.Nodes, 2)
	require.Len(t, wf.Timeline, 6)
	require.Equal(t, 5*time.Millisecond, wf.Timeline[2].Delay())
}

func TestParseCatalogRejectsBrokenScripts(t *testing.T) {
	_, err := ParseCatalog([]byte(`workflows: []`))
	require.Error(t, err)

	_, err = ParseCatalog([]byte(`
workflows:
  - name: broken
    dag:
      nodes: [{id: a}]
      edges: [{source: a, target: ghost}]
    timeline:
      - event: {type: workflow_end, status: success}
`))
	require.Error(t, err)

	_, err = ParseCatalog([]byte("workflows: [nonsense"))
	require.Error(t, err)
}

func newSimulator(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	catalog, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	sim := New(Config{Catalog: catalog})
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sim.Shutdown(ctx)
	})
	return sim, srv
}

func TestSimulatorRESTSurface(t *testing.T) {
	_, srv := newSimulator(t)
	client, err := api.New(api.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	workflows, err := client.ListWorkflows(context.Background())
	require.NoError(t, err)
	require.Equal(t, []api.Workflow{{Name: "review-loop", Description: "developer/review rework cycle"}}, workflows)

	graph, err := client.WorkflowGraph(context.Background(), "review-loop")
	require.NoError(t, err)
	require.Len(t, graph.Edges, 2)
	require.Equal(t, map[string]string{"task": "string"}, graph.InputSchema)

	_, err = client.SubmitRun(context.Background(), "review-loop", nil)
	var submitErr *api.SubmitError
	require.ErrorAs(t, err, &submitErr)
	require.Equal(t, "input.task is required", submitErr.Message)
}

func TestSimulatorEndToEndWatch(t *testing.T) {
	_, srv := newSimulator(t)
	client, err := api.New(api.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	runID, err := client.SubmitRun(context.Background(), "review-loop", map[string]any{"task": "demo"})
	require.NoError(t, err)

	graph, err := client.WorkflowGraph(context.Background(), "review-loop")
	require.NoError(t, err)

	s, err := stream.Open(context.Background(), stream.Config{BaseURL: srv.URL}, runID)
	require.NoError(t, err)
	defer s.Close()

	m := monitor.New(graph.Definition)
	require.NoError(t, monitor.Follow(context.Background(), s, m, nil))

	snapshot := m.Snapshot()
	require.Equal(t, runstate.StatusSuccess, snapshot.Run.WorkflowStatus)
	require.Equal(t, 1, snapshot.Traversals[dag.EdgeKey("developer", "code_review")])
	require.Contains(t, snapshot.Kickbacks, dag.EdgeKey("code_review", "developer"))

	// History reports the completed run and its full event log.
	require.Eventually(t, func() bool {
		runs, err := client.RunHistory(context.Background(), "review-loop")
		return err == nil && len(runs) == 1 && runs[0].Status == "success"
	}, 2*time.Second, 10*time.Millisecond)

	detail, err := client.Run(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, detail.Events, 6)

	replayed := monitor.Replay(graph.Definition, detail.Events)
	require.Equal(t, snapshot.Run.Steps, replayed.Run.Steps)
	require.Equal(t, snapshot.Traversals, replayed.Traversals)
}

func TestSimulatorUnknownRunIs404(t *testing.T) {
	_, srv := newSimulator(t)

	s, err := stream.Open(context.Background(), stream.Config{BaseURL: srv.URL}, "nope")
	require.NoError(t, err)
	defer s.Close()

	ev, ok := <-s.Events()
	require.True(t, ok)
	errEvent, isErr := ev.(protocol.ErrorEvent)
	require.True(t, isErr)
	require.Contains(t, errEvent.Message, "not found")

	_, open := <-s.Events()
	require.False(t, open)
}
