// Package api is a typed client for the orchestration backend's REST surface:
// workflow listing, DAG definitions, run submission, and run history. The
// backend owns all of this data; the client treats it as read-only.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"runwatch/internal/dag"
	"runwatch/internal/logging"
	"runwatch/internal/protocol"
)

// Workflow is one entry in the backend's workflow catalog.
type Workflow struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// WorkflowGraph is a workflow's DAG plus its declared input schema.
type WorkflowGraph struct {
	dag.Definition
	InputSchema map[string]string `json:"input_schema,omitempty"`
}

// RunRecord summarizes one historical run.
type RunRecord struct {
	RunID      string     `json:"run_id"`
	Workflow   string     `json:"workflow"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunDetail is a completed run's record plus its full event log, decoded
// through the same codec the live stream uses. It reconstructs final state
// without a live connection.
type RunDetail struct {
	RunRecord
	Events []protocol.Event
}

// SubmitError carries the backend's raw message for a rejected submission so
// the caller can surface it verbatim.
type SubmitError struct {
	StatusCode int
	Message    string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("api: run submission rejected (%d): %s", e.StatusCode, e.Message)
}

// Config configures the client.
type Config struct {
	BaseURL      string
	DAGCacheSize int
	HTTPClient   *http.Client
	Logger       *logging.Logger
}

// Client talks to one backend. DAG definitions are immutable per workflow for
// the lifetime of a run view, so they are cached.
type Client struct {
	baseURL  string
	http     *http.Client
	dagCache *lru.Cache[string, WorkflowGraph]
	logger   *logging.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api: base url is required")
	}
	if cfg.DAGCacheSize <= 0 {
		cfg.DAGCacheSize = 32
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cache, err := lru.New[string, WorkflowGraph](cfg.DAGCacheSize)
	if err != nil {
		return nil, fmt.Errorf("api: dag cache: %w", err)
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		http:     httpClient,
		dagCache: cache,
		logger:   logging.OrNop(cfg.Logger).WithComponent("api"),
	}, nil
}

// ListWorkflows fetches the workflow catalog.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var out struct {
		Workflows []Workflow `json:"workflows"`
	}
	if err := c.get(ctx, "/api/workflows", &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// WorkflowGraph fetches a workflow's DAG, serving repeat lookups from cache.
func (c *Client) WorkflowGraph(ctx context.Context, workflow string) (WorkflowGraph, error) {
	if graph, ok := c.dagCache.Get(workflow); ok {
		return graph, nil
	}

	var graph WorkflowGraph
	path := fmt.Sprintf("/api/workflows/%s/dag", url.PathEscape(workflow))
	if err := c.get(ctx, path, &graph); err != nil {
		return WorkflowGraph{}, err
	}
	if err := graph.Validate(); err != nil {
		return WorkflowGraph{}, fmt.Errorf("api: workflow %s: %w", workflow, err)
	}
	c.dagCache.Add(workflow, graph)
	return graph, nil
}

// SubmitRun submits a run and returns its identifier. Rejections surface the
// backend's raw message as a *SubmitError.
func (c *Client) SubmitRun(ctx context.Context, workflow string, input map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", fmt.Errorf("api: encode input: %w", err)
	}

	path := fmt.Sprintf("/api/workflows/%s/runs", url.PathEscape(workflow))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("api: submit run: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &SubmitError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("api: decode submit response: %w", err)
	}
	if out.RunID == "" {
		return "", fmt.Errorf("api: submit response missing run_id")
	}
	c.logger.Info("run submitted", "workflow", workflow, "run_id", out.RunID)
	return out.RunID, nil
}

// RunHistory lists a workflow's recent runs, newest first.
func (c *Client) RunHistory(ctx context.Context, workflow string) ([]RunRecord, error) {
	var out struct {
		Runs []RunRecord `json:"runs"`
	}
	path := fmt.Sprintf("/api/workflows/%s/runs", url.PathEscape(workflow))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Run fetches one run's record and event log.
func (c *Client) Run(ctx context.Context, runID string) (RunDetail, error) {
	var out struct {
		RunRecord
		Events []json.RawMessage `json:"events"`
	}
	path := fmt.Sprintf("/api/runs/%s", url.PathEscape(runID))
	if err := c.get(ctx, path, &out); err != nil {
		return RunDetail{}, err
	}

	detail := RunDetail{RunRecord: out.RunRecord}
	for _, raw := range out.Events {
		ev, err := protocol.Decode(raw)
		if err != nil {
			// Same stance as the live stream: drop, don't fail the view.
			c.logger.Warn("dropped malformed history event", "run_id", runID, "error", err)
			continue
		}
		detail.Events = append(detail.Events, ev)
	}
	return detail, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: GET %s: status %d: %s", path, resp.StatusCode, readErrorMessage(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: GET %s: decode: %w", path, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "(no response body)"
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(data)
}
