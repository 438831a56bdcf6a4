package simserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"runwatch/internal/logging"
	"runwatch/internal/protocol"
)

// Config configures the simulator server.
type Config struct {
	Addr    string
	Catalog Catalog
	Logger  *logging.Logger
}

// Server replays scripted workflow runs over the monitor's REST + websocket
// protocol.
type Server struct {
	catalog  Catalog
	logger   *logging.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu   sync.RWMutex
	runs map[string]*simRun
}

type simRun struct {
	mu          sync.Mutex
	id          string
	workflow    string
	status      string
	startedAt   time.Time
	finishedAt  *time.Time
	frames      [][]byte
	subscribers map[chan []byte]struct{}
	done        bool
}

// New builds a simulator server around a script catalog.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	s := &Server{
		catalog: cfg.Catalog,
		logger:  logging.OrNop(cfg.Logger).WithComponent("simserver"),
		engine:  engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		group:  group,
		runs:   make(map[string]*simRun),
	}
	s.routes()

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/workflows", s.handleListWorkflows)
	api.GET("/workflows/:name/dag", s.handleWorkflowDAG)
	api.POST("/workflows/:name/runs", s.handleSubmitRun)
	api.GET("/workflows/:name/runs", s.handleRunHistory)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/events", s.handleRunStream)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("simulator listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("simserver: %w", err)
	}
	return nil
}

// Shutdown stops playback goroutines and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	_ = s.group.Wait()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	type workflowEntry struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	out := make([]workflowEntry, 0, len(s.catalog.Workflows))
	for _, wf := range s.catalog.Workflows {
		out = append(out, workflowEntry{Name: wf.Name, Description: wf.Description})
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out})
}

func (s *Server) handleWorkflowDAG(c *gin.Context) {
	wf, ok := s.catalog.Workflow(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown workflow"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes":        wf.DAG.Nodes,
		"edges":        wf.DAG.Edges,
		"input_schema": wf.InputSchema,
	})
}

func (s *Server) handleSubmitRun(c *gin.Context) {
	wf, ok := s.catalog.Workflow(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown workflow"})
		return
	}

	var body struct {
		Input map[string]any `json:"input"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	for field := range wf.InputSchema {
		if _, present := body.Input[field]; !present {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("input.%s is required", field)})
			return
		}
	}

	run := &simRun{
		id:          uuid.NewString(),
		workflow:    wf.Name,
		status:      "running",
		startedAt:   time.Now().UTC(),
		subscribers: make(map[chan []byte]struct{}),
	}
	s.mu.Lock()
	s.runs[run.id] = run
	s.mu.Unlock()

	s.group.Go(func() error {
		s.playback(run, wf.Timeline)
		return nil
	})

	s.logger.Info("run submitted", "workflow", wf.Name, "run_id", run.id)
	c.JSON(http.StatusCreated, gin.H{"run_id": run.id})
}

func (s *Server) handleRunHistory(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.catalog.Workflow(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown workflow"})
		return
	}

	s.mu.RLock()
	records := make([]gin.H, 0)
	for _, run := range s.runs {
		if run.workflow != name {
			continue
		}
		records = append(records, run.record())
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i]["started_at"].(time.Time).After(records[j]["started_at"].(time.Time))
	})
	c.JSON(http.StatusOK, gin.H{"runs": records})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run := s.run(c.Param("id"))
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}

	run.mu.Lock()
	record := run.recordLocked()
	events := make([]json.RawMessage, len(run.frames))
	for i, frame := range run.frames {
		events[i] = json.RawMessage(frame)
	}
	run.mu.Unlock()

	record["events"] = events
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleRunStream(c *gin.Context) {
	run := s.run(c.Param("id"))
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	replay, ch, unsubscribe := run.subscribe()
	defer unsubscribe()

	for _, frame := range replay {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, open := <-ch:
			if !open {
				// Run finished: close the stream cleanly.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) run(id string) *simRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[id]
}

// playback emits the scripted timeline, recording every frame and fanning it
// out to live subscribers.
func (s *Server) playback(run *simRun, timeline []TimelineEntry) {
	for _, entry := range timeline {
		select {
		case <-s.ctx.Done():
			run.finish("error")
			return
		case <-time.After(entry.Delay()):
		}

		frame, err := entry.Frame()
		if err != nil {
			s.logger.Error("unencodable timeline entry", "run_id", run.id, "error", err)
			continue
		}
		run.emit(frame)
	}
	run.finishFromFrames()
	s.logger.Info("run finished", "run_id", run.id, "status", run.record()["status"])
}

func (r *simRun) subscribe() (replay [][]byte, ch chan []byte, unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replay = make([][]byte, len(r.frames))
	copy(replay, r.frames)

	ch = make(chan []byte, 256)
	if r.done {
		close(ch)
		return replay, ch, func() {}
	}

	r.subscribers[ch] = struct{}{}
	return replay, ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, still := r.subscribers[ch]; still {
			delete(r.subscribers, ch)
		}
	}
}

func (r *simRun) emit(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, frame)
	for ch := range r.subscribers {
		select {
		case ch <- frame:
		default:
			// Slow subscriber; it can recover from the history endpoint.
		}
	}
}

// finishFromFrames derives the run's final status from its own emitted events.
func (r *simRun) finishFromFrames() {
	status := "running"
	r.mu.Lock()
	for _, frame := range r.frames {
		ev, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		switch e := ev.(type) {
		case protocol.WorkflowEnd:
			status = e.Status
		case protocol.ErrorEvent:
			status = "error"
		}
	}
	r.mu.Unlock()
	r.finish(status)
}

func (r *simRun) finish(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.status = status
	now := time.Now().UTC()
	r.finishedAt = &now
	for ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, ch)
	}
}

func (r *simRun) record() gin.H {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked()
}

func (r *simRun) recordLocked() gin.H {
	record := gin.H{
		"run_id":     r.id,
		"workflow":   r.workflow,
		"status":     r.status,
		"started_at": r.startedAt,
	}
	if r.finishedAt != nil {
		record["finished_at"] = *r.finishedAt
	}
	return record
}
