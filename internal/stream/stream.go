// Package stream owns the network boundary for one workflow run: it holds a
// persistent websocket connection to the backend's per-run event endpoint,
// validates inbound frames, and delivers events to its subscriber strictly in
// arrival order. Connection failures before a terminal event are retried with
// exponential backoff and are invisible to consumers except as a transient
// connection status.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"runwatch/internal/logging"
	"runwatch/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateError      State = "error"
)

// Status describes the connection at a point in time. Attempts counts
// consecutive failures since the connection was last open.
type Status struct {
	State    State
	Attempts int
	LastErr  string
}

// Config tunes one stream. Zero values fall back to defaults.
type Config struct {
	// BaseURL is the backend's HTTP base; the websocket URL is derived.
	BaseURL string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	DialTimeout    time.Duration

	// Notify, when set, observes every status transition.
	Notify func(Status)

	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	if out.BackoffFactor < 1 {
		out.BackoffFactor = 2
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	out.Logger = logging.OrNop(out.Logger).WithComponent("stream")
	return out
}

// EndpointURL derives the per-run websocket endpoint from the backend base URL.
func EndpointURL(baseURL, runID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("stream: invalid base url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	u.Path, err = url.JoinPath(u.Path, "api", "runs", runID, "events")
	if err != nil {
		return "", fmt.Errorf("stream: build endpoint: %w", err)
	}
	return u.String(), nil
}

// Stream is a live subscription to one run's event sequence. Restart only by
// opening a new stream; a closed stream stays closed.
type Stream struct {
	cfg    Config
	runID  string
	wsURL  string
	cancel context.CancelFunc

	events chan protocol.Event

	mu     sync.RWMutex
	status Status
}

// Open starts a stream for runID. The returned stream is already connecting;
// consume Events() until it is closed. Close (or cancelling ctx) tears the
// connection down and stops all retry timers.
func Open(ctx context.Context, cfg Config, runID string) (*Stream, error) {
	cfg = cfg.withDefaults()
	wsURL, err := EndpointURL(cfg.BaseURL, runID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cfg:    cfg,
		runID:  runID,
		wsURL:  wsURL,
		cancel: cancel,
		events: make(chan protocol.Event),
		status: Status{State: StateConnecting},
	}
	go s.run(ctx)
	return s, nil
}

// Events returns the ordered event sequence. The channel closes when the run
// reaches a terminal event, the run does not exist, or the stream is closed.
func (s *Stream) Events() <-chan protocol.Event {
	return s.events
}

// Status returns the current connection status.
func (s *Stream) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Close cancels the stream. Idempotent.
func (s *Stream) Close() {
	s.cancel()
}

func (s *Stream) setStatus(state State, attempts int, err error) {
	status := Status{State: state, Attempts: attempts}
	if err != nil {
		status.LastErr = err.Error()
	}

	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	if s.cfg.Notify != nil {
		s.cfg.Notify(status)
	}
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.events)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxInterval = s.cfg.MaxBackoff
	policy.Multiplier = s.cfg.BackoffFactor
	policy.MaxElapsedTime = 0 // retry for as long as the subscriber stays

	attempts := 0
	for {
		s.setStatus(StateConnecting, attempts, nil)

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setStatus(StateClosed, attempts, nil)
				return
			}
			if isRunNotFound(err) {
				// Terminal: surface once, then stop retrying.
				s.cfg.Logger.Warn("run not found", "run_id", s.runID)
				s.deliver(ctx, protocol.ErrorEvent{Message: fmt.Sprintf("run %s not found", s.runID)})
				s.setStatus(StateClosed, attempts, err)
				return
			}

			attempts++
			reconnects.Inc()
			s.setStatus(StateError, attempts, err)
			s.cfg.Logger.Warn("connect failed, will retry",
				"run_id", s.runID, "attempt", attempts, "error", err)
			if !s.sleep(ctx, policy.NextBackOff()) {
				s.setStatus(StateClosed, attempts, nil)
				return
			}
			continue
		}

		policy.Reset()
		attempts = 0
		s.setStatus(StateOpen, 0, nil)
		s.cfg.Logger.Info("stream open", "run_id", s.runID)

		terminal, readErr := s.readLoop(ctx, conn)
		_ = conn.Close()

		if terminal || ctx.Err() != nil {
			s.setStatus(StateClosed, 0, nil)
			return
		}

		attempts++
		reconnects.Inc()
		s.setStatus(StateError, attempts, readErr)
		s.cfg.Logger.Warn("stream dropped, will retry",
			"run_id", s.runID, "attempt", attempts, "error", readErr)
		if !s.sleep(ctx, policy.NextBackOff()) {
			s.setStatus(StateClosed, attempts, nil)
			return
		}
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	tracer := otel.Tracer("runwatch/internal/stream")
	ctx, span := tracer.Start(ctx, "stream.connect")
	span.SetAttributes(attribute.String("run.id", s.runID))
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, s.wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		span.RecordError(err)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, errRunNotFound
		}
		return nil, fmt.Errorf("dial %s: %w", s.wsURL, err)
	}
	return conn, nil
}

var errRunNotFound = errors.New("run not found")

func isRunNotFound(err error) bool {
	return errors.Is(err, errRunNotFound)
}

// readLoop reads frames until the connection drops or the context is
// cancelled. It reports whether a terminal event was observed, in which case
// the drop is a clean close rather than a failure.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) (terminal bool, err error) {
	// Unblock ReadMessage on cancellation.
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watch:
		}
	}()

	for {
		_, data, readErr := conn.ReadMessage()
		if readErr != nil {
			if ctx.Err() != nil {
				return terminal, ctx.Err()
			}
			return terminal, fmt.Errorf("read: %w", readErr)
		}

		ev, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			// Non-fatal: drop the frame and keep the stream alive.
			protocolErrorsDropped.Inc()
			s.cfg.Logger.Warn("dropped malformed message", "run_id", s.runID, "error", decodeErr)
			continue
		}

		if !s.deliver(ctx, ev) {
			return terminal, ctx.Err()
		}
		if protocol.Terminal(ev) {
			terminal = true
		}
	}
}

func (s *Stream) deliver(ctx context.Context, ev protocol.Event) bool {
	select {
	case s.events <- ev:
		eventsDelivered.Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
