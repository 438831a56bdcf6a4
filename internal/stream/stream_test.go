package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"runwatch/internal/protocol"
)

var upgrader = websocket.Upgrader{}

// eventServer serves /api/runs/{id}/events, handing each accepted websocket
// connection to the next handler in sequence.
func eventServer(t *testing.T, handlers ...func(*websocket.Conn)) *httptest.Server {
	t.Helper()

	var mu sync.Mutex
	next := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		handler := handlers[min(next, len(handlers)-1)]
		next++
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func collect(t *testing.T, s *Stream, timeout time.Duration) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream to close, got %d events", len(events))
		}
	}
}

func TestStreamDeliversEventsInOrderAndDropsMalformed(t *testing.T) {
	srv := eventServer(t, func(conn *websocket.Conn) {
		writeRaw(t, conn, `{"type":"workflow_start","workflow_name":"w"}`)
		writeRaw(t, conn, `{"type":"step_start","step":"developer"}`)
		writeRaw(t, conn, `{"type":"bogus"}`)
		writeRaw(t, conn, `not even json`)
		writeRaw(t, conn, `{"type":"step_end","step":"developer","status":"success","duration_ms":42}`)
		writeRaw(t, conn, `{"type":"workflow_end","status":"success"}`)
	})

	s, err := Open(context.Background(), Config{BaseURL: srv.URL}, "run-1")
	require.NoError(t, err)
	defer s.Close()

	events := collect(t, s, 5*time.Second)
	require.Equal(t, []protocol.Event{
		protocol.WorkflowStart{WorkflowName: "w"},
		protocol.StepStart{Step: "developer"},
		protocol.StepEnd{Step: "developer", Status: protocol.StepSuccess, DurationMS: 42},
		protocol.WorkflowEnd{Status: "success"},
	}, events)
	require.Equal(t, StateClosed, s.Status().State)
}

func TestStreamReconnectsUntilTerminalEvent(t *testing.T) {
	srv := eventServer(t,
		func(conn *websocket.Conn) {
			writeRaw(t, conn, `{"type":"workflow_start","workflow_name":"w"}`)
			writeRaw(t, conn, `{"type":"step_start","step":"developer"}`)
			// Drop the connection before the run finishes.
		},
		func(conn *websocket.Conn) {
			writeRaw(t, conn, `{"type":"step_end","step":"developer","status":"success","duration_ms":7}`)
			writeRaw(t, conn, `{"type":"workflow_end","status":"success"}`)
		},
	)

	var statusMu sync.Mutex
	var states []State
	cfg := Config{
		BaseURL:        srv.URL,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Notify: func(status Status) {
			statusMu.Lock()
			states = append(states, status.State)
			statusMu.Unlock()
		},
	}

	s, err := Open(context.Background(), cfg, "run-2")
	require.NoError(t, err)
	defer s.Close()

	events := collect(t, s, 5*time.Second)
	require.Len(t, events, 4)
	require.Equal(t, protocol.WorkflowEnd{Status: "success"}, events[3])

	statusMu.Lock()
	defer statusMu.Unlock()
	require.Contains(t, states, StateError)
	require.Equal(t, StateClosed, states[len(states)-1])
}

func TestStreamNoRetryAfterTerminalEvent(t *testing.T) {
	dials := 0
	var mu sync.Mutex
	srv := eventServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		dials++
		mu.Unlock()
		writeRaw(t, conn, `{"type":"workflow_end","status":"failure"}`)
	})

	s, err := Open(context.Background(), Config{BaseURL: srv.URL, InitialBackoff: 5 * time.Millisecond}, "run-3")
	require.NoError(t, err)
	defer s.Close()

	events := collect(t, s, 5*time.Second)
	require.Equal(t, []protocol.Event{protocol.WorkflowEnd{Status: "failure"}}, events)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, dials)
}

func TestStreamRunNotFoundIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	s, err := Open(context.Background(), Config{BaseURL: srv.URL}, "missing")
	require.NoError(t, err)
	defer s.Close()

	events := collect(t, s, 5*time.Second)
	require.Len(t, events, 1)
	errEvent, ok := events[0].(protocol.ErrorEvent)
	require.True(t, ok)
	require.Contains(t, errEvent.Message, "missing")
	require.Equal(t, StateClosed, s.Status().State)
}

func TestStreamCloseCancelsPromptly(t *testing.T) {
	release := make(chan struct{})
	srv := eventServer(t, func(conn *websocket.Conn) {
		writeRaw(t, conn, `{"type":"workflow_start","workflow_name":"w"}`)
		<-release
	})
	defer close(release)

	s, err := Open(context.Background(), Config{BaseURL: srv.URL}, "run-4")
	require.NoError(t, err)

	ev, ok := <-s.Events()
	require.True(t, ok)
	require.Equal(t, protocol.WorkflowStart{WorkflowName: "w"}, ev)

	s.Close()

	select {
	case _, open := <-s.Events():
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close after cancellation")
	}
}

func TestEndpointURL(t *testing.T) {
	u, err := EndpointURL("http://localhost:8900", "run-9")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8900/api/runs/run-9/events", u)

	u, err = EndpointURL("https://orchestrator.example.com/base", "run-9")
	require.NoError(t, err)
	require.Equal(t, "wss://orchestrator.example.com/base/api/runs/run-9/events", u)

	_, err = EndpointURL("ftp://nope", "run-9")
	require.Error(t, err)
}
