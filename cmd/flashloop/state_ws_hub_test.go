package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// NOTE: The hub tests focus on fanout and slow-client handling without
// standing up a real websocket server. Clients are built with a nil
// websocket.Conn; the hub guards every conn.Close() against nil.

// newTestHub returns a hub with small buffers for deterministic tests.
func newTestHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	return NewHub(slog.Default(), cfg)
}

func newTestClient(hub *Hub, name string, sendBuf int) *Client {
	return &Client{
		hub:        hub,
		conn:       nil,
		send:       make(chan []byte, sendBuf),
		remoteAddr: name,
		logger:     slog.Default(),
	}
}

func runHub(t *testing.T, hub *Hub) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	return func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout waiting for hub to stop")
		}
	}
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, HubConfig{SendBuf: 4, BroadcastBuf: 8})
	stop := runHub(t, hub)
	defer stop()

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("ClientCount() = %d, want 2", got)
	}

	msg := []byte(`{"type":"count_changed","data":{"count":3}}`)

	// Avoid BroadcastBytes() here because it is intentionally non-blocking and may
	// drop if the hub broadcast queue is temporarily full during scheduling.
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, string(got), string(msg))
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, HubConfig{SendBuf: 1, BroadcastBuf: 8})
	stop := runHub(t, hub)
	defer stop()

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	// Pre-fill slow client buffer to simulate it being stuck.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"transition_started","data":{"from":1,"to":2}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", string(got), string(msg))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	// Drain the pre-filled message, then expect the channel to be closed.
	select {
	case <-slow.send:
	default:
	}

	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")
}

func TestHub_SkipSlowKeepsClient(t *testing.T) {
	hub := newTestHub(t, HubConfig{Name: "preview", SendBuf: 1, BroadcastBuf: 8, Binary: true, SkipSlow: true})
	stop := runHub(t, hub)
	defer stop()

	viewer := newTestClient(hub, "viewer", 1)
	registerClient(t, hub, viewer)

	hub.broadcast <- []byte("frame-1")
	hub.broadcast <- []byte("frame-2")

	waitUntil(t, 500*time.Millisecond, func() bool { return len(hub.broadcast) == 0 }, "broadcasts not processed")
	// Give the hub a moment to finish fanning out the last frame.
	time.Sleep(20 * time.Millisecond)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("ClientCount() = %d, want slow preview client kept", got)
	}
	select {
	case got := <-viewer.send:
		if string(got) != "frame-1" {
			t.Errorf("viewer got %q, want frame-1 (frame-2 skipped)", got)
		}
	default:
		t.Fatalf("viewer received nothing")
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	stop := runHub(t, hub)

	c := newTestClient(hub, "c", 1)
	registerClient(t, hub, c)
	stop()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected message after shutdown")
		}
	default:
		t.Fatalf("send channel not closed on shutdown")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d after shutdown, want 0", got)
	}
}

func TestConvertBroadcast(t *testing.T) {
	tests := []struct {
		name     string
		in       StateBroadcast
		wantType string
		wantData string
	}{
		{"count", BroadcastCountChanged{Count: 3}, "count_changed", `{"count":3}`},
		{"started", BroadcastTransitionStarted{ID: "a", From: 1, To: 2, Ordinal: 40}, "transition_started", `{"id":"a","from":1,"to":2,"ordinal":40}`},
		{"finished", BroadcastTransitionFinished{ID: "a", Program: 2}, "transition_finished", `{"id":"a","program":2}`},
		{"looped", BroadcastProgramLooped{Program: 5}, "program_looped", `{"program":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := convertBroadcast(tt.in)
			if !ok {
				t.Fatalf("convertBroadcast(%T) not converted", tt.in)
			}
			if ev.Type != tt.wantType {
				t.Errorf("type = %q, want %q", ev.Type, tt.wantType)
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.wantData {
				t.Errorf("data = %s, want %s", data, tt.wantData)
			}
		})
	}
}

func TestRunBroadcaster_PublishesEnvelope(t *testing.T) {
	hub := newTestHub(t, HubConfig{SendBuf: 4, BroadcastBuf: 8})
	stop := runHub(t, hub)
	defer stop()

	c := newTestClient(hub, "c", 4)
	registerClient(t, hub, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := make(chan StateBroadcast, 1)
	go RunBroadcaster(ctx, hub, src, slog.Default())

	src <- BroadcastCountChanged{Count: 4}

	select {
	case got := <-c.send:
		var env struct {
			Type string          `json:"type"`
			Ts   *time.Time      `json:"ts"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(got, &env); err != nil {
			t.Fatalf("unmarshal %s: %v", got, err)
		}
		if env.Type != "count_changed" || string(env.Data) != `{"count":4}` || env.Ts == nil {
			t.Errorf("envelope = %s", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for broadcast")
	}
}

func TestServer_StateInitOnConnect(t *testing.T) {
	status := NewStatusBoard()
	status.Set(Status{Count: 2, Program: 2, Phase: "idle", Ordinal: 17})

	srv := NewServer(slog.Default(), status, ServerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.StateHub().Run(ctx)
	go srv.PreviewHub().Run(ctx)

	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/state"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Errorf("message type = %d, want text", mt)
	}

	var env struct {
		Type string `json:"type"`
		Data Status `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if env.Type != "state_init" || env.Data.Count != 2 || env.Data.Ordinal != 17 {
		t.Errorf("state_init = %s", data)
	}
}

func TestServer_ViewerPage(t *testing.T) {
	srv := NewServer(slog.Default(), nil, ServerConfig{})
	mux := http.NewServeMux()
	srv.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/ws/preview") {
		t.Errorf("GET / = %d, body missing preview socket", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", rec.Code)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
