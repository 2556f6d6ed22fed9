package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// WebSocket feeds: hub + per-client pumps + broadcaster
// ============================================================================
//
// Two feeds share this machinery:
//   - state: JSON text frames with an envelope {type, ts, data}. The first
//     message on connect is "state_init" carrying the latest Status.
//   - preview: binary JPEG frames from the preview presenter.
//
// Slow state clients are disconnected when their send buffer fills. Slow
// preview clients just miss frames.
//
// ============================================================================

// wsCountChangedData is the `data` payload for "count_changed".
type wsCountChangedData struct {
	Count int `json:"count"`
}

// wsTransitionStartedData is the `data` payload for "transition_started".
type wsTransitionStartedData struct {
	ID      string  `json:"id"`
	From    Program `json:"from"`
	To      Program `json:"to"`
	Ordinal int     `json:"ordinal"`
}

// wsTransitionFinishedData is the `data` payload for "transition_finished".
type wsTransitionFinishedData struct {
	ID      string  `json:"id"`
	Program Program `json:"program"`
}

// wsProgramLoopedData is the `data` payload for "program_looped".
type wsProgramLoopedData struct {
	Program Program `json:"program"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	name   string
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf     int
	messageType int
	skipSlow    bool
}

type HubConfig struct {
	// Name tags log lines ("state", "preview").
	Name string

	// SendBuf is the per-client outbound queue size.
	// If zero, a conservative default is used.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	// If zero, a conservative default is used.
	BroadcastBuf int

	// Binary sends frames as binary messages instead of text.
	Binary bool

	// SkipSlow makes a full client queue drop the message for that client
	// instead of disconnecting it.
	SkipSlow bool
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}
	msgType := websocket.TextMessage
	if cfg.Binary {
		msgType = websocket.BinaryMessage
	}
	name := cfg.Name
	if name == "" {
		name = "state"
	}

	return &Hub{
		name:        name,
		logger:      logger.With("feed", name),
		broadcast:   make(chan []byte, bcastBuf),
		register:    make(chan *Client, 64),
		unregister:  make(chan *Client, 64),
		clients:     make(map[*Client]struct{}),
		sendBuf:     sendBuf,
		messageType: msgType,
		skipSlow:    cfg.SkipSlow,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					if !h.skipSlow {
						slow = append(slow, c)
					}
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		safeCloseChan(c.send)

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		if h.skipSlow {
			h.logger.Debug("ws hub broadcast queue full, dropping message", "bytes", len(msg))
			return
		}
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait = 5 * time.Second

	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) messageType() int {
	if c.hub == nil {
		return websocket.TextMessage
	}
	return c.hub.messageType
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(c.messageType(), msg); err != nil {
				c.logExit("write error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("ping error", err)
				return
			}
		}
	}
}

func (c *Client) logExit(what string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws pump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws pump exiting ("+what+")", "remote_addr", c.remoteAddr, "error", err)
}

// readPump reads and discards incoming messages to detect disconnects and handle control frames.
// It exits on read error, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("read error", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP Handler + server wiring helpers
// ============================================================================

type Server struct {
	logger *slog.Logger

	state   *Hub
	preview *Hub

	// status backs the state_init message.
	status *StatusBoard
}

type ServerConfig struct {
	State   HubConfig
	Preview HubConfig
}

// NewServer constructs both feeds. Call Register on a mux, start Run(ctx)
// on each hub and start the broadcaster loop.
func NewServer(logger *slog.Logger, status *StatusBoard, cfg ServerConfig) *Server {
	stateCfg := cfg.State
	stateCfg.Name = "state"
	previewCfg := cfg.Preview
	previewCfg.Name = "preview"
	previewCfg.Binary = true
	previewCfg.SkipSlow = true
	if previewCfg.SendBuf <= 0 {
		previewCfg.SendBuf = 2
	}
	if previewCfg.BroadcastBuf <= 0 {
		previewCfg.BroadcastBuf = 2
	}

	return &Server{
		logger:  logger,
		state:   NewHub(logger, stateCfg),
		preview: NewHub(logger, previewCfg),
		status:  status,
	}
}

func (s *Server) StateHub() *Hub   { return s.state }
func (s *Server) PreviewHub() *Hub { return s.preview }

// Register registers the WS handlers and the viewer page on the provided mux.
func (s *Server) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/ws/state", s.handleStateWS)
	mux.HandleFunc("/ws/preview", s.handlePreviewWS)
	mux.HandleFunc("/", s.handleViewer)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	client := s.accept(w, r, s.state)
	if client == nil {
		return
	}

	var st Status
	if s.status != nil {
		st = s.status.Get()
	}
	now := time.Now().UTC()
	initMsg, err := json.Marshal(envelope{Type: "state_init", Ts: &now, Data: st})
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		return
	}

	// Enqueue init message; if client is already slow, disconnect.
	select {
	case client.send <- initMsg:
	default:
		s.state.unregister <- client
	}
}

func (s *Server) handlePreviewWS(w http.ResponseWriter, r *http.Request) {
	s.accept(w, r, s.preview)
}

// accept upgrades the request and starts the client's pumps.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, hub *Hub) *Client {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return nil
	}

	client := NewClient(hub, conn, r.RemoteAddr, hub.logger)

	// Register client first so broadcasts can reach it.
	hub.register <- client

	// The pumps must outlive the handler, so they do not use r.Context().
	go client.writePump(context.Background())
	go client.readPump(context.Background())
	return client
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(viewerPage))
}

// viewerPage shows the preview feed and the latest state event.
const viewerPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>flashloop</title>
<style>body{background:#111;color:#ccc;font-family:monospace;margin:0}img{display:block;max-width:100vw}</style>
</head>
<body>
<img id="frame" alt="">
<pre id="state"></pre>
<script>
const base = (location.protocol === "https:" ? "wss://" : "ws://") + location.host;
const img = document.getElementById("frame");
const preview = new WebSocket(base + "/ws/preview");
preview.binaryType = "blob";
let last = null;
preview.onmessage = (ev) => {
  const url = URL.createObjectURL(ev.data);
  img.src = url;
  if (last) URL.revokeObjectURL(last);
  last = url;
};
const state = new WebSocket(base + "/ws/state");
state.onmessage = (ev) => { document.getElementById("state").textContent = ev.data; };
</script>
</body>
</html>
`

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads StateBroadcast events from the playback loop,
// marshals them, and broadcasts them to all state clients. Intended to run
// as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case b, ok := <-src:
			if !ok {
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				// Unknown broadcasts are dropped.
				continue
			}

			ts := time.Now().UTC()
			msg, err := json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
			if err != nil {
				logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
				continue
			}

			hub.BroadcastBytes(msg)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastCountChanged:
		return wsOutboundEvent{
			Type: "count_changed",
			Data: wsCountChangedData{Count: ev.Count},
		}, true

	case BroadcastTransitionStarted:
		return wsOutboundEvent{
			Type: "transition_started",
			Data: wsTransitionStartedData{ID: ev.ID, From: ev.From, To: ev.To, Ordinal: ev.Ordinal},
		}, true

	case BroadcastTransitionFinished:
		return wsOutboundEvent{
			Type: "transition_finished",
			Data: wsTransitionFinishedData{ID: ev.ID, Program: ev.Program},
		}, true

	case BroadcastProgramLooped:
		return wsOutboundEvent{
			Type: "program_looped",
			Data: wsProgramLoopedData{Program: ev.Program},
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
