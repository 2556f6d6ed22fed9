package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MPVAudio plays program audio with one mpv process per track, controlled
// over mpv's JSON IPC socket.
type MPVAudio struct {
	Catalog MediaCatalog
	MPV     string

	// SocketDir holds the per-track IPC sockets; empty means os.TempDir().
	SocketDir string

	// StartTimeout bounds process start plus file load.
	StartTimeout time.Duration

	// ReplyTimeout bounds each acknowledged command.
	ReplyTimeout time.Duration

	Logger *slog.Logger
}

// CheckAudio reports whether program p's audio asset is present.
func (a *MPVAudio) CheckAudio(p Program) error {
	path, err := a.Catalog.AudioPath(p)
	if err != nil {
		return err
	}
	return assetExists(path)
}

// OpenAudio starts an idle, paused mpv, loads the program's audio and waits
// until the file is loaded so the first seek lands.
func (a *MPVAudio) OpenAudio(p Program) (AudioTrack, error) {
	path, err := a.Catalog.AudioPath(p)
	if err != nil {
		return nil, err
	}

	dir := a.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	sock := filepath.Join(dir, "flashloop-mpv-"+uuid.NewString()+".sock")

	bin := a.MPV
	if bin == "" {
		bin = "mpv"
	}
	cmd := exec.Command(bin,
		"--no-video",
		"--idle=yes",
		"--pause",
		"--no-terminal",
		"--really-quiet",
		"--input-ipc-server="+sock,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mpv: %w", err)
	}

	logger := a.Logger
	if logger == nil {
		logger = discardLogger()
	}
	startTimeout := a.StartTimeout
	if startTimeout <= 0 {
		startTimeout = 5 * time.Second
	}
	replyTimeout := a.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = time.Second
	}

	deadline := time.Now().Add(startTimeout)
	conn, err := dialMPV(sock, deadline)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.Remove(sock)
		return nil, fmt.Errorf("connect to mpv for program %d: %w", p, err)
	}

	t := newMPVTrack(conn, replyTimeout, logger.With("program", int(p)))
	t.cmd = cmd
	t.sock = sock

	// Loading after connecting guarantees the file-loaded event reaches us.
	if err := t.command("loadfile", path); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	select {
	case <-t.loaded:
	case <-t.done:
		_ = t.Close()
		return nil, fmt.Errorf("mpv exited before loading %s", path)
	case <-time.After(time.Until(deadline)):
		_ = t.Close()
		return nil, fmt.Errorf("mpv did not load %s within %s", path, startTimeout)
	}

	logger.Debug("audio opened", "program", p, "path", path, "socket", sock)
	return t, nil
}

// dialMPV retries until the IPC socket accepts connections or deadline passes.
func dialMPV(sock string, deadline time.Time) (net.Conn, error) {
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", sock, time.Until(deadline))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timed out")
	}
	return nil, lastErr
}

// mpvRequest is one JSON IPC command line.
type mpvRequest struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id,omitempty"`
}

// mpvMessage is either a reply (request_id set) or an event.
type mpvMessage struct {
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID int64           `json:"request_id,omitempty"`
	Event     string          `json:"event,omitempty"`
}

// mpvTrack is an AudioTrack backed by one mpv process.
type mpvTrack struct {
	conn         net.Conn
	replyTimeout time.Duration
	logger       *slog.Logger

	cmd  *exec.Cmd
	sock string

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan mpvMessage

	loaded     chan struct{}
	loadedOnce sync.Once
	done       chan struct{}

	closeOnce sync.Once
}

func newMPVTrack(conn net.Conn, replyTimeout time.Duration, logger *slog.Logger) *mpvTrack {
	t := &mpvTrack{
		conn:         conn,
		replyTimeout: replyTimeout,
		logger:       logger,
		pending:      make(map[int64]chan mpvMessage),
		loaded:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// readLoop dispatches replies to waiting callers. Events other than
// file-loaded are discarded.
func (t *mpvTrack) readLoop() {
	defer close(t.done)

	scanner := bufio.NewScanner(t.conn)
	for scanner.Scan() {
		var msg mpvMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.logger.Debug("mpv: undecodable message", "error", err)
			continue
		}

		if msg.Event != "" {
			if msg.Event == "file-loaded" {
				t.loadedOnce.Do(func() { close(t.loaded) })
			}
			continue
		}

		if msg.RequestID == 0 {
			if msg.Error != "" && msg.Error != "success" {
				t.logger.Debug("mpv: command failed", "error", msg.Error)
			}
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[msg.RequestID]
		delete(t.pending, msg.RequestID)
		t.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (t *mpvTrack) write(req mpvRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal mpv command: %w", err)
	}
	payload = append(payload, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.replyTimeout))
	if _, err := t.conn.Write(payload); err != nil {
		return fmt.Errorf("write mpv command: %w", err)
	}
	return nil
}

// command sends args and waits for mpv's acknowledgement.
func (t *mpvTrack) command(args ...any) error {
	id := t.nextID.Add(1)
	reply := make(chan mpvMessage, 1)

	t.mu.Lock()
	t.pending[id] = reply
	t.mu.Unlock()

	if err := t.write(mpvRequest{Command: args, RequestID: id}); err != nil {
		t.forget(id)
		return err
	}

	timer := time.NewTimer(t.replyTimeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		if msg.Error != "success" {
			return fmt.Errorf("mpv %v: %s", args[0], msg.Error)
		}
		return nil
	case <-t.done:
		t.forget(id)
		return errors.New("mpv connection closed")
	case <-timer.C:
		t.forget(id)
		return fmt.Errorf("mpv %v: no reply within %s", args[0], t.replyTimeout)
	}
}

func (t *mpvTrack) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Playback commands do not wait for a reply; mpv reports failures
// asynchronously and the read loop logs them.

func (t *mpvTrack) Play() error {
	return t.send("set_property", "pause", false)
}

func (t *mpvTrack) Stop() error {
	return t.send("stop")
}

func (t *mpvTrack) SetVolume(volume int) error {
	return t.send("set_property", "volume", volume)
}

// Seek moves to an absolute position.
func (t *mpvTrack) Seek(offset time.Duration) error {
	return t.send("seek", offset.Seconds(), "absolute")
}

func (t *mpvTrack) send(args ...any) error {
	return t.write(mpvRequest{Command: args})
}

// Close asks mpv to quit, kills it if it lingers, and removes the socket.
func (t *mpvTrack) Close() error {
	t.closeOnce.Do(func() {
		_ = t.write(mpvRequest{Command: []any{"quit"}})
		_ = t.conn.Close()

		if t.cmd != nil && t.cmd.Process != nil {
			exited := make(chan struct{})
			go func() {
				_ = t.cmd.Wait()
				close(exited)
			}()
			select {
			case <-exited:
			case <-time.After(t.replyTimeout):
				_ = t.cmd.Process.Kill()
				<-exited
			}
		}
		if t.sock != "" {
			_ = os.Remove(t.sock)
		}
	})
	return nil
}
