package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The IPC server lets operators override the count from a shell or script
// while the installation is running.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "increment"} / {"type": "set_count", "data": {"count": 3}}
//     or {"type": "status"}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"};
//     status requests also carry "state".
// ============================================================================

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string  `json:"status"`          // "ok" or "error"
	Error  string  `json:"error,omitempty"` // error message if status == "error"
	State  *Status `json:"state,omitempty"` // set for status requests
}

// ipcStatusType is the request type that reads the status board instead of
// queueing an action.
const ipcStatusType = "status"

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, actions chan<- Action, status *StatusBoard, logger *slog.Logger) error {
	socketPath = ExpandPath(socketPath)

	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(conn, actions, status, logger)
	}
}

// handleIPCConnection serves one client until it disconnects.
func handleIPCConnection(conn net.Conn, actions chan<- Action, status *StatusBoard, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("IPC received", "line", line)

		response := handleIPCRequest([]byte(line), actions, status)
		if err := encoder.Encode(response); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

func handleIPCRequest(line []byte, actions chan<- Action, status *StatusBoard) IPCResponse {
	var env ActionEnvelope
	if err := json.Unmarshal(line, &env); err == nil && env.Type == ipcStatusType {
		if status == nil {
			return IPCResponse{Status: "error", Error: "status unavailable"}
		}
		st := status.Get()
		return IPCResponse{Status: "ok", State: &st}
	}

	a, err := UnmarshalAction(line)
	if err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse action: %v", err)}
	}

	select {
	case actions <- a:
		return IPCResponse{Status: "ok"}
	default:
		return IPCResponse{Status: "error", Error: "action queue full"}
	}
}

// ============================================================================
// IPC Client Utility Functions
// ============================================================================

// SendIPCAction sends an action to the daemon and waits for the acknowledgement.
func SendIPCAction(socketPath string, a Action) error {
	data, err := MarshalAction(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	_, err = roundTripIPC(socketPath, data)
	return err
}

// QueryIPCStatus fetches the daemon's current status.
func QueryIPCStatus(socketPath string) (Status, error) {
	data, err := json.Marshal(ActionEnvelope{Type: ipcStatusType})
	if err != nil {
		return Status{}, err
	}
	resp, err := roundTripIPC(socketPath, data)
	if err != nil {
		return Status{}, err
	}
	if resp.State == nil {
		return Status{}, errors.New("ipc error: empty status")
	}
	return *resp.State, nil
}

func roundTripIPC(socketPath string, data []byte) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", ExpandPath(socketPath), 2*time.Second)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(data))); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("ipc error: %s", resp.Error)
	}
	return resp, nil
}
