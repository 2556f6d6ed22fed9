package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// flashloop-ctl - Command-line IPC Client
// ============================================================================
// This tool overrides the person count of a running flashloop daemon.
//
// Usage:
//   flashloop-ctl up
//   flashloop-ctl down
//   flashloop-ctl set 3
//   flashloop-ctl key 103
//   flashloop-ctl status
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/flashloop.sock)
// ============================================================================

// Action types (duplicated from main package for standalone binary)
type Action interface{}

type Increment struct{}

type Decrement struct{}

type SetCount struct {
	Count int `json:"count"`
}

type KeyPress struct {
	Code int `json:"code"`
}

// statusRequest asks the daemon for its current state.
type statusRequest struct{}

// ActionEnvelope wraps actions for JSON
type ActionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

func main() {
	socketPath := "/tmp/flashloop.sock"

	// Parse arguments
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Check for -socket flag
	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Parse command
	var action Action

	switch args[0] {
	case "up", "increment", "+":
		action = Increment{}

	case "down", "decrement", "-":
		action = Decrement{}

	case "set":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: set requires a count (0-5)\n")
			os.Exit(1)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n > 5 {
			fmt.Fprintf(os.Stderr, "error: invalid count %q (must be 0-5)\n", args[1])
			os.Exit(1)
		}
		action = SetCount{Count: n}

	case "key":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: key requires a key code\n")
			os.Exit(1)
		}
		code, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid key code: %v\n", err)
			os.Exit(1)
		}
		action = KeyPress{Code: code}

	case "status":
		action = statusRequest{}

	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	// Send action
	resp, err := sendAction(socketPath, action)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(resp.State) > 0 {
		var state map[string]any
		if err := json.Unmarshal(resp.State, &state); err == nil {
			pretty, _ := json.MarshalIndent(state, "", "  ")
			fmt.Printf("%s\n", pretty)
			return
		}
		fmt.Printf("%s\n", resp.State)
		return
	}

	fmt.Println("ok")
}

func sendAction(socketPath string, action Action) (IPCResponse, error) {
	// Connect to socket
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Marshal action
	data, err := marshalAction(action)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal action: %w", err)
	}

	// Send action (line-delimited JSON)
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send action: %w", err)
	}

	// Read response
	var response IPCResponse
	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(&response); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}

	// Check response status
	if response.Status == "error" {
		return response, fmt.Errorf("daemon error: %s", response.Error)
	}

	return response, nil
}

func marshalAction(action Action) ([]byte, error) {
	var env ActionEnvelope

	switch a := action.(type) {
	case Increment:
		env.Type = "increment"

	case Decrement:
		env.Type = "decrement"

	case SetCount:
		env.Type = "set_count"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal SetCount: %w", err)
		}
		env.Data = data

	case KeyPress:
		env.Type = "key"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal KeyPress: %w", err)
		}
		env.Data = data

	case statusRequest:
		env.Type = "status"

	default:
		return nil, fmt.Errorf("unknown action type: %T", action)
	}

	return json.Marshal(env)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `flashloop-ctl - Override the person count of a running flashloop daemon

Usage:
  flashloop-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/flashloop.sock)

Commands:
  up, increment, +        One more person
  down, decrement, -      One person fewer
  set <n>                 Set the count directly (0-5)
  key <code>              Send a raw key code through the daemon's keymap
  status                  Print the daemon's current state
  help, -h, --help        Show this help message

Examples:
  flashloop-ctl set 3
  flashloop-ctl status
  flashloop-ctl -socket /run/flashloop.sock up
`)
}
