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
// Protocol: line-delimited JSON
//   - Client sends: {"type": "set_volume", "data": {"volume": 40}}
//   - Server responds: {"status": "ok", "volume": 40} or {"status": "error", "error": "msg"}
// ============================================================================

// IPC command types.
const (
	ipcSetVolume    = "set_volume"
	ipcAdjustVolume = "adjust_volume"
	ipcStep         = "step"
	ipcGetVolume    = "get_volume"
	ipcStatus       = "status"
	ipcReload       = "reload"
)

// IPCRequest is one command line.
type IPCRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse is the reply to one command.
type IPCResponse struct {
	Status string `json:"status"` // "ok" or "error"
	Error  string `json:"error,omitempty"`
	Volume *int   `json:"volume,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type ipcVolumeData struct {
	Volume  float64 `json:"volume"`
	ShowBar bool    `json:"show_bar"`
}

type ipcAdjustData struct {
	Delta   float64 `json:"delta"`
	ShowBar bool    `json:"show_bar"`
}

type ipcStepData struct {
	Steps   int  `json:"steps"`
	Fine    bool `json:"fine"`
	ShowBar bool `json:"show_bar"`
}

type ipcReloadData struct {
	Section string `json:"section"`
}

// runIPCServer serves the unix socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, coord controller, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}
		go handleIPCConnection(ctx, conn, coord, logger)
	}
}

func handleIPCConnection(ctx context.Context, conn net.Conn, coord controller, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := dispatchIPC(ctx, coord, []byte(line))
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}
}

// dispatchIPC executes one command line against coord.
func dispatchIPC(ctx context.Context, coord controller, line []byte) IPCResponse {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return ipcError(fmt.Errorf("parse request: %w", err))
	}

	decode := func(v any) error {
		if len(req.Data) == 0 {
			return fmt.Errorf("%s: missing data", req.Type)
		}
		if err := json.Unmarshal(req.Data, v); err != nil {
			return fmt.Errorf("%s: parse data: %w", req.Type, err)
		}
		return nil
	}

	var err error
	var data any
	switch req.Type {
	case ipcSetVolume:
		var d ipcVolumeData
		if err = decode(&d); err == nil {
			err = coord.SetDisplayVolume(ctx, d.Volume, d.ShowBar)
		}
	case ipcAdjustVolume:
		var d ipcAdjustData
		if err = decode(&d); err == nil {
			err = coord.AdjustDisplayVolume(ctx, d.Delta, d.ShowBar)
		}
	case ipcStep:
		var d ipcStepData
		if err = decode(&d); err == nil {
			err = coord.Step(ctx, d.Steps, d.Fine, d.ShowBar)
		}
	case ipcGetVolume:
	case ipcStatus:
		data = coord.Status()
	case ipcReload:
		var d ipcReloadData
		if err = decode(&d); err == nil {
			data, err = reloadSection(ctx, coord, d.Section)
		}
	default:
		err = fmt.Errorf("unknown command %q", req.Type)
	}
	if err != nil {
		return ipcError(err)
	}

	v := coord.DisplayVolume()
	return IPCResponse{Status: "ok", Volume: &v, Data: data}
}

func ipcError(err error) IPCResponse {
	return IPCResponse{Status: "error", Error: err.Error()}
}

// SendIPCRequest sends one command to the daemon and returns its reply.
func SendIPCRequest(socketPath string, req IPCRequest, timeout time.Duration) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
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
