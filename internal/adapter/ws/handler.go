// Package ws streams run events to UI clients over WebSocket.
//
// A client opens /ws/runs and sends a start message. The server answers with
// run_started, forwards every run event as a {"type","payload"} envelope and
// finishes with run_report. Closing the socket detaches the UI subscriber
// only; the run and its billing continue. A cancel message stops the run.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/service"
)

// Client and server message types outside the run event union.
const (
	TypeStart      = "start"
	TypeCancel     = "cancel"
	TypeRunStarted = "run_started"
	TypeRunReport  = "run_report"
	TypeError      = "error"
)

const (
	startTimeout = 10 * time.Second
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RunStarter launches runs. *service.RunService satisfies it.
type RunStarter interface {
	Start(ctx context.Context, req *run.Request, opts service.StartOptions) (*service.RunHandle, error)
}

type runStarted struct {
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

type runReport struct {
	RunID  string             `json:"run_id"`
	Report *service.RunReport `json:"report,omitempty"`
	Error  string             `json:"error,omitempty"`
	UIErr  string             `json:"ui_error,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Handler serves the run stream endpoint.
type Handler struct {
	runs RunStarter
}

// NewHandler creates a run stream handler.
func NewHandler(runs RunStarter) *Handler {
	return &Handler{runs: runs}
}

// ServeHTTP upgrades the connection and drives one run.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	defer func() { _ = c.CloseNow() }()
	c.SetReadLimit(readLimit)

	ctx := r.Context()
	req, err := readStart(ctx, c)
	if err != nil {
		_ = writeMessage(ctx, c, TypeError, errorPayload{Error: err.Error()})
		_ = c.Close(websocket.StatusPolicyViolation, "expected start message")
		return
	}

	handle, err := h.runs.Start(ctx, req, service.StartOptions{WithUI: true})
	if err != nil {
		_ = writeMessage(ctx, c, TypeError, errorPayload{Error: err.Error()})
		_ = c.Close(websocket.StatusPolicyViolation, "run rejected")
		return
	}
	if err := writeMessage(ctx, c, TypeRunStarted, runStarted{RunID: handle.RunID, Attempt: req.Attempt}); err != nil {
		handle.CancelUI()
		return
	}
	slog.InfoContext(ctx, "websocket run stream opened", "run_id", handle.RunID, "remote", r.RemoteAddr)

	go h.readLoop(ctx, c, handle)

	for ev := range handle.Events() {
		data, err := run.Encode(ev)
		if err != nil {
			slog.ErrorContext(ctx, "encode run event", "run_id", handle.RunID, "error", err)
			continue
		}
		if err := write(ctx, c, data); err != nil {
			slog.InfoContext(ctx, "websocket run stream closed by client", "run_id", handle.RunID, "error", err)
			handle.CancelUI()
			return
		}
	}

	report, runErr := handle.Wait(ctx)
	if report == nil && runErr != nil && ctx.Err() != nil {
		return
	}
	out := runReport{RunID: handle.RunID, Report: report}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	if uiErr := handle.UIErr(); uiErr != nil {
		out.UIErr = uiErr.Error()
	}
	if err := writeMessage(ctx, c, TypeRunReport, out); err != nil {
		return
	}
	_ = c.Close(websocket.StatusNormalClosure, "")
}

// readLoop watches for client messages until the socket closes. A closed
// socket detaches the UI subscriber; a cancel message stops the run.
func (h *Handler) readLoop(ctx context.Context, c *websocket.Conn, handle *service.RunHandle) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			handle.CancelUI()
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == TypeCancel {
			slog.InfoContext(ctx, "run cancelled by websocket client", "run_id", handle.RunID)
			handle.Cancel()
		}
	}
}

func readStart(ctx context.Context, c *websocket.Conn) (*run.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	_, data, err := c.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.New("invalid message")
	}
	if msg.Type != TypeStart {
		return nil, errors.New("first message must be start")
	}
	var req run.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, errors.New("invalid start payload")
	}
	return &req, nil
}

func writeMessage(ctx context.Context, c *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Message{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	return write(ctx, c, data)
}

func write(ctx context.Context, c *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}
