// Package remotegraph implements the executor.GraphExecutor interface for an
// external graph server streaming run events over Server-Sent Events.
package remotegraph

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/port/executor"
)

const (
	backendName = "remotegraph"
	streamPath  = "/runs/stream"

	maxEventSize = 1 << 20
)

// Executor runs graphs on an external server. Usage reported by the server
// is never billed; runs are reconciled against the upstream billing API.
type Executor struct {
	baseURL    string
	adapter    string
	httpClient *http.Client
	buffer     int
}

// New creates an executor for the graph server at baseURL. adapter names the
// server kind and becomes the usage source "external:<adapter>".
func New(baseURL, adapter string, buffer int) *Executor {
	return &Executor{
		baseURL: strings.TrimRight(baseURL, "/"),
		adapter: adapter,
		// No client timeout: streams last as long as the run.
		httpClient: &http.Client{},
		buffer:     buffer,
	}
}

// Name returns "remotegraph".
func (e *Executor) Name() string { return backendName }

// Source returns the external source tag.
func (e *Executor) Source() usage.Source { return usage.ExternalSource(e.adapter) }

// Capabilities reports no inline usage.
func (e *Executor) Capabilities() executor.Capabilities {
	return executor.Capabilities{InlineUsage: false, Cancel: true}
}

type streamRequest struct {
	RunID    string            `json:"run_id"`
	Graph    string            `json:"graph,omitempty"`
	Input    string            `json:"input"`
	Metadata map[string]string `json:"metadata"`
}

// RunGraph opens the event stream. The run id travels in the request
// metadata so upstream LLM calls are tagged for reconciliation.
func (e *Executor) RunGraph(ctx context.Context, req *run.Request) (*executor.Execution, error) {
	md := map[string]string{}
	for k, v := range req.Metadata {
		md[k] = v
	}
	md["run_id"] = req.RunID
	md["billing_account_id"] = req.BillingAccountID

	body, err := json.Marshal(streamRequest{RunID: req.RunID, Graph: req.Graph, Input: req.Input, Metadata: md})
	if err != nil {
		return nil, fmt.Errorf("remotegraph: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remotegraph: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("remotegraph: open stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("remotegraph: stream rejected %d: %s", resp.StatusCode, string(data))
	}

	em, exec := executor.NewExecution(e.buffer)
	go e.pump(ctx, req.RunID, resp.Body, em)
	return exec, nil
}

func (e *Executor) pump(ctx context.Context, runID string, body io.ReadCloser, em *executor.Emitter) {
	defer func() { _ = body.Close() }()

	var out executor.Outcome
	defer func() { em.Finish(out) }()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var (
		eventType string
		data      strings.Builder
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 && eventType == "" {
				continue
			}
			ev, ok := e.translate(ctx, runID, eventType, data.String())
			eventType = ""
			data.Reset()
			if !ok {
				continue
			}
			if err := em.Emit(ctx, ev); err != nil {
				out.Err = err
				return
			}
			switch t := ev.(type) {
			case run.Done:
				out.Output = t.Output
				return
			case run.Error:
				out.Err = fmt.Errorf("remotegraph: %s", t.Message)
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if ctx.Err() != nil {
		out.Err = ctx.Err()
		return
	}
	if err := sc.Err(); err != nil {
		out.Err = fmt.Errorf("remotegraph: read stream: %w", err)
		return
	}
	out.Err = fmt.Errorf("remotegraph: stream ended without a terminal event")
}

// translate maps one SSE message to a run event. Usage reports and unknown
// event types are dropped.
func (e *Executor) translate(ctx context.Context, runID, eventType, data string) (run.Event, bool) {
	if run.Type(eventType) == run.TypeUsageReport {
		slog.DebugContext(ctx, "remotegraph inline usage ignored", "run_id", runID)
		return nil, false
	}
	if data == "" {
		data = "null"
	}
	typ, _ := json.Marshal(eventType)
	env, err := json.Marshal(map[string]json.RawMessage{
		"type":    typ,
		"payload": json.RawMessage(data),
	})
	if err != nil {
		slog.WarnContext(ctx, "remotegraph event malformed", "run_id", runID, "event", eventType, "error", err)
		return nil, false
	}
	ev, err := run.Decode(env)
	if err != nil {
		slog.WarnContext(ctx, "remotegraph event skipped", "run_id", runID, "event", eventType, "error", err)
		return nil, false
	}
	return ev, true
}
