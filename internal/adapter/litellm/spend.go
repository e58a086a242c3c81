package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Strob0t/MeterForge/internal/domain/money"
	"github.com/Strob0t/MeterForge/internal/port/usageapi"
)

// ListUsage returns the spend logs of identityKey (the LiteLLM user id)
// since the given time. Costs are parsed from the JSON text so no float
// rounding happens on the way to the ledger.
func (c *Client) ListUsage(ctx context.Context, identityKey string, since time.Time) ([]usageapi.Record, error) {
	data, err := c.get(ctx, spendLogsPath(identityKey, since, c.now()))
	if err != nil {
		return nil, fmt.Errorf("list spend logs: %w", err)
	}

	logs, err := decodeSpendLogs(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal spend logs: %w", err)
	}

	records := make([]usageapi.Record, 0, len(logs))
	for _, raw := range logs {
		rec, err := toRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("spend log %v: %w", raw["request_id"], err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeSpendLogs accepts both the bare array and the {"data": [...]}
// envelope returned by newer proxies.
func decodeSpendLogs(data []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Data []map[string]any `json:"data"`
		}
		if err := dec.Decode(&wrapped); err != nil {
			return nil, err
		}
		return wrapped.Data, nil
	}

	var logs []map[string]any
	if err := dec.Decode(&logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func toRecord(raw map[string]any) (usageapi.Record, error) {
	rec := usageapi.Record{
		CallID:   stringField(raw, "request_id"),
		Provider: stringField(raw, "custom_llm_provider"),
		Model:    stringField(raw, "model"),
		Metadata: map[string]any{},
		Raw:      raw,
	}
	rec.InputTokens = intField(raw, "prompt_tokens")
	rec.OutputTokens = intField(raw, "completion_tokens")

	if n, ok := raw["spend"].(json.Number); ok {
		cost, err := money.New(n.String())
		if err != nil {
			return usageapi.Record{}, fmt.Errorf("spend: %w", err)
		}
		rec.CostUSD = &cost
	}

	if s := stringField(raw, "startTime"); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			rec.StartedAt = t
		}
	}

	// Request metadata forwarded by the caller lands under
	// spend_logs_metadata on recent proxies and under metadata on older ones.
	for _, key := range []string{"metadata", "spend_logs_metadata"} {
		if m, ok := raw[key].(map[string]any); ok {
			for k, v := range m {
				rec.Metadata[k] = v
			}
		}
	}
	return rec, nil
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func intField(raw map[string]any, key string) *int64 {
	n, ok := raw[key].(json.Number)
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
