package run

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire form {"type": "...", "payload": {...}}.
type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes ev into its envelope form.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(envelope{Type: ev.Type(), Payload: payload})
}

// Decode parses an envelope. Unknown event types are rejected.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeTextDelta:
		ev, err = decodeAs[TextDelta](env.Payload)
	case TypeToolCallStart:
		ev, err = decodeAs[ToolCallStart](env.Payload)
	case TypeToolCallResult:
		ev, err = decodeAs[ToolCallResult](env.Payload)
	case TypeUsageReport:
		ev, err = decodeAs[UsageReport](env.Payload)
	case TypeDone:
		ev, err = decodeAs[Done](env.Payload)
	case TypeError:
		ev, err = decodeAs[Error](env.Payload)
	default:
		return nil, fmt.Errorf("decode: unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](payload json.RawMessage) (Event, error) {
	var v T
	if len(payload) == 0 || string(payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
