package run

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Strob0t/MeterForge/internal/domain/usage"
)

// Type identifies the kind of run event.
type Type string

const (
	TypeTextDelta      Type = "text_delta"
	TypeToolCallStart  Type = "tool_call_start"
	TypeToolCallResult Type = "tool_call_result"
	TypeUsageReport    Type = "usage_report"
	TypeDone           Type = "done"
	TypeError          Type = "error"
)

// Event is the closed set of events an executor may emit. Usage is carried
// only by UsageReport.
type Event interface {
	Type() Type
	sealed()
}

// TextDelta is a chunk of model output text.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolCallStart announces a tool invocation.
type ToolCallStart struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolCallResult carries the outcome of a tool invocation.
type ToolCallResult struct {
	CallID  string          `json:"call_id"`
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// UsageReport carries one billable fact.
type UsageReport struct {
	Fact usage.Fact `json:"fact"`
}

// Done is the terminal success event.
type Done struct {
	Output string `json:"output,omitempty"`
}

// Error is the terminal failure event.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (TextDelta) Type() Type      { return TypeTextDelta }
func (ToolCallStart) Type() Type  { return TypeToolCallStart }
func (ToolCallResult) Type() Type { return TypeToolCallResult }
func (UsageReport) Type() Type    { return TypeUsageReport }
func (Done) Type() Type           { return TypeDone }
func (Error) Type() Type          { return TypeError }

func (TextDelta) sealed()      {}
func (ToolCallStart) sealed()  {}
func (ToolCallResult) sealed() {}
func (UsageReport) sealed()    {}
func (Done) sealed()           {}
func (Error) sealed()          {}

// ErrInvalidEvent is returned by Normalize for nil events.
var ErrInvalidEvent = errors.New("run: invalid event")

// Normalize returns ev as its value variant. Pointer variants satisfy Event
// too; they are dereferenced here so consumers only switch on values.
func Normalize(ev Event) (Event, error) {
	switch e := ev.(type) {
	case TextDelta, ToolCallStart, ToolCallResult, UsageReport, Done, Error:
		return e, nil
	case *TextDelta:
		return deref(e)
	case *ToolCallStart:
		return deref(e)
	case *ToolCallResult:
		return deref(e)
	case *UsageReport:
		return deref(e)
	case *Done:
		return deref(e)
	case *Error:
		return deref(e)
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidEvent)
	}
	return nil, fmt.Errorf("%w: %T", ErrInvalidEvent, ev)
}

func deref[T Event](p *T) (Event, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil %T", ErrInvalidEvent, p)
	}
	return *p, nil
}

// IsTerminal reports whether ev ends the stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Done, *Done, Error, *Error:
		return true
	}
	return false
}
