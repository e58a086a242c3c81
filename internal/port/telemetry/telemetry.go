// Package telemetry defines the optional sink for commit observations.
package telemetry

import (
	"context"
	"time"
)

// CommitEvent describes one ledger commit, new or duplicate.
type CommitEvent struct {
	RunID           string    `json:"run_id"`
	SourceSystem    string    `json:"source_system"`
	SourceReference string    `json:"source_reference"`
	ChargedCredits  int64     `json:"charged_credits"`
	WasNew          bool      `json:"was_new"`
	At              time.Time `json:"at"`
}

// Sink receives commit events. Implementations must not block and must not
// report errors; a dropped event never changes the commit outcome.
type Sink interface {
	CommitObserved(ctx context.Context, ev CommitEvent)
}

// Nop discards every event.
type Nop struct{}

// CommitObserved implements Sink.
func (Nop) CommitObserved(context.Context, CommitEvent) {}
