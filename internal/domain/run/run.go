// Package run defines graph run requests, results and the event union
// executors emit while a run is in flight.
package run

import (
	"errors"

	"github.com/Strob0t/MeterForge/internal/domain/usage"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request describes one run submitted to an executor.
type Request struct {
	RunID            string            `json:"run_id"`
	Attempt          int               `json:"attempt"`
	Executor         string            `json:"executor"`
	BillingAccountID string            `json:"billing_account_id"`
	VirtualKeyID     string            `json:"virtual_key_id,omitempty"`
	Graph            string            `json:"graph,omitempty"`
	Input            string            `json:"input"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Validate checks that required fields are present.
func (r *Request) Validate() error {
	if r.RunID == "" {
		return errors.New("run_id is required")
	}
	if r.BillingAccountID == "" {
		return errors.New("billing_account_id is required")
	}
	if r.Attempt != 0 {
		return errors.New("attempt must be 0")
	}
	return nil
}

// Result is the outcome of a finished run as observed by the relay.
type Result struct {
	RunID  string       `json:"run_id"`
	Status Status       `json:"status"`
	Output string       `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
	Events int          `json:"events"`
	Usage  usage.Totals `json:"usage"`
}
