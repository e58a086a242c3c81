// Package messagequeue is the transport port between the billing core and
// out-of-process graph workers.
package messagequeue

import "context"

// Subjects of the sandbox run protocol. Start and cancel flow from the core
// to a worker; events flow back on a per-run subject.
const (
	SubjectRunStart  = "runs.start"
	SubjectRunCancel = "runs.cancel"
	SubjectRunEvent  = "runs.event"
)

// RunEventSubject is the subject carrying the event envelopes of one run.
func RunEventSubject(runID string) string {
	return SubjectRunEvent + "." + runID
}

// Handler consumes one delivery. A request id published with the message is
// restored on ctx. A non-nil error asks the transport to redeliver.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes and consumes run protocol messages.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe consumes subject until the returned stop func is called.
	Subscribe(ctx context.Context, subject string, handler Handler) (stop func(), err error)
	// Drain finishes in-flight deliveries and then closes.
	Drain() error
	Close() error
	IsConnected() bool
}
