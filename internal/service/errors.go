package service

import (
	"errors"
	"fmt"

	"github.com/Strob0t/MeterForge/internal/domain"
)

var (
	// ErrInvalidFact is returned for facts the ledger cannot key or price.
	ErrInvalidFact = fmt.Errorf("invalid usage fact: %w", domain.ErrValidation)

	// ErrLedgerWriteFailure is returned when a charge could not be persisted.
	ErrLedgerWriteFailure = errors.New("ledger write failed")

	// ErrSubscriberFault wraps a failure inside the billing subscriber.
	ErrSubscriberFault = errors.New("billing subscriber fault")

	// ErrSlowConsumer is reported by a lossy subscription that was evicted
	// for falling behind the pump.
	ErrSlowConsumer = errors.New("subscriber evicted: queue overflow")

	// ErrRelayStarted is returned by Subscribe after Start.
	ErrRelayStarted = errors.New("relay already started")

	// ErrRunFailed wraps an upstream executor failure.
	ErrRunFailed = errors.New("run failed")

	// ErrRunCancelled is returned for a run stopped by Cancel.
	ErrRunCancelled = errors.New("run cancelled")
)
