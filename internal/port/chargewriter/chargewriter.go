// Package chargewriter defines the capability to persist usage charges.
//
// Importing this package is restricted to the ledger writer, the storage
// adapters that implement it, and cmd wiring. The depguard rule in
// .golangci.yml and TestOnlyLedgerWriterImportsChargewriter enforce this.
package chargewriter

import (
	"context"

	"github.com/Strob0t/MeterForge/internal/domain/ledger"
)

// Recorder persists charge receipts.
type Recorder interface {
	// RecordChargeReceipt inserts the entry and applies the balance delta in
	// one transaction. A receipt whose (SourceSystem, SourceReference) already
	// exists is a no-op and returns wasNew=false.
	RecordChargeReceipt(ctx context.Context, r ledger.Receipt) (wasNew bool, err error)
}
