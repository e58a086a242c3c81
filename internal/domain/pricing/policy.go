// Package pricing converts provider USD cost into ledger credits.
package pricing

import (
	"errors"
	"fmt"

	"github.com/Strob0t/MeterForge/internal/domain/money"
)

// ErrNegativeCost is returned for a cost below zero.
var ErrNegativeCost = errors.New("pricing: cost must not be negative")

// Policy holds the conversion parameters. Both are non-negative.
type Policy struct {
	Markup        money.Decimal
	CreditsPerUSD money.Decimal
}

// NewPolicy parses the decimal strings used in configuration.
func NewPolicy(markup, creditsPerUSD string) (Policy, error) {
	m, err := money.New(markup)
	if err != nil {
		return Policy{}, fmt.Errorf("markup: %w", err)
	}
	c, err := money.New(creditsPerUSD)
	if err != nil {
		return Policy{}, fmt.Errorf("credits per usd: %w", err)
	}
	if m.IsNegative() || c.IsNegative() {
		return Policy{}, errors.New("pricing: markup and credits per usd must not be negative")
	}
	return Policy{Markup: m, CreditsPerUSD: c}, nil
}

// Charge returns ceil(cost * markup * creditsPerUSD).
// A nil cost is charged as zero.
func (p Policy) Charge(cost *money.Decimal) (int64, error) {
	if cost == nil {
		return 0, nil
	}
	if cost.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrNegativeCost, cost)
	}
	credits, err := cost.Mul(p.Markup).Mul(p.CreditsPerUSD).CeilInt64()
	if err != nil {
		return 0, fmt.Errorf("pricing: %w", err)
	}
	return credits, nil
}
