package pricing

import (
	"call-billing/internal/apperr"

	"github.com/shopspring/decimal"
)

// Policy prices a call by its duration.
// Amounts are expressed in minor units (cents) using int64.
type Policy struct {
	// RatePerMinuteCents is the price per billed minute.
	RatePerMinuteCents int64 `json:"rate_per_minute_cents"`

	// MinimumBillableSeconds enforces a minimum charge duration.
	MinimumBillableSeconds int64 `json:"minimum_billable_duration_seconds"`

	// RoundUpPartialMinutes bills every started minute as a full one.
	// When false, minutes are rounded to two decimal places.
	RoundUpPartialMinutes bool `json:"round_up_partial_minutes"`
}

// Cost is the result of pricing one call.
type Cost struct {
	BillableSeconds int64
	BilledMinutes   decimal.Decimal
	CostCents       int64
}

var sixty = decimal.NewFromInt(60)

// Validate rejects policies that could produce negative charges.
func (p Policy) Validate() error {
	if p.RatePerMinuteCents < 0 {
		return apperr.Invalid("rate_per_minute_cents must be >= 0, got %d", p.RatePerMinuteCents)
	}
	if p.MinimumBillableSeconds < 0 {
		return apperr.Invalid("minimum_billable_duration_seconds must be >= 0, got %d", p.MinimumBillableSeconds)
	}
	return nil
}

// ComputeCost prices a call of durationSeconds under policy.
//
// A negative duration is rejected rather than clamped.
func ComputeCost(durationSeconds int64, policy Policy) (Cost, error) {
	if durationSeconds < 0 {
		return Cost{}, apperr.Invalid("duration_seconds must be >= 0, got %d", durationSeconds)
	}
	if err := policy.Validate(); err != nil {
		return Cost{}, err
	}

	billable := max(durationSeconds, policy.MinimumBillableSeconds)
	exact := decimal.NewFromInt(billable).Div(sixty)

	var minutes decimal.Decimal
	if policy.RoundUpPartialMinutes {
		minutes = exact.Ceil()
	} else {
		minutes = exact.Round(2)
	}

	cents := minutes.Mul(decimal.NewFromInt(policy.RatePerMinuteCents)).Round(0)

	return Cost{
		BillableSeconds: billable,
		BilledMinutes:   minutes,
		CostCents:       cents.IntPart(),
	}, nil
}

// FormatDollars renders cents as a dollar amount with two decimals ("-0.11").
func FormatDollars(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
