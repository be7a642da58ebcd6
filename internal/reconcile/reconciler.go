// Package reconcile bills completed calls against user wallets exactly once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-billing/internal/apperr"
	"call-billing/internal/calls"
	"call-billing/internal/pricing"
	"call-billing/internal/wallet"
)

const defaultStorageTimeout = 5 * time.Second

// Ledger is the part of wallet.Service the reconciler needs.
type Ledger interface {
	ApplyEntry(ctx context.Context, userID string, deltaCents int64, reason wallet.Reason, referenceID string) (wallet.ApplyResult, error)
}

// Result summarizes one Run.
type Result struct {
	Scanned     int   `json:"scanned"`
	Billed      int   `json:"billed"`
	Healed      int   `json:"healed"`
	Failed      int   `json:"failed"`
	BilledCents int64 `json:"billed_cents"`
}

type Reconciler struct {
	calls          calls.Store
	ledger         Ledger
	policy         pricing.Policy
	log            *slog.Logger
	storageTimeout time.Duration
}

func New(store calls.Store, ledger Ledger, policy pricing.Policy, log *slog.Logger, storageTimeout time.Duration) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if storageTimeout <= 0 {
		storageTimeout = defaultStorageTimeout
	}
	return &Reconciler{
		calls:          store,
		ledger:         ledger,
		policy:         policy,
		log:            log.With("component", "reconciler"),
		storageTimeout: storageTimeout,
	}
}

// Run bills every unbilled completed call that ended before cutoff.
//
// Per-record failures are logged and counted, and the record stays eligible
// for the next Run. Only a failure of the Unbilled sequence itself is returned.
// Every wait on the sequence is bounded by the storage timeout; a stalled scan
// fails the Run as a storage error.
func (r *Reconciler) Run(ctx context.Context, cutoff time.Time) (Result, error) {
	scanCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	errStalled := fmt.Errorf("unbilled scan idle for %s: %w", r.storageTimeout, context.DeadlineExceeded)
	watchdog := time.AfterFunc(r.storageTimeout, func() { cancel(errStalled) })
	defer watchdog.Stop()

	var res Result
	for rec, err := range r.calls.Unbilled(scanCtx, cutoff) {
		if err != nil {
			if errors.Is(context.Cause(scanCtx), errStalled) {
				return res, apperr.Storage("reconcile.unbilled", errStalled)
			}
			return res, err
		}
		watchdog.Stop()
		res.Scanned++

		healed, cents, err := r.bill(ctx, rec)
		if err != nil {
			res.Failed++
			r.log.Error("bill call failed", "call_id", rec.CallID, "user_id", rec.UserID, "err", err)
		} else if healed {
			res.Healed++
		} else {
			res.Billed++
			res.BilledCents += cents
		}
		watchdog.Reset(r.storageTimeout)
	}
	if res.Scanned > 0 {
		r.log.Info("reconcile finished",
			"scanned", res.Scanned,
			"billed", res.Billed,
			"healed", res.Healed,
			"failed", res.Failed,
			"billed_cents", res.BilledCents,
		)
	}
	return res, nil
}

// bill charges one record. healed is true when the ledger entry already
// existed and only MarkBilled was missing.
func (r *Reconciler) bill(ctx context.Context, rec calls.CallRecord) (healed bool, cents int64, err error) {
	cost, err := pricing.ComputeCost(*rec.DurationSeconds, r.policy)
	if err != nil {
		return false, 0, err
	}

	applyCtx, cancel := context.WithTimeout(ctx, r.storageTimeout)
	res, err := r.ledger.ApplyEntry(applyCtx, rec.UserID, -cost.CostCents, wallet.ReasonCallCost, rec.CallID)
	cancel()
	if err != nil {
		return false, 0, err
	}

	// The amount actually charged is authoritative, even if the policy or the
	// duration changed since.
	charged := -res.Entry.DeltaCents
	if !res.Applied && charged != cost.CostCents {
		r.log.Warn("ledger entry differs from computed cost",
			"call_id", rec.CallID,
			"charged_cents", charged,
			"computed_cents", cost.CostCents,
		)
	}

	markCtx, cancel := context.WithTimeout(ctx, r.storageTimeout)
	err = r.calls.MarkBilled(markCtx, rec.CallID, charged)
	cancel()
	if err != nil {
		// The entry is in place; the next Run heals the flag.
		return false, 0, err
	}

	if !res.Applied {
		r.log.Info("healed billed flag", "call_id", rec.CallID, "cost_cents", charged)
		return true, charged, nil
	}
	r.log.Debug("call billed",
		"call_id", rec.CallID,
		"user_id", rec.UserID,
		"billed_minutes", cost.BilledMinutes.String(),
		"cost_cents", charged,
		"balance_cents", res.BalanceCents,
	)
	return false, charged, nil
}
