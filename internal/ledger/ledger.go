// Package ledger spends the per-account token budget: free allotment first,
// then purchased credits, with a lazy rolling 30-day reset of the free tier.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zenflow/internal/logging"
	"zenflow/internal/model"
	"zenflow/internal/schedule"
	"zenflow/internal/store"
)

const ResetPeriod = 30 * 24 * time.Hour

// ErrExhausted means both balances are zero. It is a business outcome, not a fault.
var ErrExhausted = errors.New("ledger: tokens exhausted")

// Reservation names the tier an attempt expects to spend from.
type Reservation struct {
	AccountID int64
	Tier      model.Tier
}

type Ledger struct {
	store     store.Store
	clock     schedule.Clock
	allotment func(plan string) int
}

// New builds a ledger. allotment maps a plan name to its monthly free tokens.
func New(st store.Store, clock schedule.Clock, allotment func(plan string) int) *Ledger {
	if clock == nil {
		clock = schedule.System
	}
	return &Ledger{store: st, clock: clock, allotment: allotment}
}

// applyReset refreshes the free tier when due and reports whether it did.
func applyReset(a *model.Account, now time.Time, allotment int) bool {
	if a.TokensResetAt == nil || now.Sub(*a.TokensResetAt) > ResetPeriod {
		t := now
		a.TokensResetAt = &t
		a.FreeTokens = allotment
		return true
	}
	return false
}

func pickTier(a model.Account) (model.Tier, bool) {
	switch {
	case a.FreeTokens > 0:
		return model.TierFree, true
	case a.PaidTokens > 0:
		return model.TierPaid, true
	}
	return "", false
}

// Reserve applies a due reset and selects a tier. It never decrements.
func (l *Ledger) Reserve(ctx context.Context, accountID int64) (Reservation, error) {
	var tier model.Tier
	var ok bool
	_, err := l.store.UpdateAccount(ctx, accountID, func(a *model.Account) error {
		applyReset(a, l.clock.Now(), l.allotment(a.Plan))
		tier, ok = pickTier(*a)
		return nil
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve for account %d: %w", accountID, err)
	}
	if !ok {
		return Reservation{}, ErrExhausted
	}
	return Reservation{AccountID: accountID, Tier: tier}, nil
}

// Commit spends one token in the same transaction as any due reset. The tier
// is chosen again against the locked row, free before paid, and returned.
func (l *Ledger) Commit(ctx context.Context, r Reservation) (Reservation, error) {
	var charged model.Tier
	_, err := l.store.UpdateAccount(ctx, r.AccountID, func(a *model.Account) error {
		applyReset(a, l.clock.Now(), l.allotment(a.Plan))
		tier, ok := pickTier(*a)
		if !ok {
			return ErrExhausted
		}
		if tier == model.TierFree {
			a.FreeTokens--
		} else {
			a.PaidTokens--
		}
		charged = tier
		return nil
	})
	if errors.Is(err, ErrExhausted) {
		return r, ErrExhausted
	}
	if err != nil {
		return r, fmt.Errorf("commit for account %d: %w", r.AccountID, err)
	}
	return Reservation{AccountID: r.AccountID, Tier: charged}, nil
}

// Release abandons a reservation. Nothing was decremented, so there is nothing to undo.
func (l *Ledger) Release(ctx context.Context, r Reservation) {}

// Grant adds purchased tokens to the paid tier.
func (l *Ledger) Grant(ctx context.Context, accountID int64, n int) (model.Account, error) {
	if n <= 0 {
		return model.Account{}, fmt.Errorf("grant must be positive, got %d", n)
	}
	a, err := l.store.UpdateAccount(ctx, accountID, func(a *model.Account) error {
		a.PaidTokens += n
		return nil
	})
	if err != nil {
		return a, err
	}
	// The grant is committed; a lost activity row must not undo it.
	if err := l.store.LogActivity(ctx, model.ActivityEntry{
		AccountID: accountID,
		Action:    model.ActionTokensGrant,
		Details:   fmt.Sprintf("%d paid tokens", n),
		Timestamp: l.clock.Now(),
	}); err != nil {
		logging.Error("activity_log_failed", map[string]any{"account_id": accountID, "action": string(model.ActionTokensGrant), "error": err.Error()})
	}
	return a, nil
}

// Balance returns the account as the next access would see it, without writing.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (model.Account, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return a, err
	}
	applyReset(&a, l.clock.Now(), l.allotment(a.Plan))
	return a, nil
}
