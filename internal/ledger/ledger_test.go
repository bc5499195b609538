package ledger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"zenflow/internal/logging"
	"zenflow/internal/model"
	"zenflow/internal/schedule"
	"zenflow/internal/store/sqlitestore"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func flatAllotment(n int) func(string) int { return func(string) int { return n } }

func setup(t *testing.T, free, paid int, resetAt *time.Time) (*Ledger, *sqlitestore.DB, *schedule.Fake, int64) {
	t.Helper()
	db, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	a := &model.Account{
		Username:       "acct",
		CredentialKind: model.CredentialOAuth,
		AccessToken:    "tok",
		Plan:           "Free",
		FreeTokens:     free,
		PaidTokens:     paid,
		TokensResetAt:  resetAt,
	}
	if err := db.CreateAccount(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	clock := schedule.NewFake(t0)
	return New(db, clock, flatAllotment(100)), db, clock, a.ID
}

func balances(t *testing.T, db *sqlitestore.DB, id int64) (int, int) {
	t.Helper()
	a, err := db.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return a.FreeTokens, a.PaidTokens
}

func TestCommitSpendsFreeBeforePaid(t *testing.T) {
	reset := t0
	l, db, _, id := setup(t, 1, 2, &reset)
	ctx := context.Background()

	r, err := l.Reserve(ctx, id)
	if err != nil || r.Tier != model.TierFree {
		t.Fatalf("reserve: %+v %v", r, err)
	}
	if f, p := balances(t, db, id); f != 1 || p != 2 {
		t.Fatalf("reserve decremented: %d %d", f, p)
	}
	c, err := l.Commit(ctx, r)
	if err != nil || c.Tier != model.TierFree {
		t.Fatalf("commit: %+v %v", c, err)
	}
	if f, p := balances(t, db, id); f != 0 || p != 2 {
		t.Fatalf("after free commit: %d %d", f, p)
	}
	r, _ = l.Reserve(ctx, id)
	c, err = l.Commit(ctx, r)
	if err != nil || c.Tier != model.TierPaid {
		t.Fatalf("paid commit: %+v %v", c, err)
	}
	if f, p := balances(t, db, id); f != 0 || p != 1 {
		t.Fatalf("after paid commit: %d %d", f, p)
	}
}

func TestReserveExhaustedLeavesStateAlone(t *testing.T) {
	reset := t0
	l, db, _, id := setup(t, 0, 0, &reset)
	if _, err := l.Reserve(context.Background(), id); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if _, err := l.Commit(context.Background(), Reservation{AccountID: id, Tier: model.TierFree}); !errors.Is(err, ErrExhausted) {
		t.Fatalf("commit on empty: %v", err)
	}
	if f, p := balances(t, db, id); f != 0 || p != 0 {
		t.Fatalf("balances changed: %d %d", f, p)
	}
}

func TestCommitFallsBackWhenReservedTierDrained(t *testing.T) {
	reset := t0
	l, db, _, id := setup(t, 1, 1, &reset)
	ctx := context.Background()
	r1, _ := l.Reserve(ctx, id)
	r2, _ := l.Reserve(ctx, id)
	if r1.Tier != model.TierFree || r2.Tier != model.TierFree {
		t.Fatalf("both reservations should see free: %v %v", r1, r2)
	}
	if _, err := l.Commit(ctx, r1); err != nil {
		t.Fatal(err)
	}
	c, err := l.Commit(ctx, r2)
	if err != nil || c.Tier != model.TierPaid {
		t.Fatalf("fallback commit: %+v %v", c, err)
	}
	if f, p := balances(t, db, id); f != 0 || p != 0 {
		t.Fatalf("balances: %d %d", f, p)
	}
}

func TestUnsetResetInitializesAllotment(t *testing.T) {
	l, db, _, id := setup(t, 0, 0, nil)
	r, err := l.Reserve(context.Background(), id)
	if err != nil || r.Tier != model.TierFree {
		t.Fatalf("reserve: %+v %v", r, err)
	}
	a, _ := db.GetAccount(context.Background(), id)
	if a.FreeTokens != 100 || a.TokensResetAt == nil || !a.TokensResetAt.Equal(t0) {
		t.Fatalf("reset not persisted: %+v", a)
	}
}

func TestResetIsIdempotentWithinWindow(t *testing.T) {
	l, db, clock, id := setup(t, 0, 5, nil)
	ctx := context.Background()
	r, _ := l.Reserve(ctx, id)
	_, _ = l.Commit(ctx, r)
	if f, _ := balances(t, db, id); f != 99 {
		t.Fatalf("free after first spend: %d", f)
	}

	clock.Advance(ResetPeriod)
	if _, err := l.Reserve(ctx, id); err != nil {
		t.Fatal(err)
	}
	if f, p := balances(t, db, id); f != 99 || p != 5 {
		t.Fatalf("reset within window changed balances: %d %d", f, p)
	}

	clock.Advance(time.Second)
	if _, err := l.Reserve(ctx, id); err != nil {
		t.Fatal(err)
	}
	a, _ := db.GetAccount(ctx, id)
	if a.FreeTokens != 100 || a.PaidTokens != 5 || !a.TokensResetAt.Equal(clock.Now()) {
		t.Fatalf("expected reset after window: %+v", a)
	}
}

func TestConcurrentCommitsNeverOverspend(t *testing.T) {
	reset := t0
	l, db, _, id := setup(t, 2, 1, &reset)
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	charged := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Commit(ctx, Reservation{AccountID: id, Tier: model.TierFree}); err == nil {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if charged != 3 {
		t.Fatalf("charged %d, want 3", charged)
	}
	if f, p := balances(t, db, id); f != 0 || p != 0 {
		t.Fatalf("balances: %d %d", f, p)
	}
}

func TestGrantAddsPaidAndLogs(t *testing.T) {
	reset := t0
	l, db, _, id := setup(t, 0, 0, &reset)
	ctx := context.Background()
	a, err := l.Grant(ctx, id, 50)
	if err != nil || a.PaidTokens != 50 {
		t.Fatalf("grant: %+v %v", a, err)
	}
	if _, err := l.Grant(ctx, id, 0); err == nil {
		t.Fatal("zero grant accepted")
	}
	entries, _ := db.ListActivity(ctx, id, t0.Add(-time.Hour))
	if len(entries) != 1 || entries[0].Action != model.ActionTokensGrant {
		t.Fatalf("activity: %+v", entries)
	}
}

func TestBalanceDoesNotPersistReset(t *testing.T) {
	l, db, _, id := setup(t, 0, 0, nil)
	a, err := l.Balance(context.Background(), id)
	if err != nil || a.FreeTokens != 100 {
		t.Fatalf("balance view: %+v %v", a, err)
	}
	stored, _ := db.GetAccount(context.Background(), id)
	if stored.TokensResetAt != nil {
		t.Fatal("balance view wrote the reset")
	}
}

type brokenActivity struct{ *sqlitestore.DB }

func (brokenActivity) LogActivity(context.Context, model.ActivityEntry) error {
	return errors.New("disk full")
}

func TestGrantKeepsTokensWhenActivityLogFails(t *testing.T) {
	_, db, clock, id := setup(t, 0, 0, nil)
	l := New(brokenActivity{db}, clock, flatAllotment(100))
	var buf bytes.Buffer
	prev := logging.SetOutput(&buf)
	defer logging.SetOutput(prev)

	a, err := l.Grant(context.Background(), id, 10)
	if err != nil || a.PaidTokens != 10 {
		t.Fatalf("grant: %+v %v", a, err)
	}
	if !strings.Contains(buf.String(), "activity_log_failed") || !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("log output %q", buf.String())
	}
}
