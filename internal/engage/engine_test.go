package engage

import (
	"context"
	"errors"
	"testing"
	"time"

	"zenflow/internal/igclient"
	"zenflow/internal/igclient/igtest"
	"zenflow/internal/ledger"
	"zenflow/internal/model"
	"zenflow/internal/schedule"
	"zenflow/internal/store/sqlitestore"
)

type fixture struct {
	db     *sqlitestore.DB
	engine *Engine
	acct   model.Account
	rule   model.AutomationRule
}

func newFixture(t *testing.T, free, paid int) fixture {
	t.Helper()
	db, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	reset := now.Add(-24 * time.Hour)
	a := &model.Account{
		Username:       "brand",
		CredentialKind: model.CredentialOAuth,
		AccessToken:    "tok",
		Plan:           "Free",
		FreeTokens:     free,
		PaidTokens:     paid,
		TokensResetAt:  &reset,
	}
	ctx := context.Background()
	if err := db.CreateAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	rule, _ := db.GetRule(ctx, a.ID)
	clock := schedule.NewFake(now)
	l := ledger.New(db, clock, func(string) int { return 4000 })
	return fixture{db: db, engine: NewEngine(db, l, Responder{}, clock), acct: *a, rule: rule}
}

func (f fixture) balances(t *testing.T) (int, int) {
	t.Helper()
	a, err := f.db.GetAccount(context.Background(), f.acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	return a.FreeTokens, a.PaidTokens
}

func mention(id, text string) model.MentionEvent {
	return model.MentionEvent{Kind: model.EventComment, SourcePostID: "m1", CommentID: id, Commenter: "fan", Text: text}
}

func TestPaidTierReplyEndToEnd(t *testing.T) {
	f := newFixture(t, 0, 1)
	s := &igtest.Session{ID: "ig1"}
	out, err := f.engine.HandleEvent(context.Background(), f.acct, f.rule, s, mention("c1", "please GROW me"))
	if err != nil || out != OutcomeReplied {
		t.Fatalf("outcome %s err %v", out, err)
	}
	if free, paid := f.balances(t); free != 0 || paid != 0 {
		t.Fatalf("balances %d %d", free, paid)
	}
	posts := s.Posts()
	want := "Hey! Thanks for commenting. Here is the link you requested: https://zenflow.agency/demo"
	if len(posts) != 1 || posts[0].MediaID != "m1" || posts[0].Text != want {
		t.Fatalf("posts %+v", posts)
	}
}

func TestPostFailureIsNotCharged(t *testing.T) {
	f := newFixture(t, 0, 1)
	s := &igtest.Session{PostErr: &igclient.Error{Kind: igclient.KindTransient, Err: errors.New("connection reset")}}
	out, err := f.engine.HandleEvent(context.Background(), f.acct, f.rule, s, mention("c1", "please GROW me"))
	var pf *PostFailure
	if out != OutcomePostFailed || !errors.As(err, &pf) {
		t.Fatalf("outcome %s err %v", out, err)
	}
	if free, paid := f.balances(t); free != 0 || paid != 1 {
		t.Fatalf("charged for undelivered reply: %d %d", free, paid)
	}
	if seen, _ := f.db.WasReplied(context.Background(), f.acct.ID, "c1"); seen {
		t.Fatal("failed reply marked as replied")
	}
}

func TestExhaustedSkipsWithoutPosting(t *testing.T) {
	f := newFixture(t, 0, 0)
	s := &igtest.Session{}
	out, err := f.engine.HandleEvent(context.Background(), f.acct, f.rule, s, mention("c1", "GROW"))
	if err != nil || out != OutcomeExhausted || len(s.Posts()) != 0 {
		t.Fatalf("outcome %s err %v posts %d", out, err, len(s.Posts()))
	}
}

func TestDuplicateCommentAnsweredOnce(t *testing.T) {
	f := newFixture(t, 5, 0)
	s := &igtest.Session{}
	ctx := context.Background()
	if out, _ := f.engine.HandleEvent(ctx, f.acct, f.rule, s, mention("c1", "grow")); out != OutcomeReplied {
		t.Fatalf("first: %s", out)
	}
	if out, _ := f.engine.HandleEvent(ctx, f.acct, f.rule, s, mention("c1", "grow")); out != OutcomeDuplicate {
		t.Fatalf("second: %s", out)
	}
	if free, _ := f.balances(t); free != 4 {
		t.Fatalf("free %d", free)
	}
}

func TestNoMatchAndSelfCommentsAreIgnored(t *testing.T) {
	f := newFixture(t, 5, 0)
	s := &igtest.Session{}
	ctx := context.Background()
	if out, _ := f.engine.HandleEvent(ctx, f.acct, f.rule, s, mention("c1", "nice pic")); out != OutcomeNoMatch {
		t.Fatalf("no match: %s", out)
	}
	own := mention("c2", "GROW")
	own.Commenter = "Brand"
	if out, _ := f.engine.HandleEvent(ctx, f.acct, f.rule, s, own); out != OutcomeSkipped {
		t.Fatalf("own comment: %s", out)
	}
	inactive := f.rule
	inactive.Active = false
	if out, _ := f.engine.HandleEvent(ctx, f.acct, inactive, s, mention("c3", "GROW")); out != OutcomeNoMatch {
		t.Fatalf("inactive: %s", out)
	}
	if len(s.Posts()) != 0 {
		t.Fatal("posted on ignored events")
	}
}

func TestReplyIsLogged(t *testing.T) {
	f := newFixture(t, 5, 0)
	ctx := context.Background()
	_, _ = f.engine.HandleEvent(ctx, f.acct, f.rule, &igtest.Session{}, mention("c1", "grow"))
	entries, err := f.db.ListActivity(ctx, f.acct.ID, time.Time{})
	if err != nil || len(entries) != 1 || entries[0].Action != model.ActionReplied {
		t.Fatalf("activity %+v %v", entries, err)
	}
}

func TestFilterActiveMediaKeepsPinnedPosts(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()
	evs := []model.MentionEvent{mention("c1", "GROW"), {Kind: model.EventComment, SourcePostID: "m2", CommentID: "c2", Text: "GROW"}}
	got, err := f.engine.FilterActiveMedia(ctx, f.acct.ID, evs)
	if err != nil || len(got) != 2 {
		t.Fatalf("no pins should keep all: %+v %v", got, err)
	}
	if err := f.db.ActivateMedia(ctx, f.acct.ID, "m2", 1); err != nil {
		t.Fatal(err)
	}
	got, err = f.engine.FilterActiveMedia(ctx, f.acct.ID, evs)
	if err != nil || len(got) != 1 || got[0].CommentID != "c2" {
		t.Fatalf("filtered %+v %v", got, err)
	}
	if len(evs) != 2 || evs[0].CommentID != "c1" {
		t.Fatalf("input mutated: %+v", evs)
	}
}
