package sqlitestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"zenflow/internal/model"
	"zenflow/internal/store"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func oauthAccount(name string) *model.Account {
	exp := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return &model.Account{
		Username:       name,
		IGUserID:       "ig-" + name,
		CredentialKind: model.CredentialOAuth,
		AccessToken:    "tok-" + name,
		TokenExpiresAt: &exp,
		Plan:           "Free",
		FreeTokens:     10,
	}
}

func TestCreateAccountAttachesDefaultRule(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	a := oauthAccount("ann")
	if err := db.CreateAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	if a.ID == 0 {
		t.Fatal("id not set")
	}
	got, err := db.GetAccountByIGUserID(ctx, "ig-ann")
	if err != nil || got.AccessToken != "tok-ann" || got.TokenExpiresAt == nil || !got.TokenExpiresAt.Equal(*a.TokenExpiresAt) {
		t.Fatalf("roundtrip: %+v %v", got, err)
	}
	r, err := db.GetRule(ctx, a.ID)
	if err != nil || r.WakeWord != "GROW" || !r.Active || r.Link != model.DefaultLink {
		t.Fatalf("default rule: %+v %v", r, err)
	}
}

func TestCreateAccountRejectsMixedCredentials(t *testing.T) {
	db := openTest(t)
	a := oauthAccount("bob")
	a.EncryptedPassword = "zf1:x"
	var inv model.ErrInvalidAccount
	if err := db.CreateAccount(context.Background(), a); !errors.As(err, &inv) {
		t.Fatalf("expected invalid account, got %v", err)
	}
}

func TestListAutomatableSkipsAccountsWithoutCredential(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	_ = db.CreateAccount(ctx, oauthAccount("a1"))
	_ = db.CreateAccount(ctx, &model.Account{Username: "bare", Plan: "Free"})
	_ = db.CreateAccount(ctx, &model.Account{Username: "pw", CredentialKind: model.CredentialPassword, EncryptedPassword: "zf1:abc", Plan: "Free"})
	list, err := db.ListAutomatable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Username != "a1" || list[1].Username != "pw" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestReconnectFlagHidesAccountUntilCredentialsChange(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	a := oauthAccount("parked")
	_ = db.CreateAccount(ctx, a)
	_ = db.CreateAccount(ctx, oauthAccount("live"))
	if _, err := db.UpdateAccount(ctx, a.ID, func(acc *model.Account) error { acc.NeedsReconnect = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetAccount(ctx, a.ID); !got.NeedsReconnect {
		t.Fatalf("flag not persisted: %+v", got)
	}
	list, err := db.ListAutomatable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Username != "live" {
		t.Fatalf("flagged account listed: %+v", list)
	}
	if err := db.UpdateCredentials(ctx, a.ID, store.Credentials{Kind: model.CredentialOAuth, AccessToken: "tok-new"}); err != nil {
		t.Fatal(err)
	}
	list, _ = db.ListAutomatable(ctx)
	if len(list) != 2 || list[0].Username != "parked" || list[0].NeedsReconnect {
		t.Fatalf("relinked account missing: %+v", list)
	}
}

func TestUpdateAccountAbortsOnCallbackError(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	a := oauthAccount("c")
	_ = db.CreateAccount(ctx, a)
	boom := errors.New("boom")
	_, err := db.UpdateAccount(ctx, a.ID, func(acc *model.Account) error {
		acc.FreeTokens = 0
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := db.GetAccount(ctx, a.ID)
	if got.FreeTokens != 10 {
		t.Fatalf("aborted update persisted: %d", got.FreeTokens)
	}
	if _, err := db.UpdateAccount(ctx, a.ID, func(acc *model.Account) error { acc.PaidTokens = -1; return nil }); err == nil {
		t.Fatal("negative balance accepted")
	}
}

func TestUpdateCredentialsSwitchesKind(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	a := oauthAccount("d")
	_ = db.CreateAccount(ctx, a)
	if err := db.UpdateCredentials(ctx, a.ID, store.Credentials{Kind: model.CredentialPassword, EncryptedPassword: "zf1:pw"}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetAccount(ctx, a.ID)
	if got.AccessToken != "" || got.TokenExpiresAt != nil || got.EncryptedPassword != "zf1:pw" {
		t.Fatalf("credentials not replaced: %+v", got)
	}
}

func TestRepliedAndActivity(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	a := oauthAccount("e")
	_ = db.CreateAccount(ctx, a)
	now := time.Now().UTC()
	if ok, _ := db.WasReplied(ctx, a.ID, "c1"); ok {
		t.Fatal("fresh comment marked")
	}
	_ = db.MarkReplied(ctx, a.ID, "c1", now)
	if err := db.MarkReplied(ctx, a.ID, "c1", now); err != nil {
		t.Fatalf("second mark must be idempotent: %v", err)
	}
	if ok, _ := db.WasReplied(ctx, a.ID, "c1"); !ok {
		t.Fatal("mark lost")
	}
	_ = db.LogActivity(ctx, model.ActivityEntry{AccountID: a.ID, Action: model.ActionReplied, Details: "c1", Timestamp: now.Add(-2 * time.Hour)})
	_ = db.LogActivity(ctx, model.ActivityEntry{AccountID: a.ID, Action: model.ActionReplied, Details: "c2", Timestamp: now})
	entries, err := db.ListActivity(ctx, a.ID, now.Add(-time.Hour))
	if err != nil || len(entries) != 1 || entries[0].Details != "c2" {
		t.Fatalf("activity: %+v %v", entries, err)
	}
}

func TestSaveRuleNormalizesAndDeleteCascades(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	a := oauthAccount("f")
	_ = db.CreateAccount(ctx, a)
	if err := db.SaveRule(ctx, model.AutomationRule{AccountID: a.ID, WakeWord: "  promo ", Script: "x {link}", Link: "l", Active: true}); err != nil {
		t.Fatal(err)
	}
	r, _ := db.GetRule(ctx, a.ID)
	if r.WakeWord != "PROMO" {
		t.Fatalf("wake word not normalized: %q", r.WakeWord)
	}
	if err := db.SaveRule(ctx, model.AutomationRule{AccountID: a.ID, Active: true}); err == nil {
		t.Fatal("empty wake word accepted on active rule")
	}
	if err := db.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetRule(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rule survived delete: %v", err)
	}
	if err := db.DeleteAccount(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestActiveMediaRespectsLimit(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	a := oauthAccount("pins")
	_ = db.CreateAccount(ctx, a)
	if ids, err := db.ListActiveMedia(ctx, a.ID); err != nil || len(ids) != 0 {
		t.Fatalf("fresh account has active media: %v %v", ids, err)
	}
	for _, m := range []string{"m1", "m2", "m1"} {
		if err := db.ActivateMedia(ctx, a.ID, m, 2); err != nil {
			t.Fatalf("activate %s: %v", m, err)
		}
	}
	if err := db.ActivateMedia(ctx, a.ID, "m3", 2); !errors.Is(err, store.ErrMediaLimit) {
		t.Fatalf("expected media limit, got %v", err)
	}
	if err := db.DeactivateMedia(ctx, a.ID, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeactivateMedia(ctx, a.ID, "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := db.ActivateMedia(ctx, a.ID, "m3", 2); err != nil {
		t.Fatal(err)
	}
	ids, err := db.ListActiveMedia(ctx, a.ID)
	if err != nil || len(ids) != 2 {
		t.Fatalf("active media %v %v", ids, err)
	}
	if err := db.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if ids, _ := db.ListActiveMedia(ctx, a.ID); len(ids) != 0 {
		t.Fatalf("active media survived delete: %v", ids)
	}
}
