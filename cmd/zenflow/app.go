package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"zenflow/internal/auth"
	"zenflow/internal/config"
	"zenflow/internal/engage"
	"zenflow/internal/igclient"
	"zenflow/internal/jobs"
	"zenflow/internal/ledger"
	"zenflow/internal/logging"
	"zenflow/internal/model"
	"zenflow/internal/notify"
	"zenflow/internal/proxy"
	"zenflow/internal/schedule"
	"zenflow/internal/server"
	"zenflow/internal/store"
	"zenflow/internal/store/pgstore"
	"zenflow/internal/store/sqlitestore"
	"zenflow/internal/vault"
)

// app is the wired engine shared by the subcommands.
type app struct {
	cfg    config.Config
	store  store.Store
	vault  *vault.Vault
	graph  *igclient.GraphClient
	auth   *auth.Manager
	ledger *ledger.Ledger
	engine *engage.Engine
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		db, err := sqlitestore.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v, err := vault.New(cfg.Vault.MasterSecret)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	seed := time.Now().UnixNano()
	proxies, err := proxy.Load(cfg.Proxies.File, rand.New(rand.NewSource(seed)))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	logging.Info("proxies_loaded", map[string]any{"count": proxies.Len()})

	graph := igclient.NewGraphClient(cfg.Instagram)
	mgr := auth.NewManager(auth.Options{
		Graph:   graph,
		Mobile:  igclient.NewMobileClient(cfg.Instagram),
		Vault:   v,
		Store:   st,
		Proxies: proxies,
		Clock:   schedule.System,
		Rand:    rand.New(rand.NewSource(seed + 1)),
		Policy: auth.Policy{
			MaxRetries: cfg.Auth.MaxRetries,
			MinDelay:   cfg.Auth.MinDelay,
			MaxDelay:   cfg.Auth.MaxDelay,
			RetryPause: cfg.Auth.RetryPause,
		},
	})
	l := ledger.New(st, schedule.System, cfg.Allotment)
	return &app{
		cfg:    cfg,
		store:  st,
		vault:  v,
		graph:  graph,
		auth:   mgr,
		ledger: l,
		engine: engage.NewEngine(st, l, engage.Responder{Timeout: cfg.Instagram.HTTPTimeout}, schedule.System),
	}, nil
}

func (a *app) Close() error { return a.store.Close() }

func (a *app) runner() *jobs.Runner {
	n, err := notify.FromConfig(a.cfg.Notify.TelegramToken, a.cfg.Notify.TelegramChatID)
	if err != nil {
		logging.Warn("notifier_disabled", map[string]any{"error": err.Error()})
		n = notify.Nop{}
	}
	return jobs.NewRunner(jobs.Options{
		Store:          a.store,
		Auth:           a.auth,
		Engine:         a.engine,
		Notifier:       n,
		MediaLimit:     a.cfg.Poll.MediaLimit,
		AccountTimeout: a.cfg.Poll.AccountTimeout,
	})
}

func (a *app) server() *server.Server {
	return server.New(server.Options{
		Store:       a.store,
		Ledger:      a.ledger,
		Engine:      a.engine,
		Auth:        a.auth,
		VerifyToken: a.cfg.Webhook.VerifyToken,
		AppSecret:   a.cfg.Instagram.AppSecret,
		JWTSecret:   a.cfg.Admin.JWTSecret,
		MediaCap:    a.cfg.MediaCap,
	})
}

func (a *app) loginForLink(ctx context.Context, username, password, code string) (igclient.Session, *auth.Failure) {
	if code != "" {
		return a.auth.LoginWithCode(ctx, username, password, code)
	}
	return a.auth.Login(ctx, username, password)
}

// upsertAccount stores fresh credentials on the account matching acct by IG
// user id or username, or creates it with a full free allotment.
func (a *app) upsertAccount(ctx context.Context, acct model.Account, creds store.Credentials, plan string) (int64, bool, error) {
	existing, err := a.store.GetAccountByIGUserID(ctx, acct.IGUserID)
	if errors.Is(err, store.ErrNotFound) {
		existing, err = a.store.GetAccountByUsername(ctx, acct.Username)
	}
	switch {
	case err == nil:
		_, err := a.store.UpdateAccount(ctx, existing.ID, func(x *model.Account) error {
			creds.Apply(x)
			x.Username = acct.Username
			if acct.IGUserID != "" {
				x.IGUserID = acct.IGUserID
			}
			return nil
		})
		return existing.ID, false, err
	case !errors.Is(err, store.ErrNotFound):
		return 0, false, err
	}
	now := time.Now().UTC()
	acct.Plan = plan
	acct.FreeTokens = a.cfg.Allotment(plan)
	acct.TokensResetAt = &now
	creds.Apply(&acct)
	if err := a.store.CreateAccount(ctx, &acct); err != nil {
		return 0, false, err
	}
	return acct.ID, true, nil
}
