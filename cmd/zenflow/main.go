package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"zenflow/internal/analytics"
	"zenflow/internal/auth"
	"zenflow/internal/cmdlog"
	"zenflow/internal/config"
	"zenflow/internal/logging"
	"zenflow/internal/model"
	"zenflow/internal/server"
	"zenflow/internal/store"
	"zenflow/internal/theme"
)

const defaultConfigPath = "./zenflow.yaml"

func main() {
	_ = godotenv.Load()
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	commands := map[string]func([]string) error{
		"init":        cmdInit,
		"run":         cmdRun,
		"once":        cmdOnce,
		"link":        cmdLink,
		"unlink":      cmdUnlink,
		"grant":       cmdGrant,
		"rule":        cmdRule,
		"media":       cmdMedia,
		"status":      cmdStatus,
		"admin-token": cmdAdminToken,
	}
	f, ok := commands[cmd]
	if !ok {
		printHelp()
		return
	}
	if err := cmdlog.Run(cmd, func() error { return f(os.Args[2:]) }); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printHelp() {
	theme.PrintBanner(os.Stdout, os.Getenv("NO_COLOR") != "")
	fmt.Println("Usage: zenflow <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init         Write a config file to ./zenflow.yaml")
	fmt.Println("  run          Poll accounts on an interval and serve webhooks")
	fmt.Println("  once         Run a single automation pass")
	fmt.Println("  link         Connect an account by OAuth token or username/password")
	fmt.Println("  unlink       Remove an account and its history")
	fmt.Println("  grant        Add paid tokens to an account")
	fmt.Println("  rule         Show or change an account's wake word rule")
	fmt.Println("  media        List, pin or unpin the posts an account automates")
	fmt.Println("  status       Balances and hourly activity of an account")
	fmt.Println("  admin-token  Print a bearer token for the admin API")
}

func loadApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", defaultConfigPath, "path to write config")
	_ = fs.Parse(args)
	if err := config.Save(*path, config.Default()); err != nil {
		return err
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner(os.Stdout, os.Getenv("NO_COLOR") != "")
	fmt.Println("Config written to:", abs)
	fmt.Println("Set ZENFLOW_MASTER_SECRET before linking accounts.")
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	_ = fs.Parse(args)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := loadApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if addr := a.cfg.Server.Addr; addr != "" {
		go func() {
			if err := a.server().ListenAndServe(ctx, addr); err != nil {
				logging.Error("http_stopped", map[string]any{"error": err.Error()})
			}
		}()
	}
	err = a.runner().Run(ctx, a.cfg.Poll.Interval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdOnce(args []string) error {
	fs := flag.NewFlagSet("once", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := loadApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	stats, err := a.runner().RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("accounts=%d failed=%d events=%d\n", stats.Accounts, stats.Failed, stats.Events)
	for out, n := range stats.Outcomes {
		fmt.Printf("  %-12s %d\n", out, n)
	}
	return nil
}

func cmdLink(args []string) error {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	token := fs.String("token", "", "Instagram access token (OAuth)")
	exchange := fs.Bool("exchange", false, "exchange a short-lived token for a long-lived one")
	username := fs.String("username", "", "Instagram username (direct login)")
	password := fs.String("password", "", "Instagram password; defaults to $ZENFLOW_IG_PASSWORD")
	code := fs.String("code", "", "two-factor code")
	plan := fs.String("plan", config.DefaultPlan, "subscription plan")
	_ = fs.Parse(args)

	ctx := context.Background()
	a, err := loadApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if _, ok := a.cfg.Plans[*plan]; !ok {
		return fmt.Errorf("unknown plan %q", *plan)
	}

	var acct model.Account
	var creds store.Credentials
	switch {
	case *token != "":
		tok := *token
		var exp *time.Time
		if *exchange {
			t, err := a.graph.ExchangeToken(ctx, tok)
			if err != nil {
				return fmt.Errorf("exchange token: %w", err)
			}
			tok, exp = t.AccessToken, &t.ExpiresAt
		}
		p, err := a.graph.GetProfile(ctx, tok)
		if err != nil {
			return fmt.Errorf("fetch profile: %w", err)
		}
		acct = model.Account{Username: p.Username, IGUserID: p.ID}
		creds = store.Credentials{Kind: model.CredentialOAuth, AccessToken: tok, ExpiresAt: exp}
	case *username != "":
		pw := *password
		if pw == "" {
			pw = os.Getenv("ZENFLOW_IG_PASSWORD")
		}
		if pw == "" {
			return errors.New("password is required for direct login")
		}
		sess, f := a.loginForLink(ctx, *username, pw, *code)
		if f != nil {
			if f.Kind == auth.TwoFactorRequired {
				return errors.New("two-factor code required; rerun with -code")
			}
			return f
		}
		ct, err := a.vault.Encrypt(pw)
		if err != nil {
			return err
		}
		acct = model.Account{Username: *username, IGUserID: sess.UserID()}
		creds = store.Credentials{Kind: model.CredentialPassword, EncryptedPassword: ct}
	default:
		return errors.New("either -token or -username is required")
	}

	id, created, err := a.upsertAccount(ctx, acct, creds, *plan)
	if err != nil {
		return err
	}
	verb := "updated"
	if created {
		verb = "linked"
	}
	fmt.Printf("%s @%s as account %d (%s)\n", verb, acct.Username, id, creds.Kind)
	return nil
}

func cmdUnlink(args []string) error {
	fs := flag.NewFlagSet("unlink", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	id := fs.Int64("account", 0, "account id")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := loadApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.store.DeleteAccount(ctx, *id); err != nil {
		return err
	}
	fmt.Printf("account %d removed\n", *id)
	return nil
}

func cmdGrant(args []string) error {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	id := fs.Int64("account", 0, "account id")
	tokens := fs.Int("tokens", 0, "paid tokens to add")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := loadApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	acct, err := a.ledger.Grant(ctx, *id, *tokens)
	if err != nil {
		return err
	}
	fmt.Printf("@%s free=%d paid=%d\n", acct.Username, acct.FreeTokens, acct.PaidTokens)
	return nil
}

func cmdRule(args []string) error {
	fs := flag.NewFlagSet("rule", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	id := fs.Int64("account", 0, "account id")
	wake := fs.String("wake", "", "wake word")
	script := fs.String("script", "", "reply script; {link} is replaced by the link")
	link := fs.String("link", "", "link inserted into the script")
	active := fs.Bool("active", true, "whether the rule is active")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := loadApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.store.GetAccount(ctx, *id); err != nil {
		return err
	}
	rule, err := a.store.GetRule(ctx, *id)
	if errors.Is(err, store.ErrNotFound) {
		rule = model.DefaultRule(*id)
	} else if err != nil {
		return err
	}
	changed := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "wake":
			rule.WakeWord, changed = *wake, true
		case "script":
			rule.Script, changed = *script, true
		case "link":
			rule.Link, changed = *link, true
		case "active":
			rule.Active, changed = *active, true
		}
	})
	if changed {
		rule.Normalize()
		if err := a.store.SaveRule(ctx, rule); err != nil {
			return err
		}
	}
	fmt.Printf("wake=%q active=%t link=%s\nscript: %s\n", rule.WakeWord, rule.Active, rule.Link, rule.Script)
	return nil
}

func cmdMedia(args []string) error {
	fs := flag.NewFlagSet("media", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	id := fs.Int64("account", 0, "account id")
	pin := fs.String("pin", "", "media id to automate")
	unpin := fs.String("unpin", "", "media id to stop automating")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := loadApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	acct, err := a.store.GetAccount(ctx, *id)
	if err != nil {
		return err
	}
	limit := a.cfg.MediaCap(acct.Plan)
	if *pin != "" {
		if err := a.store.ActivateMedia(ctx, acct.ID, *pin, limit); errors.Is(err, store.ErrMediaLimit) {
			return fmt.Errorf("plan %s allows %d active posts", acct.Plan, limit)
		} else if err != nil {
			return err
		}
	}
	if *unpin != "" {
		if err := a.store.DeactivateMedia(ctx, acct.ID, *unpin); err != nil {
			return err
		}
	}
	ids, err := a.store.ListActiveMedia(ctx, acct.ID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Printf("@%s: all recent posts (limit %d)\n", acct.Username, limit)
		return nil
	}
	fmt.Printf("@%s: %d/%d active\n", acct.Username, len(ids), limit)
	for _, m := range ids {
		fmt.Println(" ", m)
	}
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	id := fs.Int64("account", 0, "account id")
	window := fs.Duration("window", 24*time.Hour, "activity window")
	_ = fs.Parse(args)
	ctx := context.Background()
	a, err := loadApp(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	acct, err := a.ledger.Balance(ctx, *id)
	if err != nil {
		return err
	}
	conn := "disconnected"
	if acct.HasCredential() {
		conn = "connected (" + string(acct.CredentialKind) + ")"
	}
	if acct.NeedsReconnect {
		conn = "paused, re-connect required (" + string(acct.CredentialKind) + ")"
	}
	fmt.Printf("@%s %s plan=%s free=%d paid=%d\n", acct.Username, conn, acct.Plan, acct.FreeTokens, acct.PaidTokens)

	entries, err := a.store.ListActivity(ctx, *id, time.Now().Add(-*window))
	if err != nil {
		return err
	}
	b := analytics.HourlyActivity(entries)
	for _, k := range analytics.SortedBucketKeys(b) {
		parts := make([]string, 0, len(b[k]))
		for action, n := range b[k] {
			parts = append(parts, fmt.Sprintf("%s=%d", action, n))
		}
		fmt.Printf("%s %s\n", k.Format("2006-01-02 15:00"), strings.Join(parts, " "))
	}
	return nil
}

func cmdAdminToken(args []string) error {
	fs := flag.NewFlagSet("admin-token", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	tok, err := server.IssueAdminToken(cfg.Admin.JWTSecret, time.Now(), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
