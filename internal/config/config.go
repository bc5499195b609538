package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model.
// It captures platform credentials, polling cadence, auth retry policy,
// plan allotments, and where state lives.
type Config struct {
	Instagram InstagramConfig       `yaml:"instagram"`
	Vault     VaultConfig           `yaml:"vault"`
	Webhook   WebhookConfig         `yaml:"webhook"`
	Proxies   ProxyConfig           `yaml:"proxies"`
	Poll      PollConfig            `yaml:"poll"`
	Auth      AuthConfig            `yaml:"auth"`
	Plans     map[string]PlanConfig `yaml:"plans"`
	Storage   StorageConfig         `yaml:"storage"`
	Server    ServerConfig          `yaml:"server"`
	Admin     AdminConfig           `yaml:"admin"`
	Notify    NotifyConfig          `yaml:"notify"`
}

type InstagramConfig struct {
	// Meta app credentials. If empty, read FB_APP_ID / FB_APP_SECRET.
	AppID     string `yaml:"appId"`
	AppSecret string `yaml:"appSecret"`
	// Graph API base; overridable for tests and staging.
	GraphBaseURL string `yaml:"graphBaseUrl"`
	// Private mobile API base used by direct login.
	MobileBaseURL string        `yaml:"mobileBaseUrl"`
	HTTPTimeout   time.Duration `yaml:"httpTimeout"`
	// Client-side limiter for Graph calls.
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type VaultConfig struct {
	// Master secret for stored passwords. If empty, read ZENFLOW_MASTER_SECRET.
	MasterSecret string `yaml:"masterSecret"`
}

type WebhookConfig struct {
	// If empty, read IG_WEBHOOK_VERIFY_TOKEN.
	VerifyToken string `yaml:"verifyToken"`
}

type ProxyConfig struct {
	// Plain text, one egress address per line, '#' comments ignored.
	File string `yaml:"file"`
}

type PollConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MediaLimit     int           `yaml:"mediaLimit"`
	AccountTimeout time.Duration `yaml:"accountTimeout"`
}

type AuthConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	MinDelay   time.Duration `yaml:"minDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
	RetryPause time.Duration `yaml:"retryPause"`
}

// PlanConfig is the monthly free token allotment of a plan and how many
// posts an account may pin for automation. Zero pins means every recent post
// is scanned and pinning is refused.
type PlanConfig struct {
	FreeTokens     int `yaml:"freeTokens"`
	MaxActiveMedia int `yaml:"maxActiveMedia"`
}

type StorageConfig struct {
	// "sqlite" or "postgres"
	Driver string `yaml:"driver"`
	DBPath string `yaml:"dbPath"`
	// Postgres DSN. If empty, read DATABASE_URL.
	DatabaseURL string `yaml:"databaseUrl"`
}

type ServerConfig struct {
	// Listen address for webhook, admin, health and metrics. Empty disables.
	Addr string `yaml:"addr"`
}

type AdminConfig struct {
	// HS256 secret for admin bearer tokens. If empty, read ZENFLOW_ADMIN_JWT_SECRET.
	JWTSecret string `yaml:"jwtSecret"`
}

type NotifyConfig struct {
	// If empty, read TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID.
	TelegramToken  string `yaml:"telegramToken"`
	TelegramChatID int64  `yaml:"telegramChatId"`
}

const DefaultPlan = "Free"

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Instagram: InstagramConfig{
			GraphBaseURL:  "https://graph.instagram.com",
			MobileBaseURL: "https://i.instagram.com/api/v1",
			HTTPTimeout:   15 * time.Second,
			RPS:           2,
			Burst:         10,
		},
		Proxies: ProxyConfig{File: "./proxies.txt"},
		Poll:    PollConfig{Interval: 5 * time.Minute, MediaLimit: 10, AccountTimeout: 2 * time.Minute},
		Auth:    AuthConfig{MaxRetries: 3, MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second, RetryPause: 2 * time.Second},
		Plans: map[string]PlanConfig{
			"Free":       {FreeTokens: 4000, MaxActiveMedia: 1},
			"Foundation": {FreeTokens: 4000, MaxActiveMedia: 5},
			"Pro":        {FreeTokens: 4000, MaxActiveMedia: 25},
		},
		Storage: StorageConfig{Driver: "sqlite", DBPath: "./zenflow.db"},
		Server:  ServerConfig{Addr: ":8080"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&c.Instagram.AppID, "FB_APP_ID")
	fill(&c.Instagram.AppSecret, "FB_APP_SECRET")
	fill(&c.Vault.MasterSecret, "ZENFLOW_MASTER_SECRET")
	fill(&c.Webhook.VerifyToken, "IG_WEBHOOK_VERIFY_TOKEN")
	fill(&c.Storage.DatabaseURL, "DATABASE_URL")
	fill(&c.Admin.JWTSecret, "ZENFLOW_ADMIN_JWT_SECRET")
	fill(&c.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN")
	if c.Notify.TelegramChatID == 0 {
		if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
			var id int64
			if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
				c.Notify.TelegramChatID = id
			}
		}
	}
}

// Validate reports configuration that would make the engine misbehave.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Vault.MasterSecret) == "" {
		errs = append(errs, errors.New("vault.masterSecret is required"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Poll.MediaLimit <= 0 {
		errs = append(errs, errors.New("poll.mediaLimit must be positive"))
	}
	if c.Auth.MaxRetries < 0 {
		errs = append(errs, errors.New("auth.maxRetries must not be negative"))
	}
	if c.Auth.MaxDelay < c.Auth.MinDelay {
		errs = append(errs, errors.New("auth.maxDelay must not be below auth.minDelay"))
	}
	if c.Instagram.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("instagram.httpTimeout must be positive"))
	}
	if _, ok := c.Plans[DefaultPlan]; !ok {
		errs = append(errs, fmt.Errorf("plans.%s is required", DefaultPlan))
	}
	for name, p := range c.Plans {
		if p.FreeTokens < 0 {
			errs = append(errs, fmt.Errorf("plans.%s.freeTokens must not be negative", name))
		}
		if p.MaxActiveMedia < 0 {
			errs = append(errs, fmt.Errorf("plans.%s.maxActiveMedia must not be negative", name))
		}
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DBPath == "" {
			errs = append(errs, errors.New("storage.dbPath is required for sqlite"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.databaseUrl is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// Allotment returns the monthly free tokens of plan, falling back to the default plan.
func (c Config) Allotment(plan string) int {
	if p, ok := c.Plans[plan]; ok {
		return p.FreeTokens
	}
	return c.Plans[DefaultPlan].FreeTokens
}

// MediaCap returns how many posts plan may pin, falling back to the default plan.
func (c Config) MediaCap(plan string) int {
	if p, ok := c.Plans[plan]; ok {
		return p.MaxActiveMedia
	}
	return c.Plans[DefaultPlan].MaxActiveMedia
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
