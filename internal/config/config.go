// Package config provides YAML-based configuration loading for the reply
// dispatch service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from rd.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Worker    WorkerConfig    `yaml:"worker"`
	Redis     RedisConfig     `yaml:"redis"`
	NodeID    int64           `yaml:"node_id"`
	Log       LogConfig       `yaml:"log"`
	Alert     AlertConfig     `yaml:"alert"`
	Providers ProvidersConfig `yaml:"providers"`

	Workspaces []WorkspaceConfig `yaml:"workspaces"`
}

// WorkspaceConfig seeds a workspace policy row on db init. The service reads
// policy from the database, never from this struct.
type WorkspaceConfig struct {
	ID        string          `yaml:"id"`
	Name      string          `yaml:"name"`
	Timezone  string          `yaml:"timezone"`
	AutoSend  AutoSendConfig  `yaml:"auto_send"`
	InboxZero InboxZeroConfig `yaml:"inbox_zero"`
}

// AutoSendConfig mirrors the workspace auto-send policy columns.
type AutoSendConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Paused              bool     `yaml:"paused"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	DelayType           string   `yaml:"delay_type"` // "exact" or "random"
	DelayMinMinutes     int      `yaml:"delay_min_minutes"`
	DelayMaxMinutes     int      `yaml:"delay_max_minutes"`
	SendWindowStart     string   `yaml:"send_window_start"` // "HH:MM"
	SendWindowEnd       string   `yaml:"send_window_end"`
	SkipCategories      []string `yaml:"skip_categories"`
}

// InboxZeroConfig mirrors the workspace inbox-zero policy columns.
type InboxZeroConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Archive    bool   `yaml:"archive"`
	ApplyLabel bool   `yaml:"apply_label"`
	Label      string `yaml:"label"`
}

// DatabaseConfig selects the gorm dialect and connection settings.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
}

// APIConfig holds HTTP listener settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// WorkerConfig controls the auto-send queue worker.
type WorkerConfig struct {
	Schedule           string `yaml:"schedule"` // cron expression or @every descriptor
	BatchLimit         int    `yaml:"batch_limit"`
	MaxAttempts        int    `yaml:"max_attempts"`
	Concurrency        int    `yaml:"concurrency"`
	ProviderTimeoutSec int    `yaml:"provider_timeout_sec"`
	RetryBackoffSec    *int   `yaml:"retry_backoff_sec"`
	RetryBackoffMaxSec int    `yaml:"retry_backoff_max_sec"`
	StaleClaimSec      int    `yaml:"stale_claim_sec"`
}

// ProviderTimeout returns the per-call provider timeout.
func (w WorkerConfig) ProviderTimeout() time.Duration {
	return time.Duration(w.ProviderTimeoutSec) * time.Second
}

// RetryBackoff returns the base retry delay. Zero means retry on the next cycle.
func (w WorkerConfig) RetryBackoff() time.Duration {
	if w.RetryBackoffSec == nil {
		return 0
	}
	return time.Duration(*w.RetryBackoffSec) * time.Second
}

// RetryBackoffMax caps the exponential retry delay.
func (w WorkerConfig) RetryBackoffMax() time.Duration {
	return time.Duration(w.RetryBackoffMaxSec) * time.Second
}

// StaleClaim returns how long an item may stay in processing before it is reaped.
func (w WorkerConfig) StaleClaim() time.Duration {
	return time.Duration(w.StaleClaimSec) * time.Second
}

// RedisConfig enables the workspace policy cache when Addr is set.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PolicyTTLSec int    `yaml:"policy_ttl_sec"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AlertConfig configures the reconnect-channel alert hook.
type AlertConfig struct {
	Command string `yaml:"command"` // e.g. "notify-send 'Reconnect' '{{.Connection}}'"
}

// ProvidersConfig lists provider connections by provider id.
type ProvidersConfig struct {
	Slack   []SlackConnection   `yaml:"slack"`
	Discord []DiscordConnection `yaml:"discord"`
	Email   []EmailConnection   `yaml:"email"`
	GitHub  []GitHubConnection  `yaml:"github"`
}

// SlackConnection is a Slack workspace reachable through a bot token.
type SlackConnection struct {
	ID        string `yaml:"id"`
	Workspace string `yaml:"workspace"`
	BotToken  string `yaml:"bot_token"`
	UserToken string `yaml:"user_token"` // optional; required for mark-read
}

// DiscordConnection is a Discord bot.
type DiscordConnection struct {
	ID        string `yaml:"id"`
	Workspace string `yaml:"workspace"`
	BotToken  string `yaml:"bot_token"`
}

// EmailConnection is an IMAP/SMTP mailbox.
type EmailConnection struct {
	ID             string      `yaml:"id"`
	Workspace      string      `yaml:"workspace"`
	Address        string      `yaml:"address"`
	Username       string      `yaml:"username"`
	Password       string      `yaml:"password"`
	IMAPHost       string      `yaml:"imap_host"`
	IMAPPort       int         `yaml:"imap_port"`
	SMTPHost       string      `yaml:"smtp_host"`
	SMTPPort       int         `yaml:"smtp_port"`
	InboxMailbox   string      `yaml:"inbox_mailbox"`
	ArchiveMailbox string      `yaml:"archive_mailbox"`
	OAuth          *OAuthToken `yaml:"oauth"`
}

// OAuthToken holds refresh-token credentials for XOAUTH2 mailboxes.
type OAuthToken struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RefreshToken string   `yaml:"refresh_token"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// GitHubConnection is a repository whose issues act as an inbox.
type GitHubConnection struct {
	ID        string `yaml:"id"`
	Workspace string `yaml:"workspace"`
	Token     string `yaml:"token"`
	Owner     string `yaml:"owner"`
	Repo      string `yaml:"repo"`
}

// ConnectionRef identifies one configured provider connection.
type ConnectionRef struct {
	ID        string
	Provider  string
	Workspace string
}

// Connections flattens every configured provider connection.
func (p ProvidersConfig) Connections() []ConnectionRef {
	var refs []ConnectionRef
	for _, c := range p.Slack {
		refs = append(refs, ConnectionRef{ID: c.ID, Provider: "slack", Workspace: c.Workspace})
	}
	for _, c := range p.Discord {
		refs = append(refs, ConnectionRef{ID: c.ID, Provider: "discord", Workspace: c.Workspace})
	}
	for _, c := range p.Email {
		refs = append(refs, ConnectionRef{ID: c.ID, Provider: "email", Workspace: c.Workspace})
	}
	for _, c := range p.GitHub {
		refs = append(refs, ConnectionRef{ID: c.ID, Provider: "github", Workspace: c.Workspace})
	}
	return refs
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the working directory is loaded first, if present, and
// ${VAR} references in the YAML are expanded from the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "replydesk.db"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Worker.Schedule == "" {
		c.Worker.Schedule = "@every 1m"
	}
	if c.Worker.BatchLimit == 0 {
		c.Worker.BatchLimit = 50
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 3
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.ProviderTimeoutSec == 0 {
		c.Worker.ProviderTimeoutSec = 30
	}
	if c.Worker.RetryBackoffSec == nil {
		backoff := 60
		c.Worker.RetryBackoffSec = &backoff
	}
	if c.Worker.RetryBackoffMaxSec == 0 {
		c.Worker.RetryBackoffMaxSec = 1800
	}
	if c.Worker.StaleClaimSec == 0 {
		c.Worker.StaleClaimSec = 900
	}
	if c.Redis.PolicyTTLSec == 0 {
		c.Redis.PolicyTTLSec = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Workspaces {
		w := &c.Workspaces[i]
		if w.Timezone == "" {
			w.Timezone = "UTC"
		}
		if w.AutoSend.DelayType == "" {
			w.AutoSend.DelayType = "exact"
		}
		if w.AutoSend.ConfidenceThreshold == 0 {
			w.AutoSend.ConfidenceThreshold = 0.85
		}
		if w.AutoSend.DelayMaxMinutes < w.AutoSend.DelayMinMinutes {
			w.AutoSend.DelayMaxMinutes = w.AutoSend.DelayMinMinutes
		}
	}
	for i := range c.Providers.Email {
		e := &c.Providers.Email[i]
		if e.IMAPPort == 0 {
			e.IMAPPort = 993
		}
		if e.SMTPPort == 0 {
			e.SMTPPort = 587
		}
		if e.InboxMailbox == "" {
			e.InboxMailbox = "INBOX"
		}
		if e.ArchiveMailbox == "" {
			e.ArchiveMailbox = "Archive"
		}
		if e.Username == "" {
			e.Username = e.Address
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, "worker.max_attempts must be at least 1")
	}
	if c.Worker.BatchLimit < 1 {
		errs = append(errs, "worker.batch_limit must be at least 1")
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, "worker.concurrency must be at least 1")
	}
	if c.Worker.RetryBackoffSec != nil && *c.Worker.RetryBackoffSec < 0 {
		errs = append(errs, "worker.retry_backoff_sec must not be negative")
	}

	workspaces := make(map[string]bool)
	for i, w := range c.Workspaces {
		if w.ID == "" {
			errs = append(errs, fmt.Sprintf("workspaces[%d].id is required", i))
			continue
		}
		if workspaces[w.ID] {
			errs = append(errs, fmt.Sprintf("workspaces[%d].id %q is duplicated", i, w.ID))
		}
		workspaces[w.ID] = true
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("workspaces[%d].timezone %q is invalid", i, w.Timezone))
		}
		if t := w.AutoSend.ConfidenceThreshold; t < 0 || t > 1 {
			errs = append(errs, fmt.Sprintf("workspaces[%d].auto_send.confidence_threshold must be within [0,1]", i))
		}
		if d := w.AutoSend.DelayType; d != "exact" && d != "random" {
			errs = append(errs, fmt.Sprintf("workspaces[%d].auto_send.delay_type %q must be exact or random", i, d))
		}
		if w.AutoSend.DelayMinMinutes < 0 {
			errs = append(errs, fmt.Sprintf("workspaces[%d].auto_send.delay_min_minutes must not be negative", i))
		}
	}

	seen := make(map[string]bool)
	checkID := func(provider string, i int, id string) {
		if id == "" {
			errs = append(errs, fmt.Sprintf("providers.%s[%d].id is required", provider, i))
			return
		}
		if seen[id] {
			errs = append(errs, fmt.Sprintf("providers.%s[%d].id %q is duplicated", provider, i, id))
		}
		seen[id] = true
	}
	for i, s := range c.Providers.Slack {
		checkID("slack", i, s.ID)
		if s.BotToken == "" {
			errs = append(errs, fmt.Sprintf("providers.slack[%d].bot_token is required", i))
		}
	}
	for i, d := range c.Providers.Discord {
		checkID("discord", i, d.ID)
		if d.BotToken == "" {
			errs = append(errs, fmt.Sprintf("providers.discord[%d].bot_token is required", i))
		}
	}
	for i, e := range c.Providers.Email {
		checkID("email", i, e.ID)
		if e.Address == "" {
			errs = append(errs, fmt.Sprintf("providers.email[%d].address is required", i))
		}
		if e.IMAPHost == "" || e.SMTPHost == "" {
			errs = append(errs, fmt.Sprintf("providers.email[%d] needs imap_host and smtp_host", i))
		}
		if e.Password == "" && e.OAuth == nil {
			errs = append(errs, fmt.Sprintf("providers.email[%d] needs a password or oauth block", i))
		}
	}
	for i, g := range c.Providers.GitHub {
		checkID("github", i, g.ID)
		if g.Token == "" {
			errs = append(errs, fmt.Sprintf("providers.github[%d].token is required", i))
		}
		if g.Owner == "" || g.Repo == "" {
			errs = append(errs, fmt.Sprintf("providers.github[%d] needs owner and repo", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
