package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the validated configuration loaded from the single
// positional YAML file argument.
type Config struct {
	Listen  string      `yaml:"listen"`
	Synapse SynapseInfo `yaml:"synapse"`
	Bot     BotInfo     `yaml:"bot"`

	// Ambient stack keys, absent from the original implementation's config.
	LogLevel    string         `yaml:"log_level"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Tracing     *TracingInfo   `yaml:"tracing"`
	RateLimit   *RateLimitInfo `yaml:"rate_limit"`
}

// BotInfo describes the chat-bot daemon's own Matrix account and local state.
type BotInfo struct {
	User          string  `yaml:"user"`
	HomeserverURL *string `yaml:"homeserver_url"`
	StateStore    string  `yaml:"state_store"`
	DisplayName   *string `yaml:"display_name"`
	Avatar        *string `yaml:"avatar"`
	SecretFile    *string `yaml:"secret_file"`
	PasswordFile  *string `yaml:"password_file"`
	SessionFile   *string `yaml:"session_file"`
	DB            DBInfo  `yaml:"db"`
}

// HomeserverURLOrDefault derives an https:// origin from the bot's own user
// ID server name when no explicit homeserver_url is configured.
func (b BotInfo) HomeserverURLOrDefault() string {
	if b.HomeserverURL != nil && *b.HomeserverURL != "" {
		return *b.HomeserverURL
	}
	serverName := b.User
	if idx := strings.IndexByte(b.User, ':'); idx >= 0 {
		serverName = b.User[idx+1:]
	}
	return "https://" + serverName
}

// SessionFilePath defaults to state_store/session.json when unset.
func (b BotInfo) SessionFilePath() string {
	if b.SessionFile != nil && *b.SessionFile != "" {
		return *b.SessionFile
	}
	return filepath.Join(b.StateStore, "session.json")
}

// SynapseInfo describes the read-only homeserver database this relay
// consults to resolve access tokens, profiles, and room aliases.
type SynapseInfo struct {
	Host string `yaml:"host"`
	DB   DBInfo `yaml:"db"`

	// Query text is configurable per the open question about schema
	// variance across homeserver implementations; empty strings fall back
	// to the queries grounded on a stock Synapse schema.
	AccessTokenQuery string `yaml:"access_token_query"`
	ProfileQuery     string `yaml:"profile_query"`
	RoomAliasQuery   string `yaml:"room_alias_query"`
}

// DBInfo is a Postgres connection descriptor shared by the primary and
// homeserver database configs. Exactly one of Password/PasswordFile is
// expected; when PasswordFile is set, Load reads it and populates
// Password before the config is returned, so callers only ever see
// Password populated.
type DBInfo struct {
	User         string  `yaml:"user"`
	Password     string  `yaml:"password"`
	PasswordFile *string `yaml:"password_file"`
	Host         string  `yaml:"host"`
	Database     string  `yaml:"database"`
}

// resolvePasswordFile reads PasswordFile into Password when set, leaving
// an already-inline Password untouched.
func (d *DBInfo) resolvePasswordFile() error {
	if d.PasswordFile == nil || *d.PasswordFile == "" {
		return nil
	}
	data, err := os.ReadFile(*d.PasswordFile)
	if err != nil {
		return fmt.Errorf("reading password_file: %w", err)
	}
	d.Password = strings.TrimSpace(string(data))
	return nil
}

// URI renders the postgres:// connection string pgxpool expects.
func (d DBInfo) URI() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s", d.User, d.Password, d.Host, d.Database)
}

// TracingInfo configures the optional OTLP/gRPC span exporter.
type TracingInfo struct {
	CollectorAddr string `yaml:"collector_addr"`
}

// RateLimitInfo configures the optional distributed rate limiter.
type RateLimitInfo struct {
	RedisAddr   string `yaml:"redis_addr"`
	MessageSend string `yaml:"message_send"`
}

// Load reads, parses, and validates a YAML config file at path. Callers at
// the process entrypoint are expected to exit(2) on error, matching the
// original implementation's config-load exit code.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := cfg.Bot.DB.resolvePasswordFile(); err != nil {
		return nil, fmt.Errorf("bot.db: %w", err)
	}
	if err := cfg.Synapse.DB.resolvePasswordFile(); err != nil {
		return nil, fmt.Errorf("synapse.db: %w", err)
	}

	cfg.applyDefaults()
	logLoadedConfig(&cfg)
	return &cfg, nil
}

func (c *Config) validate() error {
	var errors []string

	if c.Listen == "" {
		errors = append(errors, "listen is required")
	}
	if c.Bot.User == "" {
		errors = append(errors, "bot.user is required")
	}
	if c.Bot.StateStore == "" {
		errors = append(errors, "bot.state_store is required")
	}
	if c.Bot.DB.Host == "" {
		errors = append(errors, "bot.db.host is required")
	}
	if c.Bot.DB.Database == "" {
		errors = append(errors, "bot.db.database is required")
	}
	if c.Synapse.Host == "" {
		errors = append(errors, "synapse.host is required")
	}
	if c.Synapse.DB.Host == "" {
		errors = append(errors, "synapse.db.host is required")
	}
	if c.Synapse.DB.Database == "" {
		errors = append(errors, "synapse.db.database is required")
	}

	if len(errors) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// logLoadedConfig logs the validated configuration with secrets redacted.
func logLoadedConfig(cfg *Config) {
	slog.Info("configuration loaded",
		"listen", cfg.Listen,
		"bot_user", cfg.Bot.User,
		"bot_db_host", redactHost(cfg.Bot.DB.Host),
		"synapse_host", cfg.Synapse.Host,
		"synapse_db_host", redactHost(cfg.Synapse.DB.Host),
		"log_level", cfg.LogLevel,
		"metrics_addr", cfg.MetricsAddr,
		"tracing_enabled", cfg.Tracing != nil,
		"rate_limit_enabled", cfg.RateLimit != nil,
	)
}

// redactHost avoids leaking internal DNS/topology details at info level
// while still letting an operator tell hosts apart across log lines.
func redactHost(host string) string {
	if len(host) <= 4 {
		return "***"
	}
	return host[:4] + "***"
}
