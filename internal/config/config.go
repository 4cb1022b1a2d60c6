package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"inbox-watcher/internal/models"
)

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Log      LogConfig       `mapstructure:"log"`
	Defaults PollingDefaults `mapstructure:"defaults"`
	Accounts []AccountConfig `mapstructure:"accounts"`
	Telegram TelegramConfig  `mapstructure:"telegram"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Feed     FeedConfig      `mapstructure:"feed"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// PollingDefaults apply to every account that leaves the field unset
type PollingDefaults struct {
	PollingInterval time.Duration `mapstructure:"polling_interval"`
	SeenSetCapacity int           `mapstructure:"seen_set_capacity"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	MaxFetch        int           `mapstructure:"max_fetch"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
}

type AccountConfig struct {
	ID              string          `mapstructure:"id"`
	Protocol        string          `mapstructure:"protocol"` // imap, imaps, pop3, pop3s
	Host            string          `mapstructure:"host"`
	Port            int             `mapstructure:"port"`
	Username        string          `mapstructure:"username"`
	Password        string          `mapstructure:"password"`
	PasswordEnv     string          `mapstructure:"password_env"`
	Mailbox         string          `mapstructure:"mailbox"`
	Enabled         *bool           `mapstructure:"enabled"`
	PollingInterval time.Duration   `mapstructure:"polling_interval"`
	SeenSetCapacity int             `mapstructure:"seen_set_capacity"`
	FetchTimeout    time.Duration   `mapstructure:"fetch_timeout"`
	MaxFetch        int             `mapstructure:"max_fetch"`
	WebhookURL      string          `mapstructure:"webhook_url"`
	Services        []ServiceConfig `mapstructure:"services"`
}

type ServiceConfig struct {
	Name   string                 `mapstructure:"name"`
	Config ServiceProcessorConfig `mapstructure:"config"`
}

type ServiceProcessorConfig struct {
	EmailFrom       string   `mapstructure:"email_from"`
	EmailSubject    []string `mapstructure:"email_subject"`
	TelegramChatID  string   `mapstructure:"telegram_chat_id"`
	TelegramMessage string   `mapstructure:"telegram_message"`
	CodePattern     string   `mapstructure:"code_pattern,omitempty"` // optional custom regex
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
}

type RedisConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type FeedConfig struct {
	Size int `mapstructure:"size"`
}

// IsEnabled reports whether the account should be polled on serve. Accounts
// are enabled unless explicitly disabled.
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Account resolves the account against the polling defaults and the
// environment into the engine's view of it.
func (a AccountConfig) Account(d PollingDefaults) models.Account {
	protocol := strings.ToLower(strings.TrimSpace(a.Protocol))

	password := a.Password
	if a.PasswordEnv != "" {
		password = os.Getenv(a.PasswordEnv)
	}

	port := a.Port
	if port == 0 {
		port = defaultPort(protocol)
	}

	mailbox := a.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}

	account := models.Account{
		ID:              a.ID,
		Protocol:        protocol,
		Host:            a.Host,
		Port:            port,
		Username:        a.Username,
		Password:        password,
		Mailbox:         mailbox,
		Enabled:         a.IsEnabled(),
		PollInterval:    a.PollingInterval,
		SeenSetCapacity: a.SeenSetCapacity,
		FetchTimeout:    a.FetchTimeout,
		MaxFetch:        a.MaxFetch,
	}
	if account.PollInterval == 0 {
		account.PollInterval = d.PollingInterval
	}
	if account.SeenSetCapacity == 0 {
		account.SeenSetCapacity = d.SeenSetCapacity
	}
	if account.FetchTimeout == 0 {
		account.FetchTimeout = d.FetchTimeout
	}
	if account.MaxFetch == 0 {
		account.MaxFetch = d.MaxFetch
	}
	return account
}

func defaultPort(protocol string) int {
	switch protocol {
	case "imaps":
		return 993
	case "imap":
		return 143
	case "pop3s":
		return 995
	case "pop3":
		return 110
	default:
		return 0
	}
}

// Account returns the configured account with the given ID.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// Load reads the configuration. An empty path searches the default locations
// for a file named config.yaml.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/app/configs")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/app")
		v.AddConfigPath(".")
	}

	// Environment variables override
	v.SetEnvPrefix("INBOXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("defaults.polling_interval", "30s")
	v.SetDefault("defaults.seen_set_capacity", models.DefaultSeenSetCapacity)
	v.SetDefault("defaults.fetch_timeout", "20s")
	v.SetDefault("defaults.max_fetch", 50)
	v.SetDefault("defaults.dial_timeout", "10s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("redis.key_prefix", "mail_poll_status:")
	v.SetDefault("redis.ttl", "24h")
	v.SetDefault("feed.size", 100)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole configuration and returns the first problem as a
// *models.ConfigurationError.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return &models.ConfigurationError{Field: "server.address", Reason: "is required"}
	}
	if c.Defaults.PollingInterval <= 0 {
		return &models.ConfigurationError{Field: "defaults.polling_interval", Reason: "must be positive"}
	}
	if c.Defaults.SeenSetCapacity <= 0 {
		return &models.ConfigurationError{Field: "defaults.seen_set_capacity", Reason: "must be positive"}
	}
	if c.Defaults.FetchTimeout <= 0 {
		return &models.ConfigurationError{Field: "defaults.fetch_timeout", Reason: "must be positive"}
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return &models.ConfigurationError{Field: fmt.Sprintf("accounts[%d].id", i), Reason: "is required"}
		}
		if _, dup := seen[a.ID]; dup {
			return &models.ConfigurationError{Account: a.ID, Field: "id", Reason: "is duplicated"}
		}
		seen[a.ID] = struct{}{}

		if err := c.ValidateAccount(a); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAccount checks one account against the rest of the configuration.
func (c *Config) ValidateAccount(a AccountConfig) error {
	account := a.Account(c.Defaults)
	if defaultPort(account.Protocol) == 0 {
		return &models.ConfigurationError{Account: a.ID, Field: "protocol", Reason: "must be one of imap, imaps, pop3, pop3s"}
	}
	if err := account.Validate(); err != nil {
		return err
	}
	if account.PollInterval <= 0 {
		return &models.ConfigurationError{Account: a.ID, Field: "polling_interval", Reason: "must be positive"}
	}
	if account.SeenSetCapacity <= 0 {
		return &models.ConfigurationError{Account: a.ID, Field: "seen_set_capacity", Reason: "must be positive"}
	}
	if account.FetchTimeout <= 0 {
		return &models.ConfigurationError{Account: a.ID, Field: "fetch_timeout", Reason: "must be positive"}
	}
	if a.PasswordEnv != "" && account.Password == "" {
		return &models.ConfigurationError{Account: a.ID, Field: "password_env", Reason: fmt.Sprintf("names unset variable %s", a.PasswordEnv)}
	}
	for _, svc := range a.Services {
		if svc.Config.TelegramChatID == "" {
			return &models.ConfigurationError{Account: a.ID, Field: "services." + svc.Name, Reason: "needs telegram_chat_id"}
		}
		if c.Telegram.BotToken == "" {
			return &models.ConfigurationError{Account: a.ID, Field: "services." + svc.Name, Reason: "needs telegram.bot_token"}
		}
	}
	return nil
}
