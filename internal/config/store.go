package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// ErrAccountNotFound is returned when an account ID is not configured.
var ErrAccountNotFound = errors.New("account not found")

// Store supplies account configuration and persists edits back to the
// configuration file it was loaded from.
type Store struct {
	mu   sync.RWMutex
	file string
	cfg  *Config
}

// NewStore loads the configuration at path (or the default locations).
func NewStore(path string) (*Store, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Store{file: v.ConfigFileUsed(), cfg: cfg}, nil
}

// Config returns a copy of the current configuration.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := *s.cfg
	cfg.Accounts = append([]AccountConfig(nil), s.cfg.Accounts...)
	return cfg
}

// Accounts returns the configured accounts.
func (s *Store) Accounts() []AccountConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AccountConfig(nil), s.cfg.Accounts...)
}

// Account returns the account with the given ID.
func (s *Store) Account(id string) (AccountConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Account(id)
}

// Defaults returns the polling defaults.
func (s *Store) Defaults() PollingDefaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Defaults
}

// Put validates and stores account, replacing any account with the same ID,
// then writes the configuration file.
func (s *Store) Put(account AccountConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cfg.ValidateAccount(account); err != nil {
		return err
	}

	accounts := append([]AccountConfig(nil), s.cfg.Accounts...)
	replaced := false
	for i := range accounts {
		if accounts[i].ID == account.ID {
			accounts[i] = account
			replaced = true
			break
		}
	}
	if !replaced {
		accounts = append(accounts, account)
	}
	return s.persistLocked(accounts)
}

// Delete removes the account and writes the configuration file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := make([]AccountConfig, 0, len(s.cfg.Accounts))
	found := false
	for _, a := range s.cfg.Accounts {
		if a.ID == id {
			found = true
			continue
		}
		accounts = append(accounts, a)
	}
	if !found {
		return ErrAccountNotFound
	}
	return s.persistLocked(accounts)
}

func (s *Store) persistLocked(accounts []AccountConfig) error {
	raw := make([]map[string]any, 0, len(accounts))
	for _, a := range accounts {
		raw = append(raw, accountToMap(a))
	}

	if s.file != "" {
		// Only the file's own settings are written back: no defaults and no
		// environment overrides.
		v := viper.New()
		v.SetConfigFile(s.file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		v.Set("accounts", raw)
		if err := v.WriteConfigAs(s.file); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
	}
	s.cfg.Accounts = accounts
	return nil
}

func accountToMap(a AccountConfig) map[string]any {
	m := map[string]any{
		"id":       a.ID,
		"protocol": a.Protocol,
		"host":     a.Host,
		"username": a.Username,
	}
	if a.Port != 0 {
		m["port"] = a.Port
	}
	if a.Password != "" {
		m["password"] = a.Password
	}
	if a.PasswordEnv != "" {
		m["password_env"] = a.PasswordEnv
	}
	if a.Mailbox != "" {
		m["mailbox"] = a.Mailbox
	}
	if a.Enabled != nil {
		m["enabled"] = *a.Enabled
	}
	if a.PollingInterval != 0 {
		m["polling_interval"] = a.PollingInterval.String()
	}
	if a.SeenSetCapacity != 0 {
		m["seen_set_capacity"] = a.SeenSetCapacity
	}
	if a.FetchTimeout != 0 {
		m["fetch_timeout"] = a.FetchTimeout.String()
	}
	if a.MaxFetch != 0 {
		m["max_fetch"] = a.MaxFetch
	}
	if a.WebhookURL != "" {
		m["webhook_url"] = a.WebhookURL
	}
	if len(a.Services) > 0 {
		services := make([]map[string]any, 0, len(a.Services))
		for _, svc := range a.Services {
			cfg := map[string]any{
				"email_from":       svc.Config.EmailFrom,
				"email_subject":    svc.Config.EmailSubject,
				"telegram_chat_id": svc.Config.TelegramChatID,
				"telegram_message": svc.Config.TelegramMessage,
			}
			if svc.Config.CodePattern != "" {
				cfg["code_pattern"] = svc.Config.CodePattern
			}
			services = append(services, map[string]any{"name": svc.Name, "config": cfg})
		}
		m["services"] = services
	}
	return m
}
