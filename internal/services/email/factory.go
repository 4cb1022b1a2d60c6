package email

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"inbox-watcher/internal/models"
)

// Factory maps account protocols to the MailSource that serves them.
type Factory struct {
	sources map[string]models.MailSource
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithSource registers source for the given protocols.
func WithSource(source models.MailSource, protocols ...string) FactoryOption {
	return func(f *Factory) {
		if source == nil {
			return
		}
		for _, p := range protocols {
			if key := normalizeProtocol(p); key != "" {
				f.sources[key] = source
			}
		}
	}
}

func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{sources: make(map[string]models.MailSource)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory serves IMAP and POP3 accounts, with and without TLS.
// A zero dialTimeout keeps the sources' default.
func DefaultFactory(logger *zap.Logger, dialTimeout time.Duration) *Factory {
	return NewFactory(
		WithSource(NewIMAPSource(logger, WithIMAPDialTimeout(dialTimeout)), "imap", "imaps"),
		WithSource(NewPOP3Source(logger, WithPOP3DialTimeout(dialTimeout)), "pop3", "pop3s"),
	)
}

// SourceFor returns the source registered for the account's protocol.
func (f *Factory) SourceFor(account models.Account) (models.MailSource, error) {
	source, ok := f.sources[normalizeProtocol(account.Protocol)]
	if !ok {
		return nil, fmt.Errorf("unsupported protocol %q", account.Protocol)
	}
	return source, nil
}

func normalizeProtocol(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
