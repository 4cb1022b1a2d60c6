package email

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/knadh/go-pop3"
	"go.uber.org/zap"

	"inbox-watcher/internal/models"
)

type pop3Connection interface {
	Auth(user, password string) error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Quit() error
}

// pop3Dialer opens a session whose socket is closed once ctx ends. Quit
// releases it.
type pop3Dialer func(ctx context.Context, account models.Account, timeout time.Duration) (pop3Connection, error)

// POP3Source lists the messages of a POP3 maildrop. Messages are never
// deleted from the server.
type POP3Source struct {
	logger      *zap.Logger
	dialTimeout time.Duration
	dial        pop3Dialer
}

// POP3Option customizes a POP3Source.
type POP3Option func(*POP3Source)

// WithPOP3DialTimeout bounds the TCP/TLS handshake.
func WithPOP3DialTimeout(timeout time.Duration) POP3Option {
	return func(s *POP3Source) {
		if timeout > 0 {
			s.dialTimeout = timeout
		}
	}
}

func withPOP3Dialer(dial pop3Dialer) POP3Option {
	return func(s *POP3Source) {
		s.dial = dial
	}
}

func NewPOP3Source(logger *zap.Logger, opts ...POP3Option) *POP3Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &POP3Source{
		logger:      logger,
		dialTimeout: 10 * time.Second,
		dial:        dialPOP3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch retrieves the newest account.MaxFetch messages in maildrop order.
// POP3 has no read flag, so every message still on the server is listed.
func (s *POP3Source) Fetch(ctx context.Context, account models.Account) ([]models.MessageCandidate, error) {
	conn, err := s.dial(ctx, account, s.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s: %w", address(account), err)
	}
	defer s.quit(conn)

	if err := conn.Auth(account.Username, account.Password); err != nil {
		return nil, fmt.Errorf("pop3 auth %s: %w", account.Username, err)
	}

	msgs, err := conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}
	if account.MaxFetch > 0 && len(msgs) > account.MaxFetch {
		msgs = msgs[len(msgs)-account.MaxFetch:]
	}

	out := make([]models.MessageCandidate, 0, len(msgs))
	for _, meta := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return nil, fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}

		var candidate models.MessageCandidate
		parsed, err := parseMessage(bytes.NewReader(raw.Bytes()))
		if err != nil {
			s.logger.Warn("Failed to parse email body",
				zap.String("account", account.ID),
				zap.Int("pop3_id", meta.ID),
				zap.Error(err))
		} else {
			candidate = models.MessageCandidate{
				ID:      normalizeMessageID(parsed.MessageID),
				From:    parsed.From,
				Subject: parsed.Subject,
				Date:    parsed.Date,
				Preview: parsed.Preview,
			}
		}
		if candidate.ID == "" && meta.UID != "" {
			candidate.ID = "pop3-uid-" + meta.UID
		}
		out = append(out, candidate)
	}
	return out, nil
}

func (s *POP3Source) quit(conn pop3Connection) {
	if err := conn.Quit(); err != nil {
		s.logger.Debug("Failed to quit POP3 session", zap.Error(err))
	}
}

func dialPOP3(ctx context.Context, account models.Account, timeout time.Duration) (pop3Connection, error) {
	sock := &socketDialer{ctx: ctx, dialer: net.Dialer{Timeout: timeout}}
	stop := terminateOnDone(ctx, sock)

	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        account.Port,
		DialTimeout: timeout,
		Dialer:      sock,
		TLSEnabled:  strings.EqualFold(account.Protocol, "pop3s"),
	})
	conn, err := client.NewConn()
	if err != nil {
		stop()
		_ = sock.Terminate()
		return nil, err
	}
	return &pop3Session{Conn: conn, sock: sock, stop: stop}, nil
}

// pop3Session closes its socket even when QUIT fails.
type pop3Session struct {
	*pop3.Conn
	sock *socketDialer
	stop func()
}

func (s *pop3Session) Quit() error {
	defer s.stop()
	if err := s.Conn.Quit(); err != nil {
		_ = s.sock.Terminate()
		return err
	}
	return nil
}

// socketDialer keeps the raw connection so it can be closed from outside.
// go-pop3 sets no deadlines, closing the socket is the only way to unblock it.
type socketDialer struct {
	ctx    context.Context
	dialer net.Dialer

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (d *socketDialer) Dial(network, address string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(d.ctx, network, address)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = conn.Close()
		return nil, net.ErrClosed
	}
	d.conn = conn
	return conn, nil
}

func (d *socketDialer) Terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
