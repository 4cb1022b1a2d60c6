package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"inbox-watcher/internal/models"
)

// imapClient is the part of *client.Client used by IMAPSource.
type imapClient interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
	Terminate() error
}

type imapDialer func(account models.Account, timeout time.Duration) (imapClient, error)

// IMAPSource lists the unread messages of an IMAP mailbox without marking
// them read.
type IMAPSource struct {
	logger      *zap.Logger
	dialTimeout time.Duration
	dial        imapDialer
}

// IMAPOption customizes an IMAPSource.
type IMAPOption func(*IMAPSource)

// WithIMAPDialTimeout bounds the TCP/TLS handshake.
func WithIMAPDialTimeout(timeout time.Duration) IMAPOption {
	return func(s *IMAPSource) {
		if timeout > 0 {
			s.dialTimeout = timeout
		}
	}
}

func withIMAPDialer(dial imapDialer) IMAPOption {
	return func(s *IMAPSource) {
		s.dial = dial
	}
}

func NewIMAPSource(logger *zap.Logger, opts ...IMAPOption) *IMAPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &IMAPSource{
		logger:      logger,
		dialTimeout: 10 * time.Second,
		dial:        dialIMAP,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch returns the unread messages of the account's mailbox in arrival
// order, at most account.MaxFetch of the newest ones.
func (s *IMAPSource) Fetch(ctx context.Context, account models.Account) ([]models.MessageCandidate, error) {
	c, err := s.dial(account, s.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", address(account), err)
	}
	stop := terminateOnDone(ctx, c)
	defer stop()
	defer s.logout(c)

	if err := c.Login(account.Username, account.Password); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}

	mailbox := account.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	status, err := c.Select(mailbox, true)
	if err != nil {
		return nil, fmt.Errorf("imap select %s: %w", mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqNums, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(seqNums) == 0 {
		return nil, ctx.Err()
	}

	sort.Slice(seqNums, func(i, j int) bool { return seqNums[i] < seqNums[j] })
	if account.MaxFetch > 0 && len(seqNums) > account.MaxFetch {
		seqNums = seqNums[len(seqNums)-account.MaxFetch:]
	}

	s.logger.Debug("Found unread emails",
		zap.String("account", account.ID),
		zap.Int("count", len(seqNums)))

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	var fetched []*imap.Message
	for msg := range messages {
		fetched = append(fetched, msg)
	}
	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].SeqNum < fetched[j].SeqNum })

	var uidValidity uint32
	if status != nil {
		uidValidity = status.UidValidity
	}
	out := make([]models.MessageCandidate, 0, len(fetched))
	for _, msg := range fetched {
		out = append(out, s.candidate(account, msg, section, uidValidity))
	}
	return out, nil
}

func (s *IMAPSource) candidate(account models.Account, msg *imap.Message, section *imap.BodySectionName, uidValidity uint32) models.MessageCandidate {
	var candidate models.MessageCandidate

	if body := msg.GetBody(section); body != nil {
		parsed, err := parseMessage(body)
		if err != nil {
			s.logger.Warn("Failed to parse email body",
				zap.String("account", account.ID),
				zap.Uint32("uid", msg.Uid),
				zap.Error(err))
		} else {
			candidate.ID = normalizeMessageID(parsed.MessageID)
			candidate.From = parsed.From
			candidate.Subject = parsed.Subject
			candidate.Date = parsed.Date
			candidate.Preview = parsed.Preview
		}
	}

	if env := msg.Envelope; env != nil {
		if id := normalizeMessageID(env.MessageId); id != "" {
			candidate.ID = id
		}
		if env.Subject != "" {
			candidate.Subject = env.Subject
		}
		if len(env.From) > 0 && env.From[0] != nil {
			candidate.From = formatAddress(env.From[0].PersonalName, env.From[0].Address())
		}
		if !env.Date.IsZero() {
			candidate.Date = env.Date
		}
	}

	if candidate.ID == "" && msg.Uid != 0 {
		candidate.ID = "uid-" + strconv.FormatUint(uint64(uidValidity), 10) + "-" + strconv.FormatUint(uint64(msg.Uid), 10)
	}
	return candidate
}

func (s *IMAPSource) logout(c imapClient) {
	if err := c.Logout(); err != nil {
		s.logger.Debug("Failed to logout from IMAP server", zap.Error(err))
	}
}

// terminateOnDone closes the connection when ctx ends so that blocking
// commands return. The returned func releases the watcher.
func terminateOnDone(ctx context.Context, c interface{ Terminate() error }) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Terminate()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func dialIMAP(account models.Account, timeout time.Duration) (imapClient, error) {
	addr := address(account)
	dialer := &net.Dialer{Timeout: timeout}

	if strings.EqualFold(account.Protocol, "imaps") {
		return client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: account.Host})
	}

	c, err := client.DialWithDialer(dialer, addr)
	if err != nil {
		return nil, err
	}
	if ok, _ := c.SupportStartTLS(); ok {
		if err := c.StartTLS(&tls.Config{ServerName: account.Host}); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return c, nil
}

func address(account models.Account) string {
	return net.JoinHostPort(account.Host, strconv.Itoa(account.Port))
}
