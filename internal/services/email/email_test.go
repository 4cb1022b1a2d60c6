package email

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inbox-watcher/internal/models"
)

func TestIMAPSourceListsUnreadInArrivalOrder(t *testing.T) {
	c := &fakeIMAPClient{
		unseen: []uint32{3, 1, 2},
		messages: []*imap.Message{
			imapMessage(1, 101, "a@example.com", "alice@example.com", "First", "hello   there\r\n\r\nsecond line"),
			imapMessage(2, 102, "b@example.com", "alice@example.com", "Second", "body two"),
			imapMessage(3, 103, "c@example.com", "alice@example.com", "Third", "body three"),
		},
	}
	src := NewIMAPSource(zaptest.NewLogger(t), withIMAPDialer(func(models.Account, time.Duration) (imapClient, error) {
		return c, nil
	}))

	got, err := src.Fetch(context.Background(), testAccount("imaps"))
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, "a@example.com", got[0].ID)
	require.Equal(t, "b@example.com", got[1].ID)
	require.Equal(t, "c@example.com", got[2].ID)
	require.Equal(t, "Alice <alice@example.com>", got[0].From)
	require.Equal(t, "First", got[0].Subject)
	require.Equal(t, "hello there second line", got[0].Preview)
	require.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), got[0].Date)

	require.Equal(t, "INBOX", c.selected)
	require.True(t, c.readOnly, "mailbox must be opened read-only")
	require.Equal(t, []string{imap.SeenFlag}, c.criteria.WithoutFlags)
	require.Contains(t, c.items, imap.FetchItem("BODY.PEEK[]"))
	require.Equal(t, 1, c.logouts)
}

func TestIMAPSourceCapsToNewestMessages(t *testing.T) {
	c := &fakeIMAPClient{
		unseen: []uint32{1, 2, 3, 4},
		messages: []*imap.Message{
			imapMessage(1, 1, "1@x", "a@x", "1", "1"),
			imapMessage(2, 2, "2@x", "a@x", "2", "2"),
			imapMessage(3, 3, "3@x", "a@x", "3", "3"),
			imapMessage(4, 4, "4@x", "a@x", "4", "4"),
		},
	}
	src := NewIMAPSource(zaptest.NewLogger(t), withIMAPDialer(func(models.Account, time.Duration) (imapClient, error) {
		return c, nil
	}))

	account := testAccount("imaps")
	account.MaxFetch = 2
	got, err := src.Fetch(context.Background(), account)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "3@x", got[0].ID)
	require.Equal(t, "4@x", got[1].ID)
}

func TestIMAPSourceFallsBackToUID(t *testing.T) {
	msg := imapMessage(1, 55, "", "a@x", "no id", "body")
	msg.Envelope.MessageId = ""
	msg.Body = nil
	c := &fakeIMAPClient{unseen: []uint32{1}, messages: []*imap.Message{msg}}
	src := NewIMAPSource(zaptest.NewLogger(t), withIMAPDialer(func(models.Account, time.Duration) (imapClient, error) {
		return c, nil
	}))

	got, err := src.Fetch(context.Background(), testAccount("imap"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "uid-7-55", got[0].ID)
	require.Equal(t, "no id", got[0].Subject)
}

func TestIMAPSourceNoUnread(t *testing.T) {
	c := &fakeIMAPClient{}
	src := NewIMAPSource(zaptest.NewLogger(t), withIMAPDialer(func(models.Account, time.Duration) (imapClient, error) {
		return c, nil
	}))

	got, err := src.Fetch(context.Background(), testAccount("imaps"))
	require.NoError(t, err)
	require.Empty(t, got)
	require.Nil(t, c.items, "nothing fetched when nothing is unread")
}

func TestIMAPSourceErrors(t *testing.T) {
	dialErr := errors.New("connection refused")
	src := NewIMAPSource(zaptest.NewLogger(t), withIMAPDialer(func(models.Account, time.Duration) (imapClient, error) {
		return nil, dialErr
	}))
	_, err := src.Fetch(context.Background(), testAccount("imaps"))
	require.ErrorIs(t, err, dialErr)
	require.Contains(t, err.Error(), "mail.example.com:993")

	c := &fakeIMAPClient{loginErr: errors.New("invalid credentials")}
	src = NewIMAPSource(zaptest.NewLogger(t), withIMAPDialer(func(models.Account, time.Duration) (imapClient, error) {
		return c, nil
	}))
	_, err = src.Fetch(context.Background(), testAccount("imaps"))
	require.ErrorContains(t, err, "imap login")
	require.Equal(t, 1, c.logouts)
}

func TestIMAPSourceTerminatesOnCancel(t *testing.T) {
	c := &fakeIMAPClient{
		unseen:    []uint32{1},
		blockOnce: make(chan struct{}),
	}
	src := NewIMAPSource(zaptest.NewLogger(t), withIMAPDialer(func(models.Account, time.Duration) (imapClient, error) {
		return c, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := src.Fetch(ctx, testAccount("imaps"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, c.Terminated())
}

func TestPOP3SourceFetchesNewestWithoutDeleting(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{
			{ID: 1, UID: "u1"},
			{ID: 2, UID: "u2"},
			{ID: 3, UID: "u3"},
		},
		raw: map[int]string{
			2: "From: Bob <bob@example.com>\r\nSubject: Hi\r\nMessage-ID: <two@example.com>\r\n\r\nHello Bob here",
			3: "From: carol@example.com\r\nSubject: No id\r\n\r\nplain",
		},
	}
	src := NewPOP3Source(zaptest.NewLogger(t), withPOP3Dialer(func(context.Context, models.Account, time.Duration) (pop3Connection, error) {
		return conn, nil
	}))

	account := testAccount("pop3s")
	account.MaxFetch = 2
	got, err := src.Fetch(context.Background(), account)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, conn.retr)
	require.Len(t, got, 2)

	require.Equal(t, "two@example.com", got[0].ID)
	require.Equal(t, "Bob <bob@example.com>", got[0].From)
	require.Equal(t, "Hi", got[0].Subject)
	require.Equal(t, "Hello Bob here", got[0].Preview)
	require.Equal(t, "pop3-uid-u3", got[1].ID)
	require.Equal(t, 1, conn.quits)
}

func TestPOP3SourceAuthFailure(t *testing.T) {
	conn := &fakePOP3Conn{authErr: errors.New("-ERR auth")}
	src := NewPOP3Source(zaptest.NewLogger(t), withPOP3Dialer(func(context.Context, models.Account, time.Duration) (pop3Connection, error) {
		return conn, nil
	}))

	_, err := src.Fetch(context.Background(), testAccount("pop3"))
	require.ErrorContains(t, err, "pop3 auth")
	require.Equal(t, 1, conn.quits)
}

func TestPOP3SourceStopsOnCancel(t *testing.T) {
	conn := &fakePOP3Conn{uidl: []pop3.MessageID{{ID: 1, UID: "u1"}}, raw: map[int]string{1: "Subject: x\r\n\r\ny"}}
	src := NewPOP3Source(zaptest.NewLogger(t), withPOP3Dialer(func(context.Context, models.Account, time.Duration) (pop3Connection, error) {
		return conn, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Fetch(ctx, testAccount("pop3"))
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, conn.retr)
}

func TestParseMessagePrefersPlainText(t *testing.T) {
	raw := strings.Join([]string{
		"From: \"Ops Team\" <ops@example.com>",
		"Subject: =?utf-8?q?Caf=C3=A9_report?=",
		"Message-ID: <report-1@example.com>",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=BOUNDARY",
		"",
		"--BOUNDARY",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html <b>version</b></p>",
		"--BOUNDARY",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain version",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	p, err := parseMessage(strings.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "report-1@example.com", p.MessageID)
	require.Equal(t, "Café report", p.Subject)
	require.Equal(t, "Ops Team <ops@example.com>", p.From)
	require.Equal(t, "plain version", p.Preview)
}

func TestParseMessageFallsBackToHTML(t *testing.T) {
	raw := "Subject: html only\r\nContent-Type: text/html\r\n\r\n<div>Hello <i>world</i></div>"

	p, err := parseMessage(strings.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "Hello world", p.Preview)
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("é", PreviewLength+20)
	require.Len(t, []rune(preview(long)), PreviewLength)
	require.Equal(t, "a b c", preview("  a\n\tb   c "))
}

func TestFactoryResolvesProtocols(t *testing.T) {
	f := DefaultFactory(zaptest.NewLogger(t), 5*time.Second)

	for _, protocol := range []string{"imap", "IMAPS", " pop3 ", "pop3s"} {
		src, err := f.SourceFor(models.Account{Protocol: protocol})
		require.NoError(t, err, protocol)
		require.NotNil(t, src)
	}

	imapSrc, _ := f.SourceFor(models.Account{Protocol: "imaps"})
	require.IsType(t, &IMAPSource{}, imapSrc)
	require.Equal(t, 5*time.Second, imapSrc.(*IMAPSource).dialTimeout)
	popSrc, _ := f.SourceFor(models.Account{Protocol: "pop3"})
	require.IsType(t, &POP3Source{}, popSrc)
	require.Equal(t, 5*time.Second, popSrc.(*POP3Source).dialTimeout)

	popSrc, _ = DefaultFactory(nil, 0).SourceFor(models.Account{Protocol: "pop3s"})
	require.Equal(t, 10*time.Second, popSrc.(*POP3Source).dialTimeout)

	_, err := f.SourceFor(models.Account{Protocol: "smtp"})
	require.ErrorContains(t, err, "unsupported protocol")
}
