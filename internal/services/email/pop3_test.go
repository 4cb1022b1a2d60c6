package email

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inbox-watcher/internal/models"
)

// pop3Server is a scripted maildrop that counts its open sessions.
type pop3Server struct {
	ln       net.Listener
	greet    bool
	accepted atomic.Int32
	open     atomic.Int32
}

func startPOP3Server(t *testing.T, greet bool) *pop3Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := &pop3Server{ln: ln, greet: greet}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.accepted.Add(1)
			srv.open.Add(1)
			go srv.serve(conn)
		}
	}()
	return srv
}

func (s *pop3Server) serve(conn net.Conn) {
	defer s.open.Add(-1)
	defer conn.Close()

	r := bufio.NewReader(conn)
	if s.greet {
		fmt.Fprint(conn, "+OK ready\r\n")
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if !s.greet {
			continue
		}
		switch cmd := strings.ToUpper(strings.TrimSpace(line)); {
		case strings.HasPrefix(cmd, "UIDL"):
			fmt.Fprint(conn, "+OK\r\n.\r\n")
		case strings.HasPrefix(cmd, "QUIT"):
			// refuse to say goodbye and keep the session open
			fmt.Fprint(conn, "-ERR busy\r\n")
		default:
			fmt.Fprint(conn, "+OK\r\n")
		}
	}
}

func (s *pop3Server) account() models.Account {
	account := testAccount("pop3")
	account.Host = "127.0.0.1"
	account.Port = s.ln.Addr().(*net.TCPAddr).Port
	return account
}

func TestPOP3SourceClosesHungSessionsOnTimeout(t *testing.T) {
	srv := startPOP3Server(t, false)
	src := NewPOP3Source(zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, err := src.Fetch(ctx, srv.account())
		cancel()
		require.ErrorContains(t, err, "pop3 connect")
	}

	require.EqualValues(t, 3, srv.accepted.Load())
	require.Eventually(t, func() bool { return srv.open.Load() == 0 }, 2*time.Second, 10*time.Millisecond,
		"every abandoned session must be closed")
}

func TestPOP3SourceClosesSocketWhenQuitFails(t *testing.T) {
	srv := startPOP3Server(t, true)

	got, err := NewPOP3Source(zaptest.NewLogger(t)).Fetch(context.Background(), srv.account())
	require.NoError(t, err)
	require.Empty(t, got)

	require.EqualValues(t, 1, srv.accepted.Load())
	require.Eventually(t, func() bool { return srv.open.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}
