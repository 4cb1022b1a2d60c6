package email

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/knadh/go-pop3"

	"inbox-watcher/internal/models"
)

type fakeIMAPClient struct {
	mu sync.Mutex

	loginErr  error
	messages  []*imap.Message
	unseen    []uint32
	blockOnce chan struct{}

	selected   string
	readOnly   bool
	criteria   *imap.SearchCriteria
	fetched    []uint32
	items      []imap.FetchItem
	logouts    int
	terminated bool
}

func (c *fakeIMAPClient) Login(_, _ string) error {
	return c.loginErr
}

func (c *fakeIMAPClient) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	c.selected = name
	c.readOnly = readOnly
	status := imap.NewMailboxStatus(name, nil)
	status.UidValidity = 7
	return status, nil
}

func (c *fakeIMAPClient) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	c.criteria = criteria
	return c.unseen, nil
}

func (c *fakeIMAPClient) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)
	c.items = items

	if c.blockOnce != nil {
		<-c.blockOnce
		return errors.New("connection closed")
	}

	// deliver out of order, like a server answering in any order
	for i := len(c.messages) - 1; i >= 0; i-- {
		msg := c.messages[i]
		if seqset.Contains(msg.SeqNum) {
			c.fetched = append(c.fetched, msg.SeqNum)
			ch <- msg
		}
	}
	return nil
}

func (c *fakeIMAPClient) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return nil
}

func (c *fakeIMAPClient) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.terminated && c.blockOnce != nil {
		close(c.blockOnce)
	}
	c.terminated = true
	return nil
}

func (c *fakeIMAPClient) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func imapMessage(seq, uid uint32, messageID, from, subject, body string) *imap.Message {
	raw := fmt.Sprintf("From: %s\r\nSubject: %s\r\nMessage-ID: <%s>\r\nDate: Mon, 02 Jan 2006 15:04:05 +0000\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s", from, subject, messageID, body)
	return &imap.Message{
		SeqNum: seq,
		Uid:    uid,
		Envelope: &imap.Envelope{
			Date:      time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC),
			Subject:   subject,
			From:      []*imap.Address{{PersonalName: "Alice", MailboxName: "alice", HostName: "example.com"}},
			MessageId: "<" + messageID + ">",
		},
		Body: map[*imap.BodySectionName]imap.Literal{
			{}: bytes.NewBufferString(raw),
		},
	}
}

type fakePOP3Conn struct {
	authErr error
	uidl    []pop3.MessageID
	raw     map[int]string
	retr    []int
	quits   int
}

func (c *fakePOP3Conn) Auth(_, _ string) error {
	return c.authErr
}

func (c *fakePOP3Conn) Uidl(int) ([]pop3.MessageID, error) {
	return c.uidl, nil
}

func (c *fakePOP3Conn) RetrRaw(id int) (*bytes.Buffer, error) {
	c.retr = append(c.retr, id)
	raw, ok := c.raw[id]
	if !ok {
		return nil, fmt.Errorf("no such message %d", id)
	}
	return bytes.NewBufferString(raw), nil
}

func (c *fakePOP3Conn) Quit() error {
	c.quits++
	return nil
}

func testAccount(protocol string) models.Account {
	return models.Account{
		ID:       "me@example.com",
		Protocol: protocol,
		Host:     "mail.example.com",
		Port:     993,
		Username: "me@example.com",
		Password: "secret",
		Mailbox:  "INBOX",
		MaxFetch: 50,
	}
}
