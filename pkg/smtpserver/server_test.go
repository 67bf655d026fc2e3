package smtpserver

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/freeflowuniverse/heromail/pkg/dedupestor"
	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/freeflowuniverse/heromail/pkg/notifier"
	"github.com/freeflowuniverse/heromail/pkg/redisclient"
	"github.com/freeflowuniverse/heromail/pkg/redisserver"
	"github.com/freeflowuniverse/heromail/pkg/store/redisstore"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBody = "From: alice@example.com\r\n" +
	"To: bob@mail.test\r\n" +
	"Subject: delivery\r\n" +
	"\r\n" +
	"hello bob\r\n"

type fixture struct {
	handler *mailstore.Handler
	addr    string
}

func setupServer(t *testing.T, lmtp bool) *fixture {
	t.Helper()
	srv := redisserver.NewServer(log.NewNopLogger())
	require.NoError(t, srv.Start(redisserver.ServerConfig{Addr: "127.0.0.1:0"}))
	t.Cleanup(func() { srv.Close() })

	rc := redisclient.NewClientWithAddr("tcp", srv.Addr().String(), 0)
	t.Cleanup(func() { rc.Close() })

	s := redisstore.New(rc)
	n := notifier.New(notifier.Options{
		Mailboxes: s,
		Journal:   s,
		Messages:  s,
		PubSub:    s,
	})
	t.Cleanup(func() { n.Close() })

	h := mailstore.New(mailstore.Options{
		Mailboxes: s,
		Messages:  s,
		Blobs:     dedupestor.New(dedupestor.NewArgs{Client: rc}),
		Notifier:  n,
	})

	cfg := DefaultConfig()
	cfg.Domain = "mail.test"
	cfg.LMTP = lmtp
	server := NewServer(h, cfg, log.NewNopLogger(), &Metrics{Deliveries: generic.NewCounter("deliveries")})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(l)
	t.Cleanup(func() { server.Stop() })

	return &fixture{handler: h, addr: l.Addr().String()}
}

func (f *fixture) inbox(t *testing.T, user, path string) []string {
	t.Helper()
	ctx := context.Background()
	mb, err := f.handler.Mailbox(ctx, user, path)
	require.NoError(t, err)
	msgs, err := f.handler.ListMessages(ctx, mb.ID)
	require.NoError(t, err)
	var raws []string
	for _, msg := range msgs {
		raws = append(raws, string(msg.Raw))
	}
	return raws
}

func TestLMTPDelivery(t *testing.T) {
	f := setupServer(t, true)
	ctx := context.Background()
	_, err := f.handler.CreateMailbox(ctx, "carol", "Lists")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	c := smtp.NewClientLMTP(conn)
	defer c.Close()

	require.NoError(t, c.Hello("localhost"))
	require.NoError(t, c.Mail("alice@example.com", nil))
	require.NoError(t, c.Rcpt("Bob@mail.test", nil))
	require.NoError(t, c.Rcpt("carol+Lists@mail.test", nil))
	require.NoError(t, c.Rcpt("dave@elsewhere.test", nil))
	assert.Error(t, c.Rcpt("not an address", nil))

	statuses := make(map[string]*smtp.SMTPError)
	w, err := c.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		statuses[rcpt] = status
	})
	require.NoError(t, err)
	_, err = io.WriteString(w, testBody)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	assert.Len(t, statuses, 3)
	for rcpt, status := range statuses {
		assert.Nil(t, status, rcpt)
	}

	bob := f.inbox(t, "bob", "INBOX")
	require.Len(t, bob, 1)
	assert.True(t, strings.HasPrefix(bob[0], "Return-Path: <alice@example.com>\r\nDelivered-To: Bob@mail.test\r\n"))
	assert.True(t, strings.HasSuffix(bob[0], testBody))

	assert.Len(t, f.inbox(t, "carol", "Lists"), 1)
	assert.Len(t, f.inbox(t, "carol", "INBOX"), 0)
	assert.Len(t, f.inbox(t, "dave@elsewhere.test", "INBOX"), 1)
}

func TestSMTPDelivery(t *testing.T) {
	f := setupServer(t, false)

	c, err := smtp.Dial(f.addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SendMail("alice@example.com", []string{"bob+nope@mail.test"}, strings.NewReader(testBody)))

	// unknown detail mailboxes fall back to INBOX
	bob := f.inbox(t, "bob", "INBOX")
	require.Len(t, bob, 1)
	assert.Contains(t, bob[0], "hello bob")
}

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		addr   string
		user   string
		detail string
		err    bool
	}{
		{addr: "bob@mail.test", user: "bob"},
		{addr: "Bob@MAIL.test", user: "bob"},
		{addr: "bob+Work@mail.test", user: "bob", detail: "Work"},
		{addr: "bob@other.test", user: "bob@other.test"},
		{addr: "+x@mail.test", user: "+x"},
		{addr: "nobody", err: true},
		{addr: "", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			user, detail, err := parseRecipient(tt.addr, "mail.test")
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, user)
			assert.Equal(t, tt.detail, detail)
		})
	}
}

func TestDataWithoutRecipients(t *testing.T) {
	s := &Session{backend: &Backend{}}
	err := s.Data(strings.NewReader(testBody))
	assert.Equal(t, errNoRecipients, err)
}
