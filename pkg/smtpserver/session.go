package smtpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

var (
	errInvalidRecipient = &smtp.SMTPError{
		Code:         553,
		EnhancedCode: smtp.EnhancedCode{5, 1, 3},
		Message:      "Invalid recipient address",
	}
	errNoRecipients = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "No valid recipients",
	}
	errLocal = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Local error in processing",
	}
)

// Backend implements the go-smtp backend
type Backend struct {
	handler *mailstore.Handler
	domain  string
	logger  log.Logger
	metrics *Metrics
}

var _ smtp.Backend = (*Backend)(nil)

// NewSession creates a new session
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if conn := c.Conn(); conn != nil && conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	level.Debug(b.logger).Log("msg", "new session", "remote", remote)
	return &Session{backend: b, remote: remote}, nil
}

// Session represents one delivery session
type Session struct {
	backend *Backend
	remote  string
	from    string
	to      []string
}

var _ smtp.LMTPSession = (*Session)(nil)

// Mail handles the MAIL FROM command
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt handles the RCPT TO command
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if _, _, err := parseRecipient(to, s.backend.domain); err != nil {
		level.Debug(s.backend.logger).Log("msg", "rejected recipient", "rcpt", to, "err", err)
		return errInvalidRecipient
	}
	s.to = append(s.to, to)
	return nil
}

// Data delivers the message to every recipient. The first failure is
// reported for the whole transaction.
func (s *Session) Data(r io.Reader) error {
	var first error
	err := s.LMTPData(r, statusFunc(func(_ string, err error) {
		if err != nil && first == nil {
			first = err
		}
	}))
	if err != nil {
		return err
	}
	return first
}

// LMTPData delivers the message and reports a status per recipient.
func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	if len(s.to) == 0 {
		return errNoRecipients
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx := context.Background()
	now := time.Now()
	for _, rcpt := range s.to {
		err := s.deliver(ctx, rcpt, body, now)
		if err != nil {
			level.Error(s.backend.logger).Log("msg", "delivery failed", "from", s.from, "rcpt", rcpt, "err", err)
			s.backend.metrics.Deliveries.With("status", "failed").Add(1)
			status.SetStatus(rcpt, errLocal)
			continue
		}
		s.backend.metrics.Deliveries.With("status", "delivered").Add(1)
		status.SetStatus(rcpt, nil)
	}
	return nil
}

// deliver stores a copy of body for one recipient, prefixed with the
// trace fields of this hop.
func (s *Session) deliver(ctx context.Context, rcpt string, body []byte, now time.Time) error {
	user, detail, err := parseRecipient(rcpt, s.backend.domain)
	if err != nil {
		return err
	}
	h := s.backend.handler

	var mb *store.Mailbox
	if detail != "" {
		mb, err = h.Mailbox(ctx, user, detail)
		if err != nil && !errors.Is(err, store.ErrNoSuchMailbox) {
			return err
		}
	}
	if mb == nil {
		if mb, err = h.EnsureMailbox(ctx, user, "INBOX"); err != nil {
			return err
		}
	}

	trace := fmt.Sprintf("Return-Path: <%s>\r\nDelivered-To: %s\r\n", s.from, rcpt)
	raw := make([]byte, 0, len(trace)+len(body))
	raw = append(append(raw, trace...), body...)

	msg, err := h.AppendTo(ctx, mb, raw, nil, now)
	if err != nil {
		return err
	}
	level.Info(s.backend.logger).Log("msg", "delivered", "rcpt", rcpt, "user", user, "mailbox", mb.Path, "uid", msg.UID, "size", msg.Size)
	return nil
}

// Reset resets the session
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout handles the QUIT command
func (s *Session) Logout() error {
	level.Debug(s.backend.logger).Log("msg", "session closed", "remote", s.remote)
	return nil
}

// parseRecipient maps an envelope address to a user name. Addresses on
// the served domain name their local part alone. A "+detail" suffix of the
// local part selects a mailbox, used when it exists.
func parseRecipient(addr, domain string) (user, detail string, err error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", "", err
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 {
		return "", "", fmt.Errorf("address %q has no domain", addr)
	}
	local, host := parsed.Address[:at], strings.ToLower(parsed.Address[at+1:])
	if i := strings.Index(local, "+"); i > 0 {
		local, detail = local[:i], local[i+1:]
	}
	local = strings.ToLower(local)
	if strings.EqualFold(host, domain) {
		return local, detail, nil
	}
	return local + "@" + host, detail, nil
}

type statusFunc func(rcpt string, err error)

func (f statusFunc) SetStatus(rcpt string, err error) {
	f(rcpt, err)
}
