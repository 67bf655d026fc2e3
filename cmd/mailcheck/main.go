// Command mailcheck logs in to a heromail IMAP listener, prints the
// mailbox list with counters and the newest messages of one mailbox, and
// optionally idles to watch for changes.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/freeflowuniverse/heromail/pkg/logging"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

func main() {
	imapAddr := flag.String("imap-addr", "localhost:1143", "IMAP server address")
	username := flag.String("username", "jan", "IMAP username (any value works)")
	password := flag.String("password", "testpass", "IMAP password (any value works)")
	mailbox := flag.String("mailbox", "INBOX", "Mailbox to show messages of")
	count := flag.Int("count", 5, "Number of newest messages to show")
	idle := flag.Duration("idle", 0, "Watch the mailbox for this long after listing")
	flag.Parse()

	logger := logging.New(os.Stderr, "logfmt", "info")
	if err := run(logger, *imapAddr, *username, *password, *mailbox, *count, *idle); err != nil {
		level.Error(logger).Log("msg", "mailcheck failed", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, addr, username, password, mailbox string, count int, idle time.Duration) error {
	updates := make(chan client.Update, 16)
	c, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	c.Updates = updates
	defer c.Logout()

	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	level.Info(logger).Log("msg", "logged in", "user", username, "addr", addr)

	if err := listMailboxes(logger, c); err != nil {
		return err
	}

	mbox, err := c.Select(mailbox, true)
	if err != nil {
		return fmt.Errorf("select %s: %w", mailbox, err)
	}
	level.Info(logger).Log("msg", "selected", "mailbox", mbox.Name, "messages", mbox.Messages, "uidvalidity", mbox.UidValidity)

	if mbox.Messages > 0 && count > 0 {
		from := uint32(1)
		if mbox.Messages > uint32(count) {
			from = mbox.Messages - uint32(count) + 1
		}
		seqSet := new(imap.SeqSet)
		seqSet.AddRange(from, mbox.Messages)
		if err := showMessages(logger, c, seqSet); err != nil {
			return err
		}
	}

	if idle <= 0 {
		return nil
	}
	return watch(logger, c, updates, idle)
}

func listMailboxes(logger log.Logger, c *client.Client) error {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var names []string
	for m := range mailboxes {
		names = append(names, m.Name)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("list mailboxes: %w", err)
	}

	items := []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen, imap.StatusUidNext}
	for _, name := range names {
		status, err := c.Status(name, items)
		if err != nil {
			level.Warn(logger).Log("msg", "status failed", "mailbox", name, "err", err)
			continue
		}
		level.Info(logger).Log("mailbox", name, "messages", status.Messages, "unseen", status.Unseen, "uidnext", status.UidNext)
	}
	return nil
}

func showMessages(logger log.Logger, c *client.Client, seqSet *imap.SeqSet) error {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchRFC822Size}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, items, messages)
	}()

	for msg := range messages {
		if msg.Envelope == nil {
			continue
		}
		level.Info(logger).Log(
			"seq", msg.SeqNum,
			"uid", msg.Uid,
			"subject", msg.Envelope.Subject,
			"from", formatAddresses(msg.Envelope.From),
			"flags", strings.Join(msg.Flags, " "),
			"size", msg.Size,
			"preview", preview(msg.GetBody(section)),
		)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// preview returns the start of the first text part.
func preview(r imap.Literal) string {
	if r == nil {
		return ""
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		return ""
	}
	for {
		p, err := mr.NextPart()
		if err != nil {
			return ""
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			if t, _, _ := h.ContentType(); t != "" && !strings.HasPrefix(t, "text/") {
				continue
			}
			body, _ := io.ReadAll(io.LimitReader(p.Body, 120))
			return strings.Join(strings.Fields(string(body)), " ")
		}
	}
}

func watch(logger log.Logger, c *client.Client, updates <-chan client.Update, d time.Duration) error {
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Idle(stop, nil)
	}()

	level.Info(logger).Log("msg", "watching for changes", "for", d)
	timeout := time.After(d)
	for {
		select {
		case u := <-updates:
			switch u := u.(type) {
			case *client.MailboxUpdate:
				level.Info(logger).Log("msg", "mailbox changed", "messages", u.Mailbox.Messages)
			case *client.ExpungeUpdate:
				level.Info(logger).Log("msg", "message expunged", "seq", u.SeqNum)
			case *client.MessageUpdate:
				level.Info(logger).Log("msg", "flags changed", "seq", u.Message.SeqNum, "flags", strings.Join(u.Message.Flags, " "))
			}
		case <-timeout:
			close(stop)
			return <-done
		case err := <-done:
			return err
		}
	}
}

func formatAddresses(addrs []*imap.Address) string {
	formatted := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr.PersonalName != "" {
			formatted = append(formatted, fmt.Sprintf("%s <%s@%s>", addr.PersonalName, addr.MailboxName, addr.HostName))
		} else {
			formatted = append(formatted, fmt.Sprintf("%s@%s", addr.MailboxName, addr.HostName))
		}
	}
	return strings.Join(formatted, ", ")
}
