// Command mailfeeder fills a heromail Redis with random messages spread
// over a folder tree, for trying out clients against a populated store.
// A running heromail sees the new messages through the change channels.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/freeflowuniverse/heromail/pkg/dedupestor"
	"github.com/freeflowuniverse/heromail/pkg/logging"
	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/freeflowuniverse/heromail/pkg/notifier"
	"github.com/freeflowuniverse/heromail/pkg/redisclient"
	"github.com/freeflowuniverse/heromail/pkg/store/redisstore"
	"github.com/go-kit/kit/log/level"
)

var (
	senders = []string{
		"john.doe@example.com",
		"jane.smith@example.com",
		"bob.johnson@example.com",
		"alice.williams@example.com",
		"david.brown@example.com",
	}

	recipients = []string{
		"recipient1@example.com",
		"recipient2@example.com",
		"recipient3@example.com",
		"team@example.com",
	}

	subjects = []string{
		"Meeting Agenda for Next Week",
		"Project Update: Phase 2 Complete",
		"Quarterly Report: Q1 2025",
		"Invitation to Company Event",
		"Follow-up on Previous Discussion",
		"Customer Feedback Summary",
	}

	bodies = []string{
		"Hello,\r\n\r\nI wanted to discuss the upcoming project deadlines.\r\n\r\nBest regards,\r\n%s\r\n",
		"Hi team,\r\n\r\nPlease find attached the latest report on our quarterly performance.\r\n\r\nRegards,\r\n%s\r\n",
		"Greetings,\r\n\r\nThis is a reminder about the meeting scheduled for tomorrow at 10 AM.\r\n\r\nThank you,\r\n%s\r\n",
	}

	// Top level folders with their possible children.
	folderStructure = map[string][]string{
		"INBOX":    {"important", "work"},
		"Sent":     {"work", "personal"},
		"Drafts":   {},
		"Archive":  {"2023", "2024", "2025"},
		"work":     {"projects", "meetings", "reports"},
		"projects": {"projectA", "projectB"},
	}
)

func main() {
	redisAddr := flag.String("redis-addr", "localhost:6378", "Redis server address")
	redisDB := flag.Int("redis-db", 0, "Redis database number")
	accounts := flag.String("accounts", "jan,pol", "Comma-separated user names to fill")
	numEmails := flag.Int("num-emails", 100, "Number of emails to generate")
	flag.Parse()

	logger := logging.New(os.Stderr, "logfmt", "info")
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	ctx := context.Background()

	rc := redisclient.NewClientWithAddr("tcp", *redisAddr, *redisDB)
	defer rc.Close()
	if err := rc.Ping(ctx).Err(); err != nil {
		level.Error(logger).Log("msg", "failed to connect to redis", "addr", *redisAddr, "err", err)
		os.Exit(1)
	}

	s := redisstore.New(rc)
	n := notifier.New(notifier.Options{Mailboxes: s, Journal: s, Messages: s, PubSub: s, Logger: logger})
	defer n.Close()
	h := mailstore.New(mailstore.Options{
		Mailboxes: s,
		Messages:  s,
		Blobs:     dedupestor.New(dedupestor.NewArgs{Client: rc}),
		Notifier:  n,
		Logger:    logger,
	})

	users := strings.Split(*accounts, ",")
	for i := 0; i < *numEmails; i++ {
		user := strings.TrimSpace(users[r.Intn(len(users))])
		folder := randomFolder(r)

		raw, err := randomMessage(r)
		if err != nil {
			level.Error(logger).Log("msg", "failed to build message", "err", err)
			os.Exit(1)
		}
		if err := ensurePath(ctx, h, user, folder); err != nil {
			level.Error(logger).Log("msg", "failed to create folder", "user", user, "folder", folder, "err", err)
			os.Exit(1)
		}
		msg, err := h.Append(ctx, user, folder, raw, nil, time.Now())
		if err != nil {
			level.Error(logger).Log("msg", "failed to store message", "user", user, "folder", folder, "err", err)
			os.Exit(1)
		}
		level.Debug(logger).Log("msg", "stored", "user", user, "folder", folder, "uid", msg.UID)
	}
	level.Info(logger).Log("msg", "generated messages", "count", *numEmails, "accounts", *accounts)
}

// ensurePath creates folder and its superiors.
func ensurePath(ctx context.Context, h *mailstore.Handler, user, folder string) error {
	parts := strings.Split(folder, "/")
	for i := 1; i <= len(parts); i++ {
		if _, err := h.EnsureMailbox(ctx, user, strings.Join(parts[:i], "/")); err != nil {
			return err
		}
	}
	return nil
}

// randomFolder returns a path of up to three levels.
func randomFolder(r *rand.Rand) string {
	keys := make([]string, 0, len(folderStructure))
	for k := range folderStructure {
		keys = append(keys, k)
	}
	current := keys[r.Intn(len(keys))]
	path := []string{current}
	for depth := r.Intn(3) + 1; len(path) < depth; {
		children := folderStructure[current]
		if len(children) == 0 {
			break
		}
		current = children[r.Intn(len(children))]
		path = append(path, current)
	}
	return strings.Join(path, "/")
}

func randomMessage(r *rand.Rand) ([]byte, error) {
	sender := senders[r.Intn(len(senders))]
	name := strings.ReplaceAll(strings.Split(sender, "@")[0], ".", " ")

	var to []*mail.Address
	seen := make(map[string]bool)
	for i := r.Intn(3) + 1; i > 0; i-- {
		rcpt := recipients[r.Intn(len(recipients))]
		if !seen[rcpt] {
			seen[rcpt] = true
			to = append(to, &mail.Address{Address: rcpt})
		}
	}

	var h mail.Header
	h.SetDate(time.Now().Add(-time.Duration(r.Intn(30*24)) * time.Hour))
	h.SetSubject(subjects[r.Intn(len(subjects))])
	h.SetAddressList("From", []*mail.Address{{Name: name, Address: sender}})
	h.SetAddressList("To", to)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(tw, bodies[r.Intn(len(bodies))], name)
	if err := tw.Close(); err != nil {
		return nil, err
	}

	// one in five messages carries a document
	if r.Intn(5) == 0 {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", "application/pdf")
		ah.SetFilename("document.pdf")
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		doc := make([]byte, 1024+r.Intn(4096))
		r.Read(doc)
		if _, err := io.Copy(aw, bytes.NewReader(doc)); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
