// Package mailstore implements the mailbox mutations shared by the IMAP
// and LMTP front ends. Every change is written to the message collection,
// recorded in the mailbox journal and announced through the notifier.
package mailstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/freeflowuniverse/heromail/pkg/indexer"
	"github.com/freeflowuniverse/heromail/pkg/mail"
	"github.com/freeflowuniverse/heromail/pkg/notifier"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Metrics counts stored content.
type Metrics struct {
	MessagesAppended   metrics.Counter
	BodiesExternalized metrics.Counter
}

// DiscardMetrics returns counters that record nothing.
func DiscardMetrics() *Metrics {
	return &Metrics{
		MessagesAppended:   discard.NewCounter(),
		BodiesExternalized: discard.NewCounter(),
	}
}

// Options configures a Handler. Everything but Logger and Metrics is
// required.
type Options struct {
	Mailboxes store.MailboxStore
	Messages  store.MessageStore
	Blobs     store.BlobStore
	Notifier  *notifier.Notifier

	Logger      log.Logger
	Metrics     *Metrics
	Externalize indexer.ExternalizeOptions
}

// Handler is safe for concurrent use.
type Handler struct {
	mailboxes store.MailboxStore
	messages  store.MessageStore
	blobs     store.BlobStore
	notifier  *notifier.Notifier
	logger    log.Logger
	metrics   *Metrics
	extOpts   indexer.ExternalizeOptions
}

// New creates a Handler.
func New(opts Options) *Handler {
	h := &Handler{
		mailboxes: opts.Mailboxes,
		messages:  opts.Messages,
		blobs:     opts.Blobs,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		extOpts:   opts.Externalize,
	}
	if h.logger == nil {
		h.logger = log.NewNopLogger()
	}
	h.logger = log.With(h.logger, "component", "mailstore")
	if h.metrics == nil {
		h.metrics = DiscardMetrics()
	}
	if h.extOpts.Threshold <= 0 {
		h.extOpts.Threshold = indexer.DefaultExternalizeThreshold
	}
	return h
}

// Notifier returns the notifier changes are announced through.
func (h *Handler) Notifier() *notifier.Notifier {
	return h.notifier
}

// Mailbox looks up a mailbox by path.
func (h *Handler) Mailbox(ctx context.Context, user, path string) (*store.Mailbox, error) {
	return h.mailboxes.FindMailbox(ctx, user, path)
}

// Refresh reloads a mailbox record by id.
func (h *Handler) Refresh(ctx context.Context, mailbox string) (*store.Mailbox, error) {
	return h.mailboxes.GetMailbox(ctx, mailbox)
}

// Mailboxes lists the mailboxes of a user ordered by path.
func (h *Handler) Mailboxes(ctx context.Context, user string) ([]*store.Mailbox, error) {
	return h.mailboxes.ListMailboxes(ctx, user)
}

// CreateMailbox creates a mailbox with a fresh UIDVALIDITY.
func (h *Handler) CreateMailbox(ctx context.Context, user, path string) (*store.Mailbox, error) {
	mb, err := h.mailboxes.CreateMailbox(ctx, user, path)
	if err != nil {
		return nil, err
	}
	level.Debug(h.logger).Log("msg", "mailbox created", "user", user, "path", path, "mailbox", mb.ID)
	return mb, nil
}

// EnsureMailbox returns the mailbox at path, creating it when missing.
func (h *Handler) EnsureMailbox(ctx context.Context, user, path string) (*store.Mailbox, error) {
	mb, err := h.mailboxes.FindMailbox(ctx, user, path)
	if !errors.Is(err, store.ErrNoSuchMailbox) {
		return mb, err
	}
	mb, err = h.mailboxes.CreateMailbox(ctx, user, path)
	if errors.Is(err, store.ErrMailboxExists) {
		return h.mailboxes.FindMailbox(ctx, user, path)
	}
	return mb, err
}

// RenameMailbox moves a mailbox to a new path. Sessions watching the old
// path are woken so they notice it is gone.
func (h *Handler) RenameMailbox(ctx context.Context, user, path, newPath string) error {
	mb, err := h.mailboxes.FindMailbox(ctx, user, path)
	if err != nil {
		return err
	}
	if err := h.mailboxes.RenameMailbox(ctx, mb.ID, newPath); err != nil {
		return err
	}
	h.notifier.Fire(user, path)
	return nil
}

// DeleteMailbox removes a mailbox with its messages and releases the blobs
// they reference.
func (h *Handler) DeleteMailbox(ctx context.Context, user, path string) error {
	mb, err := h.mailboxes.FindMailbox(ctx, user, path)
	if err != nil {
		return err
	}
	msgs, err := h.ListMessages(ctx, mb.ID)
	if err != nil {
		return err
	}
	if err := h.mailboxes.DeleteMailbox(ctx, mb.ID); err != nil {
		return err
	}
	for _, msg := range msgs {
		h.releaseBlobs(ctx, msg.Attachments)
	}
	h.notifier.Fire(user, path)
	return nil
}

// SetSubscribed updates the subscription flag of a mailbox.
func (h *Handler) SetSubscribed(ctx context.Context, mailbox string, subscribed bool) error {
	return h.mailboxes.SetSubscribed(ctx, mailbox, subscribed)
}

// GetMessage loads one message document.
func (h *Handler) GetMessage(ctx context.Context, mailbox string, uid uint32) (*mail.Message, error) {
	doc, err := h.messages.GetMessage(ctx, mailbox, uid)
	if err != nil {
		return nil, err
	}
	return mail.Unmarshal(doc)
}

// ListMessages loads every message of a mailbox in ascending UID order.
// Messages removed while listing are skipped.
func (h *Handler) ListMessages(ctx context.Context, mailbox string) ([]*mail.Message, error) {
	uids, err := h.messages.ListUIDs(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", mailbox, err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	msgs := make([]*mail.Message, 0, len(uids))
	for _, uid := range uids {
		msg, err := h.GetMessage(ctx, mailbox, uid)
		if errors.Is(err, store.ErrNoSuchMessage) {
			continue
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (h *Handler) putMessage(ctx context.Context, msg *mail.Message) error {
	doc, err := msg.Marshal()
	if err != nil {
		return err
	}
	return h.messages.PutMessage(ctx, msg.Mailbox, msg.UID, doc)
}

// releaseBlobs drops one reference per id. Failures only leak storage, so
// they are logged.
func (h *Handler) releaseBlobs(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := h.blobs.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNoSuchBlob) {
			level.Warn(h.logger).Log("msg", "failed to release blob", "blob", id, "err", err)
		}
	}
}
