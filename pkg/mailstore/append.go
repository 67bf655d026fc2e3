package mailstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/freeflowuniverse/heromail/pkg/indexer"
	"github.com/freeflowuniverse/heromail/pkg/mail"
	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/go-kit/kit/log/level"
)

// recentFlag is session state and never stored.
const recentFlag = `\Recent`

// IndexMessage parses raw and builds the stored document for it: the MIME
// tree, ENVELOPE, BODY, BODYSTRUCTURE and the exact RFC822 size. A message
// that cannot be parsed is kept verbatim in Raw.
func IndexMessage(raw []byte, flags []string, date time.Time) *mail.Message {
	if date.IsZero() {
		date = time.Now()
	}
	msg := &mail.Message{
		Flags:        normalizeFlags(flags),
		InternalDate: date,
	}

	tree, err := mimeparser.Parse(raw)
	if err != nil {
		msg.Raw = raw
		msg.Size = int64(len(raw))
		return msg
	}

	msg.MimeTree = tree
	msg.Envelope = indexer.BuildEnvelope(tree.ParsedHeader)
	msg.Body = indexer.BuildStructure(tree, indexer.Options{Body: true})
	msg.BodyStructure = indexer.BuildStructure(tree, indexer.Options{})
	msg.Size = indexer.GetSize(tree, false)
	msg.MessageID = strings.TrimSpace(tree.ParsedHeader.Get("message-id"))
	if tree.ParsedHeader.Has("date") {
		if d, err := mimeparser.ParseDate(tree.ParsedHeader.Get("date")); err == nil {
			msg.HeaderDate = d
		}
	}
	return msg
}

// Append stores raw as a new message in the mailbox at path. Large bodies
// go to the blob store; the message gets the next UID and an EXISTS
// journal entry, and watchers are woken.
func (h *Handler) Append(ctx context.Context, user, path string, raw []byte, flags []string, date time.Time) (*mail.Message, error) {
	mb, err := h.mailboxes.FindMailbox(ctx, user, path)
	if err != nil {
		return nil, err
	}
	return h.AppendTo(ctx, mb, raw, flags, date)
}

// AppendTo is Append for a mailbox that has already been resolved.
func (h *Handler) AppendTo(ctx context.Context, mb *store.Mailbox, raw []byte, flags []string, date time.Time) (*mail.Message, error) {
	msg := IndexMessage(raw, flags, date)
	if msg.MimeTree == nil {
		level.Warn(h.logger).Log("msg", "storing unparsed message", "mailbox", mb.ID, "size", msg.Size)
	}

	if msg.MimeTree != nil {
		ids, err := indexer.StoreNodeBodies(ctx, msg.MimeTree, h.blobs, h.extOpts)
		if err != nil {
			h.releaseBlobs(ctx, ids)
			return nil, fmt.Errorf("externalize bodies: %w", err)
		}
		msg.Attachments = ids
		h.metrics.BodiesExternalized.Add(float64(len(ids)))
	}

	uid, err := h.notifier.AllocateUIDs(ctx, mb.ID, 1)
	if err != nil {
		h.releaseBlobs(ctx, msg.Attachments)
		return nil, err
	}
	msg.Mailbox = mb.ID
	msg.UID = uid

	if err := h.putMessage(ctx, msg); err != nil {
		h.releaseBlobs(ctx, msg.Attachments)
		return nil, fmt.Errorf("store message %d in %s: %w", uid, mb.ID, err)
	}

	entry := &store.JournalEntry{
		Command: store.CommandExists,
		UID:     uid,
		Message: msg.MessageID,
		Unseen:  !msg.HasFlag(`\Seen`),
	}
	if err := h.notifier.AddEntries(ctx, mb.ID, []*store.JournalEntry{entry}); err != nil {
		if derr := h.messages.DeleteMessage(ctx, mb.ID, uid); derr != nil {
			level.Warn(h.logger).Log("msg", "failed to roll back message", "mailbox", mb.ID, "uid", uid, "err", derr)
		}
		h.releaseBlobs(ctx, msg.Attachments)
		return nil, err
	}
	msg.Modseq = entry.Modseq

	h.metrics.MessagesAppended.Add(1)
	level.Debug(h.logger).Log("msg", "message appended", "mailbox", mb.ID, "uid", uid, "size", msg.Size, "modseq", msg.Modseq)
	h.notifier.Fire(mb.User, mb.Path)
	return msg, nil
}

// normalizeFlags drops duplicates and \Recent, keeping the first spelling.
func normalizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	seen := make(map[string]bool, len(flags))
	for _, f := range flags {
		key := strings.ToLower(f)
		if f == "" || strings.EqualFold(f, recentFlag) || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}
