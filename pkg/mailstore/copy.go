package mailstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/freeflowuniverse/heromail/pkg/mail"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/go-kit/kit/log/level"
)

// CopyResult maps source UIDs to the UIDs assigned in the destination.
type CopyResult struct {
	UIDValidity uint32
	SourceUIDs  []uint32
	DestUIDs    []uint32
}

// Copy duplicates messages into dest. The copies share attachment blobs
// with the originals and get fresh UIDs allocated as one block.
func (h *Handler) Copy(ctx context.Context, src *store.Mailbox, uids []uint32, dest *store.Mailbox) (*CopyResult, error) {
	var msgs []*mail.Message
	for _, uid := range sortedUIDs(uids) {
		msg, err := h.GetMessage(ctx, src.ID, uid)
		if errors.Is(err, store.ErrNoSuchMessage) {
			continue
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	res := &CopyResult{UIDValidity: dest.UIDValidity}
	if len(msgs) == 0 {
		return res, nil
	}

	first, err := h.notifier.AllocateUIDs(ctx, dest.ID, len(msgs))
	if err != nil {
		return nil, err
	}

	var (
		stored  []*mail.Message
		entries = make([]*store.JournalEntry, 0, len(msgs))
	)
	for i, msg := range msgs {
		srcUID := msg.UID
		for j, id := range msg.Attachments {
			if err := h.blobs.Reference(ctx, id); err != nil {
				h.releaseBlobs(ctx, msg.Attachments[:j])
				h.discard(ctx, stored)
				return nil, fmt.Errorf("reference blob %s: %w", id, err)
			}
		}
		msg.Mailbox = dest.ID
		msg.UID = first + uint32(i)
		msg.Modseq = 0
		if err := h.putMessage(ctx, msg); err != nil {
			h.releaseBlobs(ctx, msg.Attachments)
			h.discard(ctx, stored)
			return nil, fmt.Errorf("copy message %d to %s: %w", srcUID, dest.ID, err)
		}
		stored = append(stored, msg)
		res.SourceUIDs = append(res.SourceUIDs, srcUID)
		res.DestUIDs = append(res.DestUIDs, msg.UID)
		entries = append(entries, &store.JournalEntry{
			Command: store.CommandExists,
			UID:     msg.UID,
			Message: msg.MessageID,
			Unseen:  !msg.HasFlag(`\Seen`),
		})
	}

	if err := h.notifier.AddEntries(ctx, dest.ID, entries); err != nil {
		h.discard(ctx, stored)
		return nil, err
	}
	level.Debug(h.logger).Log("msg", "messages copied", "from", src.ID, "to", dest.ID, "count", len(entries))
	h.notifier.Fire(dest.User, dest.Path)
	return res, nil
}

// discard deletes copies that were never journaled and releases their
// blob references.
func (h *Handler) discard(ctx context.Context, msgs []*mail.Message) {
	for _, msg := range msgs {
		if err := h.messages.DeleteMessage(ctx, msg.Mailbox, msg.UID); err != nil && !errors.Is(err, store.ErrNoSuchMessage) {
			level.Warn(h.logger).Log("msg", "failed to discard copy", "mailbox", msg.Mailbox, "uid", msg.UID, "err", err)
		}
		h.releaseBlobs(ctx, msg.Attachments)
	}
}

// Move copies messages into dest and expunges them from src regardless of
// their \Deleted flag.
func (h *Handler) Move(ctx context.Context, src *store.Mailbox, uids []uint32, dest *store.Mailbox, session string) (*CopyResult, error) {
	res, err := h.Copy(ctx, src, uids, dest)
	if err != nil {
		return nil, err
	}
	var moved []*mail.Message
	for _, uid := range res.SourceUIDs {
		msg, err := h.GetMessage(ctx, src.ID, uid)
		if errors.Is(err, store.ErrNoSuchMessage) {
			continue
		}
		if err != nil {
			return nil, err
		}
		moved = append(moved, msg)
	}
	if _, err := h.remove(ctx, src, moved, session); err != nil {
		h.undoCopy(ctx, dest, res.DestUIDs)
		return nil, err
	}
	return res, nil
}

// undoCopy expunges journaled copies after the source half of a move
// failed, so the messages are not left in both mailboxes.
func (h *Handler) undoCopy(ctx context.Context, dest *store.Mailbox, uids []uint32) {
	var copies []*mail.Message
	for _, uid := range uids {
		msg, err := h.GetMessage(ctx, dest.ID, uid)
		if err != nil {
			continue
		}
		copies = append(copies, msg)
	}
	if _, err := h.remove(ctx, dest, copies, ""); err != nil {
		level.Warn(h.logger).Log("msg", "failed to undo copy", "mailbox", dest.ID, "err", err)
	}
}
