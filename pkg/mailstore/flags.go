package mailstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/freeflowuniverse/heromail/pkg/mail"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/go-kit/kit/log/level"
)

// UpdateFlags applies a STORE operation to the messages with the given
// UIDs. Only messages whose flags actually change get a FETCH journal entry
// and a new modseq. The updated messages are returned in UID order.
// session, when set, marks the entries so the originating session can skip
// them.
func (h *Handler) UpdateFlags(ctx context.Context, mb *store.Mailbox, uids []uint32, op imap.FlagsOp, flags []string, session string) ([]*mail.Message, error) {
	flags = normalizeFlags(flags)

	var (
		changed  []*mail.Message
		previous [][]string
		entries  []*store.JournalEntry
	)
	for _, uid := range sortedUIDs(uids) {
		msg, err := h.GetMessage(ctx, mb.ID, uid)
		if errors.Is(err, store.ErrNoSuchMessage) {
			continue
		}
		if err != nil {
			return nil, err
		}
		next := applyFlags(msg.Flags, op, flags)
		if sameFlags(msg.Flags, next) {
			continue
		}
		previous = append(previous, msg.Flags)
		msg.Flags = next
		changed = append(changed, msg)
		entries = append(entries, &store.JournalEntry{
			Command:         store.CommandFetch,
			UID:             uid,
			Flags:           next,
			IgnoreSessionID: session,
		})
	}
	if len(changed) == 0 {
		return nil, nil
	}

	// Documents are written before the journal so no FETCH entry announces
	// flags that were never stored.
	for i, msg := range changed {
		if err := h.putMessage(ctx, msg); err != nil {
			h.restoreFlags(ctx, changed[:i], previous[:i])
			return nil, fmt.Errorf("store flags of %d in %s: %w", msg.UID, mb.ID, err)
		}
	}
	if err := h.notifier.AddEntries(ctx, mb.ID, entries); err != nil {
		h.restoreFlags(ctx, changed, previous)
		return nil, err
	}
	for i, msg := range changed {
		msg.Modseq = entries[i].Modseq
	}
	h.notifier.Fire(mb.User, mb.Path)
	return changed, nil
}

func (h *Handler) restoreFlags(ctx context.Context, msgs []*mail.Message, flags [][]string) {
	for i, msg := range msgs {
		msg.Flags = flags[i]
	}
	h.restoreMessages(ctx, msgs)
}

// Expunge removes the messages flagged \Deleted. With uids set only those
// messages are considered (UID EXPUNGE). The expunged UIDs are returned in
// ascending order.
func (h *Handler) Expunge(ctx context.Context, mb *store.Mailbox, uids []uint32, session string) ([]uint32, error) {
	msgs, err := h.ListMessages(ctx, mb.ID)
	if err != nil {
		return nil, err
	}
	var subset map[uint32]bool
	if uids != nil {
		subset = make(map[uint32]bool, len(uids))
		for _, uid := range uids {
			subset[uid] = true
		}
	}

	var victims []*mail.Message
	for _, msg := range msgs {
		if subset != nil && !subset[msg.UID] {
			continue
		}
		if msg.HasFlag(imap.DeletedFlag) {
			victims = append(victims, msg)
		}
	}
	return h.remove(ctx, mb, victims, session)
}

// remove deletes messages and journals one EXPUNGE per removed message.
// Blobs are released only once the journal holds the entries; on failure
// the deleted documents are put back.
func (h *Handler) remove(ctx context.Context, mb *store.Mailbox, msgs []*mail.Message, session string) ([]uint32, error) {
	var (
		removed []*mail.Message
		entries []*store.JournalEntry
	)
	for _, msg := range msgs {
		err := h.messages.DeleteMessage(ctx, mb.ID, msg.UID)
		if errors.Is(err, store.ErrNoSuchMessage) {
			continue
		}
		if err != nil {
			h.restoreMessages(ctx, removed)
			return nil, fmt.Errorf("expunge %d from %s: %w", msg.UID, mb.ID, err)
		}
		removed = append(removed, msg)
		entries = append(entries, &store.JournalEntry{
			Command:         store.CommandExpunge,
			UID:             msg.UID,
			Message:         msg.MessageID,
			IgnoreSessionID: session,
		})
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if err := h.notifier.AddEntries(ctx, mb.ID, entries); err != nil {
		h.restoreMessages(ctx, removed)
		return nil, err
	}

	uids := make([]uint32, 0, len(removed))
	for _, msg := range removed {
		h.releaseBlobs(ctx, msg.Attachments)
		uids = append(uids, msg.UID)
	}
	level.Debug(h.logger).Log("msg", "messages expunged", "mailbox", mb.ID, "count", len(uids))
	h.notifier.Fire(mb.User, mb.Path)
	return uids, nil
}

// restoreMessages writes documents back after a failed mutation.
func (h *Handler) restoreMessages(ctx context.Context, msgs []*mail.Message) {
	for _, msg := range msgs {
		if err := h.putMessage(ctx, msg); err != nil {
			level.Warn(h.logger).Log("msg", "failed to restore message", "mailbox", msg.Mailbox, "uid", msg.UID, "err", err)
		}
	}
}

func applyFlags(current []string, op imap.FlagsOp, flags []string) []string {
	switch op {
	case imap.SetFlags:
		return append([]string(nil), flags...)
	case imap.AddFlags:
		return normalizeFlags(append(append([]string(nil), current...), flags...))
	case imap.RemoveFlags:
		drop := make(map[string]bool, len(flags))
		for _, f := range flags {
			drop[strings.ToLower(f)] = true
		}
		out := make([]string, 0, len(current))
		for _, f := range current {
			if !drop[strings.ToLower(f)] {
				out = append(out, f)
			}
		}
		return out
	}
	return current
}

// sameFlags compares flag sets ignoring order and case.
func sameFlags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[strings.ToLower(f)] = true
	}
	for _, f := range b {
		if !set[strings.ToLower(f)] {
			return false
		}
	}
	return true
}
