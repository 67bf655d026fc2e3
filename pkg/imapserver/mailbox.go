package imapserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/freeflowuniverse/heromail/pkg/search"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/go-kit/kit/log/level"
)

var (
	_ backend.Mailbox       = (*Mailbox)(nil)
	_ backend.MoveMailbox   = (*Mailbox)(nil)
	_ backend.MailboxPoller = (*Mailbox)(nil)
)

var permanentFlags = []string{imap.SeenFlag, imap.AnsweredFlag, imap.FlaggedFlag, imap.DeletedFlag, imap.DraftFlag, `\*`}

// Mailbox represents an IMAP mailbox (folder)
type Mailbox struct {
	user     *User
	name     string
	children bool
}

// Name returns the mailbox name
func (m *Mailbox) Name() string {
	return m.name
}

// Info returns information about the mailbox
func (m *Mailbox) Info() (*imap.MailboxInfo, error) {
	info := &imap.MailboxInfo{
		Attributes: []string{},
		Delimiter:  Delimiter,
		Name:       m.name,
	}

	// Handle standard mailboxes
	leaf := m.name[strings.LastIndex(m.name, Delimiter)+1:]
	switch strings.ToLower(leaf) {
	case "sent", "sent items":
		info.Attributes = append(info.Attributes, imap.SentAttr)
	case "drafts":
		info.Attributes = append(info.Attributes, imap.DraftsAttr)
	case "trash":
		info.Attributes = append(info.Attributes, imap.TrashAttr)
	case "junk", "spam":
		info.Attributes = append(info.Attributes, imap.JunkAttr)
	case "archive":
		info.Attributes = append(info.Attributes, imap.ArchiveAttr)
	}

	if m.children {
		info.Attributes = append(info.Attributes, imap.HasChildrenAttr)
	} else {
		info.Attributes = append(info.Attributes, imap.HasNoChildrenAttr)
	}
	return info, nil
}

func (m *Mailbox) view(ctx context.Context) (*view, error) {
	v, err := m.user.view(ctx, m.name)
	if err != nil {
		return nil, mapError(err)
	}
	return v, nil
}

// Status returns the mailbox status
func (m *Mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	ctx := context.Background()
	v, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	if err := v.sync(ctx); err != nil {
		return nil, err
	}
	mb, uids := v.snapshot()
	mb, err = m.user.backend.handler.Refresh(ctx, mb.ID)
	if err != nil {
		return nil, mapError(err)
	}

	status := imap.NewMailboxStatus(m.name, items)
	status.Flags = []string{imap.SeenFlag, imap.AnsweredFlag, imap.FlaggedFlag, imap.DeletedFlag, imap.DraftFlag}
	status.PermanentFlags = permanentFlags

	var unseen uint32
	res, err := m.user.backend.handler.Search(ctx, mb.ID, []search.Term{search.Flag(imap.SeenFlag, false)})
	if err != nil {
		return nil, err
	}
	unseenSet := search.NewUIDSet(res.UIDs...)
	for i, uid := range uids {
		if unseenSet.Contains(uid) {
			if unseen == 0 {
				status.UnseenSeqNum = uint32(i + 1)
			}
			unseen++
		}
	}

	for _, item := range items {
		switch item {
		case imap.StatusMessages:
			status.Messages = uint32(len(uids))
		case imap.StatusRecent:
			status.Recent = 0 // \Recent is not tracked
		case imap.StatusUnseen:
			status.Unseen = unseen
		case imap.StatusUidNext:
			status.UidNext = mb.UIDNext
		case imap.StatusUidValidity:
			status.UidValidity = mb.UIDValidity
		}
	}
	return status, nil
}

// SetSubscribed sets the mailbox subscription status
func (m *Mailbox) SetSubscribed(subscribed bool) error {
	ctx := context.Background()
	mb, err := m.user.backend.handler.Mailbox(ctx, m.user.username, m.name)
	if err != nil {
		return mapError(err)
	}
	return m.user.backend.handler.SetSubscribed(ctx, mb.ID, subscribed)
}

// Check checks the mailbox for updates
func (m *Mailbox) Check() error {
	return m.Poll()
}

// Poll implements backend.MailboxPoller.
func (m *Mailbox) Poll() error {
	ctx := context.Background()
	v, err := m.view(ctx)
	if err != nil {
		return err
	}
	return v.sync(ctx)
}

// ListMessages returns a list of messages
func (m *Mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	ctx := m.user.ctx
	v, err := m.view(ctx)
	if err != nil {
		return err
	}
	mb, uids := v.snapshot()
	selected, seqs := resolve(uids, uid, seqSet)

	h := m.user.backend.handler
	for i, u := range selected {
		msg, err := h.GetMessage(ctx, mb.ID, u)
		if errors.Is(err, store.ErrNoSuchMessage) {
			continue
		}
		if err != nil {
			return err
		}
		if needsSeen(items) && !msg.HasFlag(imap.SeenFlag) {
			changed, err := h.UpdateFlags(ctx, mb, []uint32{u}, imap.AddFlags, []string{imap.SeenFlag}, "")
			if err != nil {
				return err
			}
			if len(changed) == 1 {
				msg = changed[0]
			}
		}
		imapMsg, err := m.user.backend.fetch(ctx, msg, seqs[i], items)
		if err != nil {
			return err
		}
		ch <- imapMsg
	}
	return nil
}

// SearchMessages searches for messages matching the given criteria
func (m *Mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	ctx := context.Background()
	v, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	mb, uids := v.snapshot()
	res, err := m.user.backend.handler.Search(ctx, mb.ID, search.FromCriteria(criteria, uids))
	if err != nil {
		return nil, err
	}

	matched := search.NewUIDSet(res.UIDs...)
	var ids []uint32
	for i, u := range uids {
		if !matched.Contains(u) {
			continue
		}
		if uid {
			ids = append(ids, u)
		} else {
			ids = append(ids, uint32(i+1))
		}
	}
	return ids, nil
}

// CreateMessage adds a new message to the mailbox
func (m *Mailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read message literal: %w", err)
	}
	ctx := context.Background()
	h := m.user.backend.handler
	mb, err := h.Mailbox(ctx, m.user.username, m.name)
	if err != nil {
		return mapError(err)
	}
	if _, err := h.AppendTo(ctx, mb, raw, flags, date); err != nil {
		return err
	}
	m.user.backend.syncOpen(ctx, m.user.username, m.name)
	return nil
}

// UpdateMessagesFlags updates flags for the specified messages
func (m *Mailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, operation imap.FlagsOp, flags []string) error {
	ctx := context.Background()
	v, err := m.view(ctx)
	if err != nil {
		return err
	}
	mb, uids := v.snapshot()
	selected, _ := resolve(uids, uid, seqSet)
	if _, err := m.user.backend.handler.UpdateFlags(ctx, mb, selected, operation, flags, ""); err != nil {
		return err
	}
	return v.sync(ctx)
}

// CopyMessages copies the specified messages to another mailbox
func (m *Mailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	ctx := context.Background()
	destName = canonicalName(destName)
	h := m.user.backend.handler
	dest, err := h.Mailbox(ctx, m.user.username, destName)
	if err != nil {
		return mapError(err)
	}
	v, err := m.view(ctx)
	if err != nil {
		return err
	}
	mb, uids := v.snapshot()
	selected, _ := resolve(uids, uid, seqSet)
	res, err := h.Copy(ctx, mb, selected, dest)
	if err != nil {
		return err
	}
	level.Debug(m.user.backend.logger).Log("msg", "copied", "from", m.name, "to", destName, "count", len(res.DestUIDs))
	m.user.backend.syncOpen(ctx, m.user.username, destName)
	return nil
}

// MoveMessages moves the specified messages to another mailbox
func (m *Mailbox) MoveMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	ctx := context.Background()
	destName = canonicalName(destName)
	h := m.user.backend.handler
	dest, err := h.Mailbox(ctx, m.user.username, destName)
	if err != nil {
		return mapError(err)
	}
	v, err := m.view(ctx)
	if err != nil {
		return err
	}
	mb, uids := v.snapshot()
	selected, _ := resolve(uids, uid, seqSet)
	if _, err := h.Move(ctx, mb, selected, dest, ""); err != nil {
		return err
	}
	m.user.backend.syncOpen(ctx, m.user.username, destName)
	return v.sync(ctx)
}

// Expunge permanently removes messages marked for deletion
func (m *Mailbox) Expunge() error {
	ctx := context.Background()
	v, err := m.view(ctx)
	if err != nil {
		return err
	}
	mb, _ := v.snapshot()
	if _, err := m.user.backend.handler.Expunge(ctx, mb, nil, ""); err != nil {
		return err
	}
	return v.sync(ctx)
}

// needsSeen reports whether a FETCH implicitly sets \Seen.
func needsSeen(items []imap.FetchItem) bool {
	for _, item := range items {
		if section, err := imap.ParseBodySectionName(item); err == nil && !section.Peek {
			return true
		}
	}
	return false
}
