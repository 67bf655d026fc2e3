package imapserver

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/go-kit/kit/log/level"
)

// updateTimeout bounds how long a sync waits for connections to take an
// unsolicited response.
const updateTimeout = 5 * time.Second

// view is the sequence number state of one mailbox shared by all sessions
// of a user that have it open. go-imap broadcasts updates per user and
// mailbox name, so sessions cannot hold diverging views.
type view struct {
	backend *Backend
	id      string
	user    string
	name    string
	refs    int

	mu      sync.Mutex
	mailbox *store.Mailbox
	uids    []uint32
	modseq  uint64
	gone    bool

	wake chan struct{}
	stop chan struct{}
}

func newView(b *Backend, id, user, name string) *view {
	return &view{
		backend: b,
		id:      id,
		user:    user,
		name:    name,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// load reads the mailbox record before its messages, so entries replayed
// afterwards may already be reflected and are applied idempotently.
func (v *view) load(ctx context.Context) error {
	mb, err := v.backend.handler.Mailbox(ctx, v.user, v.name)
	if err != nil {
		return err
	}
	msgs, err := v.backend.handler.ListMessages(ctx, mb.ID)
	if err != nil {
		return err
	}
	uids := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		uids = append(uids, msg.UID)
	}

	v.mu.Lock()
	v.mailbox = mb
	v.uids = uids
	v.modseq = mb.ModifyIndex
	v.mu.Unlock()

	return v.backend.handler.Notifier().AddListener(ctx, v.id, v.user, v.name, v.signal)
}

// signal runs on the subscription goroutine.
func (v *view) signal() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (v *view) run() {
	for {
		select {
		case <-v.stop:
			return
		case <-v.wake:
			if err := v.sync(context.Background()); err != nil {
				level.Warn(v.backend.logger).Log("msg", "mailbox sync failed", "user", v.user, "mailbox", v.name, "err", err)
			}
		}
	}
}

func (v *view) close() {
	close(v.stop)
	v.backend.handler.Notifier().RemoveListener(v.id, v.user, v.name)
}

// snapshot returns the mailbox record and UIDs in sequence order.
func (v *view) snapshot() (*store.Mailbox, []uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mailbox, append([]uint32(nil), v.uids...)
}

// sync applies the journal entries recorded since the last sync and sends
// the matching unsolicited responses: EXPUNGE and FETCH per entry, then
// EXISTS when messages were added.
func (v *view) sync(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gone {
		return nil
	}

	entries, err := v.backend.handler.Notifier().GetUpdates(ctx, v.mailbox.ID, v.modseq)
	if errors.Is(err, store.ErrNoSuchMailbox) {
		v.gone = true
		return nil
	}
	if err != nil {
		return err
	}

	var (
		updates []backend.Update
		added   bool
	)
	for _, e := range entries {
		if e.Modseq > v.modseq {
			v.modseq = e.Modseq
		}
		idx := v.index(e.UID)
		switch e.Command {
		case store.CommandExists:
			if idx < 0 {
				v.insert(e.UID)
				added = true
			}
		case store.CommandExpunge:
			if idx >= 0 {
				v.uids = append(v.uids[:idx], v.uids[idx+1:]...)
				updates = append(updates, &backend.ExpungeUpdate{
					Update: backend.NewUpdate(v.user, v.name),
					SeqNum: uint32(idx + 1),
				})
			}
		case store.CommandFetch:
			if idx >= 0 {
				msg := imap.NewMessage(uint32(idx+1), []imap.FetchItem{imap.FetchFlags, imap.FetchUid})
				msg.Flags = e.Flags
				msg.Uid = e.UID
				updates = append(updates, &backend.MessageUpdate{
					Update:  backend.NewUpdate(v.user, v.name),
					Message: msg,
				})
			}
		}
	}
	if added {
		status := imap.NewMailboxStatus(v.name, []imap.StatusItem{imap.StatusMessages})
		status.Messages = uint32(len(v.uids))
		updates = append(updates, &backend.MailboxUpdate{
			Update:        backend.NewUpdate(v.user, v.name),
			MailboxStatus: status,
		})
	}

	for _, u := range updates {
		if !v.backend.push(u) {
			level.Warn(v.backend.logger).Log("msg", "dropped mailbox update", "user", v.user, "mailbox", v.name)
		}
	}
	return nil
}

func (v *view) index(uid uint32) int {
	i := sort.Search(len(v.uids), func(i int) bool { return v.uids[i] >= uid })
	if i < len(v.uids) && v.uids[i] == uid {
		return i
	}
	return -1
}

func (v *view) insert(uid uint32) {
	i := sort.Search(len(v.uids), func(i int) bool { return v.uids[i] >= uid })
	v.uids = append(v.uids, 0)
	copy(v.uids[i+1:], v.uids[i:])
	v.uids[i] = uid
}

// resolve maps a sequence or UID set onto the snapshot. It returns the
// selected UIDs with their sequence numbers, both ascending.
func resolve(uids []uint32, uid bool, set *imap.SeqSet) (selected []uint32, seqs []uint32) {
	if len(uids) == 0 || set == nil {
		return nil, nil
	}
	last := uint32(len(uids))
	if uid {
		last = uids[len(uids)-1]
	}
	for i, u := range uids {
		n := uint32(i + 1)
		if uid {
			n = u
		}
		if inSet(set, n, last) {
			selected = append(selected, u)
			seqs = append(seqs, uint32(i+1))
		}
	}
	return selected, seqs
}

// inSet resolves "*" to last before testing membership.
func inSet(set *imap.SeqSet, n, last uint32) bool {
	for _, seq := range set.Set {
		start, stop := seq.Start, seq.Stop
		if start == 0 {
			start = last
		}
		if stop == 0 {
			stop = last
		}
		if start > stop {
			start, stop = stop, start
		}
		if n >= start && n <= stop {
			return true
		}
	}
	return false
}

func viewKey(user, name string) string {
	return strconv.Quote(user) + "/" + name
}
