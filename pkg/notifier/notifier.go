// Package notifier keeps the per-mailbox change journal and wakes up
// sessions, in this or any other process, that watch a mailbox.
//
// Writers call AddEntries to record changes with freshly allocated modseq
// values and then Fire to publish a wake-up. Readers register a listener
// and, when woken, pull the changes they have not seen with GetUpdates.
package notifier

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"golang.org/x/crypto/blake2b"
)

// Default debounce timings.
const (
	DefaultDebounceWindow = 100 * time.Millisecond
	DefaultHoldOff        = time.Second
)

// Metrics counts notifier activity.
type Metrics struct {
	EntriesAppended metrics.Counter
	FiresPublished  metrics.Counter
	FiresCoalesced  metrics.Counter
}

// DiscardMetrics returns counters that record nothing.
func DiscardMetrics() *Metrics {
	return &Metrics{
		EntriesAppended: discard.NewCounter(),
		FiresPublished:  discard.NewCounter(),
		FiresCoalesced:  discard.NewCounter(),
	}
}

// Options configures a Notifier. Mailboxes, Journal and PubSub are
// required.
type Options struct {
	Mailboxes store.MailboxStore
	Journal   store.JournalStore
	// Messages, when set, gets each touched message stamped with the
	// modseq of its newest entry.
	Messages store.MessageStore
	PubSub   store.PubSub

	Logger  log.Logger
	Metrics *Metrics

	DebounceWindow time.Duration
	HoldOff        time.Duration
}

// Notifier is safe for concurrent use.
type Notifier struct {
	mailboxes store.MailboxStore
	journal   store.JournalStore
	messages  store.MessageStore
	pubsub    store.PubSub
	logger    log.Logger
	metrics   *Metrics
	window    time.Duration
	holdOff   time.Duration

	mu        sync.Mutex
	closed    bool
	pending   map[string]*pendingFire
	listeners map[string]*channelListeners
}

// New creates a Notifier.
func New(opts Options) *Notifier {
	n := &Notifier{
		mailboxes: opts.Mailboxes,
		journal:   opts.Journal,
		messages:  opts.Messages,
		pubsub:    opts.PubSub,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		window:    opts.DebounceWindow,
		holdOff:   opts.HoldOff,
		pending:   make(map[string]*pendingFire),
		listeners: make(map[string]*channelListeners),
	}
	if n.logger == nil {
		n.logger = log.NewNopLogger()
	}
	n.logger = log.With(n.logger, "component", "notifier")
	if n.metrics == nil {
		n.metrics = DiscardMetrics()
	}
	if n.window <= 0 {
		n.window = DefaultDebounceWindow
	}
	if n.holdOff <= 0 {
		n.holdOff = DefaultHoldOff
	}
	return n
}

// ChannelID derives the pub/sub channel for a user's mailbox path.
func ChannelID(user, path string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(user))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return "notify:" + hex.EncodeToString(h.Sum(nil))
}

// AddEntries records entries in the mailbox journal. Entries without a
// modseq get one from a single contiguous block reserved atomically, in
// input order; entries that already carry one keep it. When the block
// cannot be reserved nothing is written.
func (n *Notifier) AddEntries(ctx context.Context, mailbox string, entries []*store.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var need int64
	for _, e := range entries {
		if e.Modseq == 0 {
			need++
		}
	}
	if need > 0 {
		last, err := n.mailboxes.IncrementModifyIndex(ctx, mailbox, need)
		if err != nil {
			return fmt.Errorf("reserve modseq for %s: %w", mailbox, err)
		}
		next := last - uint64(need) + 1
		for _, e := range entries {
			if e.Modseq == 0 {
				e.Modseq = next
				next++
			}
		}
	}

	now := time.Now()
	for _, e := range entries {
		e.Mailbox = mailbox
		if e.Created.IsZero() {
			e.Created = now
		}
	}

	if err := n.journal.AppendEntries(ctx, mailbox, entries); err != nil {
		return fmt.Errorf("append journal for %s: %w", mailbox, err)
	}
	n.metrics.EntriesAppended.Add(float64(len(entries)))

	n.stampMessages(ctx, mailbox, entries)
	return nil
}

// stampMessages advances the stored modseq of touched messages. A failure
// only leaves the message modseq behind the journal, so it is logged.
func (n *Notifier) stampMessages(ctx context.Context, mailbox string, entries []*store.JournalEntry) {
	if n.messages == nil {
		return
	}
	latest := make(map[uint32]uint64)
	for _, e := range entries {
		if e.UID == 0 || e.Command == store.CommandExpunge {
			continue
		}
		latest[e.UID] = max(latest[e.UID], e.Modseq)
	}
	for uid, modseq := range latest {
		err := n.messages.SetMessageModseq(ctx, mailbox, uid, modseq)
		if err != nil && !errors.Is(err, store.ErrNoSuchMessage) {
			level.Warn(n.logger).Log("msg", "failed to stamp message modseq",
				"mailbox", mailbox, "uid", uid, "modseq", modseq, "err", err)
		}
	}
}

// GetUpdates returns the journal entries with modseq > since in ascending
// order.
func (n *Notifier) GetUpdates(ctx context.Context, mailbox string, since uint64) ([]*store.JournalEntry, error) {
	if _, err := n.mailboxes.GetMailbox(ctx, mailbox); err != nil {
		return nil, err
	}
	entries, err := n.journal.EntriesSince(ctx, mailbox, since)
	if err != nil {
		return nil, fmt.Errorf("read journal for %s: %w", mailbox, err)
	}
	return entries, nil
}

// AllocateUIDs reserves count UIDs and returns the first one.
func (n *Notifier) AllocateUIDs(ctx context.Context, mailbox string, count int) (uint32, error) {
	first, err := n.mailboxes.IncrementUIDNext(ctx, mailbox, int64(count))
	if err != nil {
		return 0, fmt.Errorf("reserve uids for %s: %w", mailbox, err)
	}
	return first, nil
}

// Close publishes pending fires and drops every subscription. Later calls
// to Fire are ignored.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	flush := n.pending
	for _, p := range flush {
		p.timer.Stop()
	}
	n.pending = make(map[string]*pendingFire)
	var cancels []func()
	for _, cl := range n.listeners {
		cancels = append(cancels, cl.cancel)
	}
	n.listeners = make(map[string]*channelListeners)
	n.mu.Unlock()

	for ch, p := range flush {
		n.publish(ch, p.count)
	}
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
