package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/freeflowuniverse/heromail/pkg/redisclient"
	"github.com/freeflowuniverse/heromail/pkg/redisserver"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/freeflowuniverse/heromail/pkg/store/redisstore"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *redisstore.Store {
	t.Helper()
	srv := redisserver.NewServer(log.NewNopLogger())
	require.NoError(t, srv.Start(redisserver.ServerConfig{Addr: "127.0.0.1:0"}))
	t.Cleanup(func() { srv.Close() })

	client := redisclient.NewClientWithAddr("tcp", srv.Addr().String(), 0)
	t.Cleanup(func() { client.Close() })
	return redisstore.New(client)
}

func newNotifier(t *testing.T, s *redisstore.Store, ps store.PubSub) *Notifier {
	t.Helper()
	if ps == nil {
		ps = s
	}
	n := New(Options{
		Mailboxes: s,
		Journal:   s,
		Messages:  s,
		PubSub:    ps,
		Logger:    log.NewNopLogger(),
	})
	t.Cleanup(func() { n.Close() })
	return n
}

func fetchEntry(uid uint32) *store.JournalEntry {
	return &store.JournalEntry{Command: store.CommandFetch, UID: uid, Flags: []string{`\Seen`}}
}

func TestModseqAllocation(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	n := newNotifier(t, s, nil)

	mb, err := s.CreateMailbox(ctx, "alice", "INBOX")
	require.NoError(t, err)

	single := []*store.JournalEntry{fetchEntry(1)}
	require.NoError(t, n.AddEntries(ctx, mb.ID, single))
	assert.Equal(t, uint64(1), single[0].Modseq)
	assert.Equal(t, mb.ID, single[0].Mailbox)
	assert.False(t, single[0].Created.IsZero())

	batch := []*store.JournalEntry{fetchEntry(1), fetchEntry(2), fetchEntry(3)}
	require.NoError(t, n.AddEntries(ctx, mb.ID, batch))
	for i, e := range batch {
		assert.Equal(t, uint64(i+2), e.Modseq)
	}

	updates, err := n.GetUpdates(ctx, mb.ID, 0)
	require.NoError(t, err)
	require.Len(t, updates, 4)
	for i, e := range updates {
		assert.Equal(t, uint64(i+1), e.Modseq)
	}

	updates, err = n.GetUpdates(ctx, mb.ID, 2)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, uint64(3), updates[0].Modseq)
	assert.Equal(t, uint32(2), updates[0].UID)

	got, err := s.GetMailbox(ctx, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.ModifyIndex)
}

func TestPresetModseqIsKept(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	n := newNotifier(t, s, nil)

	mb, err := s.CreateMailbox(ctx, "alice", "INBOX")
	require.NoError(t, err)

	preset := fetchEntry(1)
	preset.Modseq = 40
	entries := []*store.JournalEntry{fetchEntry(2), preset, fetchEntry(3)}
	require.NoError(t, n.AddEntries(ctx, mb.ID, entries))
	assert.Equal(t, uint64(1), entries[0].Modseq)
	assert.Equal(t, uint64(40), entries[1].Modseq)
	assert.Equal(t, uint64(2), entries[2].Modseq)
}

func TestConcurrentAllocationIsDisjoint(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	n := newNotifier(t, s, nil)

	mb, err := s.CreateMailbox(ctx, "alice", "INBOX")
	require.NoError(t, err)

	var wg sync.WaitGroup
	batches := make([][]*store.JournalEntry, 8)
	for i := range batches {
		batches[i] = []*store.JournalEntry{fetchEntry(1), fetchEntry(2), fetchEntry(3)}
		wg.Add(1)
		go func(entries []*store.JournalEntry) {
			defer wg.Done()
			assert.NoError(t, n.AddEntries(ctx, mb.ID, entries))
		}(batches[i])
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, b := range batches {
		for i, e := range b {
			assert.False(t, seen[e.Modseq], "modseq %d assigned twice", e.Modseq)
			seen[e.Modseq] = true
			if i > 0 {
				assert.Equal(t, b[i-1].Modseq+1, e.Modseq)
			}
		}
	}

	updates, err := n.GetUpdates(ctx, mb.ID, 0)
	require.NoError(t, err)
	assert.Len(t, updates, 24)
}

func TestUnknownMailbox(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	n := newNotifier(t, s, nil)

	err := n.AddEntries(ctx, "404", []*store.JournalEntry{fetchEntry(1)})
	assert.ErrorIs(t, err, store.ErrNoSuchMailbox)

	_, err = n.GetUpdates(ctx, "404", 0)
	assert.ErrorIs(t, err, store.ErrNoSuchMailbox)

	entries, err := s.EntriesSince(ctx, "404", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMessageModseqStamp(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	n := newNotifier(t, s, nil)

	mb, err := s.CreateMailbox(ctx, "alice", "INBOX")
	require.NoError(t, err)
	require.NoError(t, s.PutMessage(ctx, mb.ID, 7, []byte(`{"uid":7,"modseq":0}`)))

	require.NoError(t, n.AddEntries(ctx, mb.ID, []*store.JournalEntry{fetchEntry(7), fetchEntry(7), fetchEntry(99)}))

	doc, err := s.GetMessage(ctx, mb.ID, 7)
	require.NoError(t, err)
	var stamped struct{ Modseq uint64 }
	require.NoError(t, json.Unmarshal(doc, &stamped))
	assert.Equal(t, uint64(2), stamped.Modseq)
}

func TestAllocateUIDs(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	n := newNotifier(t, s, nil)

	mb, err := s.CreateMailbox(ctx, "alice", "INBOX")
	require.NoError(t, err)

	first, err := n.AllocateUIDs(ctx, mb.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first)
	first, err = n.AllocateUIDs(ctx, mb.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), first)

	_, err = n.AllocateUIDs(ctx, "404", 1)
	assert.ErrorIs(t, err, store.ErrNoSuchMailbox)
}

// A listener registered before a change is woken and sees the change.
func TestListenerWakeUp(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	n := newNotifier(t, s, nil)

	mb, err := s.CreateMailbox(ctx, "alice", "INBOX")
	require.NoError(t, err)

	woken := make(chan struct{}, 1)
	require.NoError(t, n.AddListener(ctx, "session-1", "alice", "INBOX", func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, n.AddEntries(ctx, mb.ID, []*store.JournalEntry{{Command: store.CommandExists, UID: 1}}))
	n.Fire("alice", "INBOX")

	select {
	case <-woken:
	case <-time.After(3 * time.Second):
		t.Fatal("listener was not woken")
	}

	updates, err := n.GetUpdates(ctx, mb.ID, 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, store.CommandExists, updates[0].Command)
}

type fakePubSub struct {
	mu        sync.Mutex
	published []string
	subs      map[string]map[int]func(string)
	next      int
	failSub   bool
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{subs: make(map[string]map[int]func(string))}
}

func (f *fakePubSub) Publish(ctx context.Context, channel, payload string) error {
	f.mu.Lock()
	f.published = append(f.published, channel+"="+payload)
	var handlers []func(string)
	for _, h := range f.subs[channel] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (f *fakePubSub) Subscribe(ctx context.Context, channel string, handler func(string)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSub {
		return nil, errors.New("subscribe failed")
	}
	if f.subs[channel] == nil {
		f.subs[channel] = make(map[int]func(string))
	}
	id := f.next
	f.next++
	f.subs[channel][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[channel], id)
	}, nil
}

func (f *fakePubSub) publishes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func (f *fakePubSub) subscribers(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[channel])
}

func TestFireDebounce(t *testing.T) {
	ps := newFakePubSub()
	coalesced := generic.NewCounter("coalesced")
	published := generic.NewCounter("published")
	n := New(Options{
		PubSub:         ps,
		DebounceWindow: 50 * time.Millisecond,
		Metrics: &Metrics{
			EntriesAppended: generic.NewCounter("entries"),
			FiresPublished:  published,
			FiresCoalesced:  coalesced,
		},
	})
	defer n.Close()

	for i := 0; i < 5; i++ {
		n.Fire("alice", "INBOX")
	}
	n.Fire("alice", "Sent")

	assert.Eventually(t, func() bool { return len(ps.publishes()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.ElementsMatch(t, []string{
		ChannelID("alice", "INBOX") + "=5",
		ChannelID("alice", "Sent") + "=1",
	}, ps.publishes())
	assert.Equal(t, float64(4), coalesced.Value())
	assert.Equal(t, float64(2), published.Value())
}

func TestFireHoldOff(t *testing.T) {
	ps := newFakePubSub()
	n := New(Options{
		PubSub:         ps,
		DebounceWindow: 80 * time.Millisecond,
		HoldOff:        150 * time.Millisecond,
	})
	defer n.Close()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		n.Fire("alice", "INBOX")
		time.Sleep(20 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, len(ps.publishes()), 2, "a busy channel must still publish")
}

func TestFireWindowNotExtended(t *testing.T) {
	ps := newFakePubSub()
	n := New(Options{
		PubSub:         ps,
		DebounceWindow: 100 * time.Millisecond,
		HoldOff:        time.Second,
	})
	defer n.Close()

	start := time.Now()
	var firstPublish time.Duration
	for time.Since(start) < 900*time.Millisecond {
		n.Fire("alice", "INBOX")
		if firstPublish == 0 && len(ps.publishes()) > 0 {
			firstPublish = time.Since(start)
		}
		time.Sleep(60 * time.Millisecond)
	}
	require.NotZero(t, firstPublish, "a channel firing faster than the window must still publish")
	assert.Less(t, firstPublish, 400*time.Millisecond)
	assert.GreaterOrEqual(t, len(ps.publishes()), 4)
}

func TestCloseFlushesPending(t *testing.T) {
	ps := newFakePubSub()
	n := New(Options{PubSub: ps, DebounceWindow: time.Hour})

	n.Fire("alice", "INBOX")
	assert.Empty(t, ps.publishes())
	require.NoError(t, n.Close())
	assert.Equal(t, []string{ChannelID("alice", "INBOX") + "=1"}, ps.publishes())

	n.Fire("alice", "INBOX")
	assert.Len(t, ps.publishes(), 1)
	assert.ErrorIs(t, n.AddListener(context.Background(), "s", "alice", "INBOX", func() {}), ErrClosed)
}

func TestListenerRefCount(t *testing.T) {
	ctx := context.Background()
	ps := newFakePubSub()
	n := New(Options{PubSub: ps, DebounceWindow: 10 * time.Millisecond})
	defer n.Close()
	ch := ChannelID("alice", "INBOX")

	var mu sync.Mutex
	calls := map[string]int{}
	handler := func(session string) func() {
		return func() {
			mu.Lock()
			calls[session]++
			mu.Unlock()
		}
	}
	count := func(session string) int {
		mu.Lock()
		defer mu.Unlock()
		return calls[session]
	}

	require.NoError(t, n.AddListener(ctx, "a", "alice", "INBOX", handler("a")))
	require.NoError(t, n.AddListener(ctx, "b", "alice", "INBOX", handler("b")))
	assert.Equal(t, 1, ps.subscribers(ch))

	require.NoError(t, ps.Publish(ctx, ch, "1"))
	assert.Equal(t, 1, count("a"))
	assert.Equal(t, 1, count("b"))

	n.RemoveListener("a", "alice", "INBOX")
	assert.Equal(t, 1, ps.subscribers(ch))
	require.NoError(t, ps.Publish(ctx, ch, "1"))
	assert.Equal(t, 1, count("a"))
	assert.Equal(t, 2, count("b"))

	n.RemoveListener("b", "alice", "INBOX")
	assert.Equal(t, 0, ps.subscribers(ch))
	n.RemoveListener("b", "alice", "INBOX")

	ps.mu.Lock()
	ps.failSub = true
	ps.mu.Unlock()
	assert.Error(t, n.AddListener(ctx, "c", "alice", "INBOX", handler("c")))
}

func TestChannelID(t *testing.T) {
	assert.Equal(t, ChannelID("alice", "INBOX"), ChannelID("alice", "INBOX"))
	assert.NotEqual(t, ChannelID("alice", "INBOX"), ChannelID("alice", "Sent"))
	assert.NotEqual(t, ChannelID("ali", "ceINBOX"), ChannelID("alice", "INBOX"))
}
