package notifier

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/log/level"
)

const publishTimeout = 5 * time.Second

// pendingFire is the coalescing state of one channel between the first
// Fire and the publish.
type pendingFire struct {
	timer *time.Timer
	first time.Time
	count int
}

// Fire schedules a wake-up for everyone watching the mailbox. The first
// call in an idle window arms the flush; calls before it fires are merged
// into the same publish without moving it. A pending fire older than the
// hold-off period is published at once.
func (n *Notifier) Fire(user, path string) {
	ch := ChannelID(user, path)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	p, ok := n.pending[ch]
	if !ok {
		p = &pendingFire{first: time.Now(), count: 1}
		p.timer = time.AfterFunc(n.window, func() { n.flush(ch, p) })
		n.pending[ch] = p
		n.mu.Unlock()
		return
	}

	p.count++
	n.metrics.FiresCoalesced.Add(1)
	if time.Since(p.first) < n.holdOff {
		n.mu.Unlock()
		return
	}
	p.timer.Stop()
	delete(n.pending, ch)
	n.mu.Unlock()

	n.publish(ch, p.count)
}

func (n *Notifier) flush(ch string, p *pendingFire) {
	n.mu.Lock()
	if n.pending[ch] != p {
		n.mu.Unlock()
		return
	}
	delete(n.pending, ch)
	n.mu.Unlock()

	n.publish(ch, p.count)
}

// publish sends the number of merged fires as payload.
func (n *Notifier) publish(ch string, count int) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.pubsub.Publish(ctx, ch, strconv.Itoa(count)); err != nil {
		level.Warn(n.logger).Log("msg", "failed to publish wake-up", "channel", ch, "err", err)
		return
	}
	n.metrics.FiresPublished.Add(1)
}
