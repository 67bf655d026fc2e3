package notifier

import (
	"context"
	"errors"
)

// ErrClosed is returned when registering a listener on a closed Notifier.
var ErrClosed = errors.New("notifier: closed")

// channelListeners holds the sessions watching one channel. They share a
// single pub/sub subscription.
type channelListeners struct {
	handlers map[string]func()
	cancel   func()
}

// AddListener calls handler whenever a wake-up is published for the
// mailbox. Registering the same session again replaces its handler.
// Handlers run on the subscription goroutine and must not block.
func (n *Notifier) AddListener(ctx context.Context, session, user, path string, handler func()) error {
	ch := ChannelID(user, path)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	cl, ok := n.listeners[ch]
	if !ok {
		cancel, err := n.pubsub.Subscribe(ctx, ch, func(string) { n.dispatch(ch) })
		if err != nil {
			return err
		}
		cl = &channelListeners{handlers: make(map[string]func()), cancel: cancel}
		n.listeners[ch] = cl
	}
	cl.handlers[session] = handler
	return nil
}

// RemoveListener unregisters a session. The subscription is dropped with
// the last session of a channel.
func (n *Notifier) RemoveListener(session, user, path string) {
	ch := ChannelID(user, path)

	n.mu.Lock()
	cl, ok := n.listeners[ch]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(cl.handlers, session)
	if len(cl.handlers) > 0 {
		n.mu.Unlock()
		return
	}
	delete(n.listeners, ch)
	n.mu.Unlock()

	cl.cancel()
}

func (n *Notifier) dispatch(ch string) {
	n.mu.Lock()
	cl, ok := n.listeners[ch]
	var handlers []func()
	if ok {
		for _, h := range cl.handlers {
			handlers = append(handlers, h)
		}
	}
	n.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}
