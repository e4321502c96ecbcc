package push

import (
	"context"
	"sync"

	"github.com/collabhub/activity/infrastructure/pubsub"
)

// subscription is one local socket's interest in a channel, rendered in
// one requested format.
type subscription struct {
	session *session
	format  string
}

// subscriber is the slice of *pubsub.Bus the hub needs: channel
// subscribe/unsubscribe. Narrowed to an interface so tests can drive the
// hub's local-refcounting logic without a live Postgres listener.
type subscriber interface {
	Subscribe(channel string, handler pubsub.Handler) error
	Unsubscribe(channel string) error
}

// hub tracks, per process, which channels have at least one local
// subscriber and fans out bus deliveries to every local socket subscribed
// to that channel (spec §4.10 Subscribed: "idempotent across sockets on
// one process").
type hub struct {
	bus subscriber

	mu   sync.Mutex
	subs map[string][]subscription
}

func newHub(bus subscriber) *hub {
	return &hub{bus: bus, subs: make(map[string][]subscription)}
}

// subscribe registers sess for channel in format, opening the process-wide
// pub/sub subscription on the first local subscriber.
func (h *hub) subscribe(channel string, sess *session, format string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	first := len(h.subs[channel]) == 0
	h.subs[channel] = append(h.subs[channel], subscription{session: sess, format: format})
	if !first {
		return nil
	}
	return h.bus.Subscribe(channel, func(ctx context.Context, event pubsub.Event) error {
		h.deliver(ctx, channel, event)
		return nil
	})
}

// unsubscribe removes every subscription sess holds on channel, closing
// the process-wide pub/sub subscription once no local socket remains.
func (h *hub) unsubscribe(channel string, sess *session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := h.subs[channel][:0]
	for _, s := range h.subs[channel] {
		if s.session != sess {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		delete(h.subs, channel)
		return h.bus.Unsubscribe(channel)
	}
	h.subs[channel] = remaining
	return nil
}

// unsubscribeAll drops every subscription sess holds, across all channels
// (spec §4.10 Closed: "removes all of this socket's subscriptions").
func (h *hub) unsubscribeAll(sess *session) {
	sess.mu.Lock()
	channels := make([]string, 0, len(sess.channels))
	for channel := range sess.channels {
		channels = append(channels, channel)
	}
	sess.mu.Unlock()

	for _, channel := range channels {
		_ = h.unsubscribe(channel, sess)
	}
}

// deliver clones event per local subscriber of channel, transforms per
// requested format, and writes to each subscriber's socket.
func (h *hub) deliver(ctx context.Context, channel string, event pubsub.Event) {
	h.mu.Lock()
	subs := make([]subscription, len(h.subs[channel]))
	copy(subs, h.subs[channel])
	h.mu.Unlock()

	for _, sub := range subs {
		sub.session.pushMessage(ctx, channel, sub.format, event.Payload)
	}
}
