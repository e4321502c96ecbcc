package push

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/infrastructure/pubsub"
	"github.com/collabhub/activity/internal/activity/registry"
)

// fakeSubscriber is an in-memory subscriber for hub tests: it records
// subscribe/unsubscribe calls instead of driving a real Postgres listener.
type fakeSubscriber struct {
	mu           sync.Mutex
	handlers     map[string]pubsub.Handler
	subscribeN   int
	unsubscribeN int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]pubsub.Handler)}
}

func (f *fakeSubscriber) Subscribe(channel string, handler pubsub.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeN++
	f.handlers[channel] = handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeN++
	delete(f.handlers, channel)
	return nil
}

func (f *fakeSubscriber) deliver(t *testing.T, channel string, payload interface{}) {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[channel]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for channel %q", channel)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := handler(context.Background(), pubsub.Event{Channel: channel, Payload: raw}); err != nil {
		t.Fatalf("handler(%q) error = %v", channel, err)
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.Freeze()
	return reg
}

func TestHubSubscribeOpensBusChannelOnlyOnFirstLocalSubscriber(t *testing.T) {
	bus := newFakeSubscriber()
	h := newHub(bus)
	reg := testRegistry(t)
	s1 := newSession(newFakeConn(), h, reg, nil, logging.Default())
	s2 := newSession(newFakeConn(), h, reg, nil, logging.Default())

	if err := h.subscribe("u1#activity", s1, "internal"); err != nil {
		t.Fatalf("subscribe s1: %v", err)
	}
	if err := h.subscribe("u1#activity", s2, "activitystreams"); err != nil {
		t.Fatalf("subscribe s2: %v", err)
	}
	if bus.subscribeN != 1 {
		t.Fatalf("bus.subscribeN = %d, want 1 (idempotent across local subscribers)", bus.subscribeN)
	}
	if len(h.subs["u1#activity"]) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(h.subs["u1#activity"]))
	}
}

func TestHubUnsubscribeClosesBusChannelOnlyAfterLastLocalSubscriber(t *testing.T) {
	bus := newFakeSubscriber()
	h := newHub(bus)
	reg := testRegistry(t)
	s1 := newSession(newFakeConn(), h, reg, nil, logging.Default())
	s2 := newSession(newFakeConn(), h, reg, nil, logging.Default())

	_ = h.subscribe("u1#activity", s1, "internal")
	_ = h.subscribe("u1#activity", s2, "internal")

	if err := h.unsubscribe("u1#activity", s1); err != nil {
		t.Fatalf("unsubscribe s1: %v", err)
	}
	if bus.unsubscribeN != 0 {
		t.Fatal("bus channel should stay open while s2 is still subscribed")
	}
	if err := h.unsubscribe("u1#activity", s2); err != nil {
		t.Fatalf("unsubscribe s2: %v", err)
	}
	if bus.unsubscribeN != 1 {
		t.Fatalf("bus.unsubscribeN = %d, want 1 after the last local subscriber leaves", bus.unsubscribeN)
	}
}

func TestHubUnsubscribeAllDropsEveryChannelOnClose(t *testing.T) {
	bus := newFakeSubscriber()
	h := newHub(bus)
	reg := testRegistry(t)
	sess := newSession(newFakeConn(), h, reg, nil, logging.Default())

	_ = h.subscribe("u1#activity", sess, "internal")
	_ = h.subscribe("u1#notification", sess, "internal")
	sess.channels["u1#activity"] = map[string]bool{"internal": true}
	sess.channels["u1#notification"] = map[string]bool{"internal": true}

	h.unsubscribeAll(sess)

	if bus.unsubscribeN != 2 {
		t.Fatalf("bus.unsubscribeN = %d, want 2", bus.unsubscribeN)
	}
}

func TestHubDeliverFansOutToEveryLocalSubscriber(t *testing.T) {
	bus := newFakeSubscriber()
	h := newHub(bus)
	reg := testRegistry(t)
	conn1, conn2 := newFakeConn(), newFakeConn()
	s1 := newSession(conn1, h, reg, nil, logging.Default())
	s2 := newSession(conn2, h, reg, nil, logging.Default())

	if err := h.subscribe("u1#activity", s1, "internal"); err != nil {
		t.Fatalf("subscribe s1: %v", err)
	}
	if err := h.subscribe("u1#activity", s2, "internal"); err != nil {
		t.Fatalf("subscribe s2: %v", err)
	}

	bus.deliver(t, "u1#activity", pushPayload{Phase: phaseRouting})

	if len(conn1.frames(t)) != 1 || len(conn2.frames(t)) != 1 {
		t.Fatal("both local subscribers should receive the delivered event")
	}
}
