// Package pubsub implements the activity pipeline's pub/sub egress
// interface (spec §6, §4.10): channel publish/subscribe used to fan routed
// activities out to Push Service subscribers on channel
// "{resourceId}#{streamType}".
package pubsub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/collabhub/activity/infrastructure/logging"
)

// Event is a published message: the channel it arrived on and its payload.
type Event struct {
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler is invoked for every event delivered on a subscribed channel.
type Handler func(ctx context.Context, event Event) error

// Bus is a Postgres NOTIFY/LISTEN backed pub/sub bus. One process-wide Bus
// subscribes on the pub/sub bus per (resourceId, streamType) channel,
// idempotently across sockets, per the Push Service's Subscribed state.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener
	logger   *logging.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens a fresh connection and listener against dsn.
func New(dsn string, logger *logging.Logger) (*Bus, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pubsub: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pubsub: ping: %w", err)
	}
	return NewWithDB(db, dsn, logger)
}

// NewWithDB wires the bus onto an already-open database connection, reusing
// dsn only to drive the LISTEN/NOTIFY listener.
func NewWithDB(db *sql.DB, dsn string, logger *logging.Logger) (*Bus, error) {
	if logger == nil {
		logger = logging.Default()
	}

	reportProblem := func(_ pq.ListenerEventType, err error) {
		if err != nil {
			logger.WithError(err).Warn("pubsub listener connection event")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		db:       db,
		listener: listener,
		logger:   logger,
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.listen()
	return b, nil
}

// Publish broadcasts payload on channel to every process subscribed to it.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal payload: %w", err)
	}

	envelope := Event{Channel: channel, Payload: data, Timestamp: time.Now().UTC()}
	envelopeData, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("pubsub: marshal envelope: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(envelopeData)); err != nil {
		return fmt.Errorf("pubsub: notify: %w", err)
	}
	return nil
}

// Subscribe registers handler for channel, LISTENing on first subscriber.
func (b *Bus) Subscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers[channel]) == 0 {
		if err := b.listener.Listen(channel); err != nil {
			return fmt.Errorf("pubsub: listen: %w", err)
		}
	}
	b.handlers[channel] = append(b.handlers[channel], handler)
	return nil
}

// Unsubscribe drops every handler for channel and UNLISTENs.
func (b *Bus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, channel)
	if err := b.listener.Unlisten(channel); err != nil {
		return fmt.Errorf("pubsub: unlisten: %w", err)
	}
	return nil
}

// Channels lists every channel with at least one live subscriber.
func (b *Bus) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	return channels
}

// Close stops the listener goroutine and releases the connection.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) listen() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return

		case notification := <-b.listener.Notify:
			if notification == nil {
				continue
			}

			var event Event
			if err := json.Unmarshal([]byte(notification.Extra), &event); err != nil {
				event = Event{
					Channel:   notification.Channel,
					Payload:   json.RawMessage(notification.Extra),
					Timestamp: time.Now().UTC(),
				}
			}

			b.mu.RLock()
			handlers := make([]Handler, len(b.handlers[notification.Channel]))
			copy(handlers, b.handlers[notification.Channel])
			b.mu.RUnlock()

			for _, h := range handlers {
				b.invokeHandler(h, event)
			}

		case <-time.After(90 * time.Second):
			b.ping()
		}
	}
}

func (b *Bus) invokeHandler(handler Handler, event Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := handler(ctx, event); err != nil {
			b.logger.WithError(err).WithField("channel", event.Channel).Warn("pubsub handler error")
		}
	}()
}

func (b *Bus) ping() {
	go func() {
		if err := b.listener.Ping(); err != nil {
			b.logger.WithError(err).Warn("pubsub listener ping error")
		}
	}()
}

// ActivityChannel builds the push fan-out channel name for a route, per
// spec §4.10: "{resourceId}#{streamType}".
func ActivityChannel(resourceID, streamType string) string {
	return resourceID + "#" + streamType
}
