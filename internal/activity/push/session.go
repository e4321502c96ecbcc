package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabhub/activity/infrastructure/errors"
	"github.com/collabhub/activity/infrastructure/logging"
	"github.com/collabhub/activity/infrastructure/signing"
	"github.com/collabhub/activity/infrastructure/tenant"
	"github.com/collabhub/activity/internal/activity/registry"
)

// state names a connection's position in the spec §4.10 state machine.
type state int

const (
	stateOpened state = iota
	stateAuthenticated
	stateClosed
)

// defaultAuthTimeout is how long an opened socket has to send its
// authentication frame before the server closes it (spec §4.10, scenario
// 6).
const defaultAuthTimeout = 5 * time.Second

// wsConn is the subset of *websocket.Conn a session drives; satisfied by
// *websocket.Conn and by a fake in tests.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// session drives one WebSocket connection through the Opened →
// Authenticated → Subscribed → Closed state machine.
type session struct {
	conn     wsConn
	hub      *hub
	registry *registry.Registry
	tenants  tenant.Service
	logger   *logging.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	state       state
	userID      string
	channels    map[string]map[string]bool // channel -> format -> subscribed
	authTimeout time.Duration
}

func newSession(conn wsConn, h *hub, reg *registry.Registry, tenants tenant.Service, logger *logging.Logger) *session {
	return &session{
		conn:        conn,
		hub:         h,
		registry:    reg,
		tenants:     tenants,
		logger:      logger,
		channels:    make(map[string]map[string]bool),
		authTimeout: defaultAuthTimeout,
	}
}

// run is the connection's lifetime: enforce the authentication deadline,
// then read and dispatch frames until the socket closes.
func (s *session) run(ctx context.Context) {
	defer s.close()

	authDeadline := time.NewTimer(s.authTimeout)
	defer authDeadline.Stop()
	authResult := make(chan error, 1)
	go func() { authResult <- s.readOne(ctx) }()

	select {
	case err := <-authResult:
		if err != nil {
			return
		}
	case <-authDeadline.C:
		s.writeFrame(serverFrame{ReplyTo: "0", Error: &frameError{Code: string(errors.ErrCodeInvalidInput), Msg: "authentication timeout"}})
		return
	case <-ctx.Done():
		return
	}

	for {
		if err := s.readOne(ctx); err != nil {
			return
		}
	}
}

// readOne reads and dispatches a single frame.
func (s *session) readOne(ctx context.Context) error {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.writeFrame(serverFrame{ReplyTo: "", Error: &frameError{Code: string(errors.ErrCodeInvalidInput), Msg: "malformed frame"}})
		return nil
	}
	s.dispatch(ctx, frame)
	return nil
}

func (s *session) dispatch(ctx context.Context, frame clientFrame) {
	s.mu.Lock()
	current := s.state
	s.mu.Unlock()

	switch current {
	case stateOpened:
		s.handleAuthentication(ctx, frame)
	default:
		switch frame.Type {
		case frameTypeSubscribe:
			s.handleSubscribe(ctx, frame)
		default:
			s.writeFrame(serverFrame{ReplyTo: frame.ID, Error: &frameError{Code: string(errors.ErrCodeInvalidInput), Msg: "unknown frame type"}})
		}
	}
}

// handleAuthentication implements the Opened state: the first frame must
// authenticate, or the socket closes (spec §4.10).
func (s *session) handleAuthentication(ctx context.Context, frame clientFrame) {
	if frame.Type != frameTypeAuthentication {
		s.writeFrame(serverFrame{ReplyTo: frame.ID, Error: &frameError{Code: string(errors.ErrCodeInvalidInput), Msg: "first frame must authenticate"}})
		s.close()
		return
	}

	t, err := s.tenants.GetTenant(ctx, frame.TenantAlias)
	if err != nil {
		s.writeFrame(serverFrame{ReplyTo: frame.ID, Error: &frameError{Code: string(errors.ErrCodeUnauthorized), Msg: "unknown tenant"}})
		s.close()
		return
	}
	if err := signing.VerifyWithSecret([]byte(t.SigningKeySecret), frame.UserID, frame.Signature); err != nil {
		s.writeFrame(serverFrame{ReplyTo: frame.ID, Error: &frameError{Code: string(errors.ErrCodeUnauthorized), Msg: "invalid signature"}})
		s.close()
		return
	}

	s.mu.Lock()
	s.state = stateAuthenticated
	s.userID = frame.UserID
	s.mu.Unlock()
	s.writeFrame(serverFrame{ReplyTo: frame.ID})
}

// handleSubscribe implements the Authenticated/Subscribed states: the
// stream type's authorization handler gates the subscription (spec
// §4.10).
func (s *session) handleSubscribe(ctx context.Context, frame clientFrame) {
	opts, ok := s.registry.StreamType(frame.Stream.StreamType)
	if !ok {
		s.writeFrame(serverFrame{ReplyTo: frame.ID, Error: &frameError{Code: string(errors.ErrCodeInvalidInput), Msg: "unknown streamType"}})
		return
	}
	if opts.AuthorizationHandler != nil {
		if err := opts.AuthorizationHandler(ctx, frame.Stream.ResourceID, frame.Token); err != nil {
			s.writeFrame(serverFrame{ReplyTo: frame.ID, Error: errorFrom(err)})
			return
		}
	}

	channel := frame.Stream.channel()
	format := frame.Format
	if format == "" {
		format = "internal"
	}

	s.mu.Lock()
	if s.channels[channel] == nil {
		s.channels[channel] = make(map[string]bool)
	}
	alreadySubscribed := s.channels[channel][format]
	s.channels[channel][format] = true
	s.mu.Unlock()

	if !alreadySubscribed {
		if err := s.hub.subscribe(channel, s, format); err != nil {
			s.writeFrame(serverFrame{ReplyTo: frame.ID, Error: &frameError{Code: string(errors.ErrCodeStorage), Msg: "subscribe failed"}})
			return
		}
	}
	s.writeFrame(serverFrame{ReplyTo: frame.ID, Stream: &frame.Stream})
}

// pushMessage renders payload for format and writes it to the socket,
// called by the hub for every local subscriber of a delivered channel
// event.
func (s *session) pushMessage(ctx context.Context, channel, format string, rawPayload []byte) {
	var payload pushPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("push: decode payload for " + channel)
		return
	}
	rendered, err := renderActivities(ctx, s.registry, format, payload.Activities)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("push: render payload for " + channel)
		return
	}
	stream := streamSelectorFromChannel(channel)
	s.writeFrame(serverFrame{
		ReplyTo: "",
		Stream:  &stream,
		Format:  format,
		Message: map[string]interface{}{"phase": payload.Phase, "activities": rendered, "newCount": payload.NewCount},
	})
}

func streamSelectorFromChannel(channel string) streamSelector {
	resourceID, streamType, _ := splitFeedID(channel)
	return streamSelector{ResourceID: resourceID, StreamType: streamType}
}

func (s *session) writeFrame(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

// close implements the Closed state: every subscription this socket held
// is torn down (spec §4.10).
func (s *session) close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.mu.Unlock()

	s.hub.unsubscribeAll(s)
	_ = s.conn.Close()
}
