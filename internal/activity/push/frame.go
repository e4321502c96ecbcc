// Package push implements the Push Service: a WebSocket connection state
// machine (Opened → Authenticated → Subscribed → Closed), per-stream
// authorization, and pub/sub-backed fan-out of routed and delivered
// activities to subscribed sockets (spec §4.10).
package push

import "github.com/collabhub/activity/infrastructure/errors"

// frameError is the {code, msg} shape carried on an outgoing frame's error
// field (spec §4.10, §7).
type frameError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func errorFrom(err error) *frameError {
	if err == nil {
		return nil
	}
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		return &frameError{Code: string(svcErr.Code), Msg: svcErr.Message}
	}
	return &frameError{Code: string(errors.ErrCodeInternal), Msg: err.Error()}
}

// streamSelector names the (resourceId, streamType) a subscribe frame
// targets.
type streamSelector struct {
	ResourceID string `json:"resourceId"`
	StreamType string `json:"streamType"`
}

func (s streamSelector) channel() string {
	return s.ResourceID + "#" + s.StreamType
}

// clientFrame is one incoming frame. Id is opaque and client-chosen; the
// server's response echoes it as replyTo (spec §4.10).
type clientFrame struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// authentication
	UserID      string `json:"userId,omitempty"`
	TenantAlias string `json:"tenantAlias,omitempty"`
	Signature   string `json:"signature,omitempty"`

	// subscribe
	Stream streamSelector `json:"stream,omitempty"`
	Format string         `json:"format,omitempty"`
	Token  string         `json:"token,omitempty"`
}

const (
	frameTypeAuthentication = "authentication"
	frameTypeSubscribe      = "subscribe"
)

// serverFrame is every outgoing frame: an acknowledgement, an error, or a
// pushed message.
type serverFrame struct {
	ReplyTo string          `json:"replyTo"`
	Error   *frameError     `json:"error,omitempty"`
	Stream  *streamSelector `json:"stream,omitempty"`
	Format  string          `json:"format,omitempty"`
	Message interface{}     `json:"message,omitempty"`
}
