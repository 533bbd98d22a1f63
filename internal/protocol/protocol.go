// Package protocol defines the JSON frames exchanged over a gateway
// connection: the inbound control and application vocabularies and the two
// outbound envelope variants.
package protocol

import "encoding/json"

// Frame type tags.
const (
	TypeStartConnection = "start_connection"
	TypeDisconnect      = "disconnect"
	TypeAIRequest       = "ai_request"
	TypeAIResponse      = "ai_response"
	TypeError           = "error"
)

// Envelope statuses.
const (
	StatusSessionCreated       = "session_created"
	StatusSuccess              = "success"
	StatusDisconnected         = "disconnected"
	StatusNoMessage            = "no_message"
	StatusConnectionError      = "connection_error"
	StatusAuthenticationFailed = "authentication_failed"
	StatusCacheError           = "cache_error"
	StatusInvalidMessage       = "invalid_message"
	StatusInvalidRequest       = "invalid_request"
	StatusAIError              = "ai_error"
)

// Kind classifies a decoded inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindStartConnection
	KindDisconnect
	KindAIRequest
)

func (k Kind) String() string {
	switch k {
	case KindStartConnection:
		return TypeStartConnection
	case KindDisconnect:
		return TypeDisconnect
	case KindAIRequest:
		return TypeAIRequest
	default:
		return "unknown"
	}
}

// Request is one classified inbound text frame. Only the fields relevant to
// Kind are populated.
type Request struct {
	Kind      Kind
	Token     string
	SessionID string
	UserID    uint64
	Prompt    string
}

type controlFrame struct {
	Type      string  `json:"type"`
	Token     string  `json:"token"`
	SessionID *string `json:"session_id"`
	UserID    *uint64 `json:"user_id"`
}

type applicationFrame struct {
	Type   string  `json:"type"`
	Prompt *string `json:"prompt"`
}

// Classify decodes data against the connection-control vocabulary first and
// the application vocabulary second. A frame matching neither yields
// KindUnknown.
func Classify(data []byte) Request {
	if req, ok := parseControl(data); ok {
		return req
	}
	if req, ok := parseApplication(data); ok {
		return req
	}
	return Request{Kind: KindUnknown}
}

func parseControl(data []byte) (Request, bool) {
	var f controlFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Request{}, false
	}

	// A frame carrying both a session id and a user id is a disconnect
	// whatever its type tag says.
	if f.SessionID != nil && (f.UserID != nil || f.Type == TypeDisconnect) {
		req := Request{Kind: KindDisconnect, SessionID: *f.SessionID}
		if f.UserID != nil {
			req.UserID = *f.UserID
		}
		return req, true
	}
	if f.Type == TypeStartConnection {
		return Request{Kind: KindStartConnection, Token: f.Token}, true
	}
	return Request{}, false
}

func parseApplication(data []byte) (Request, bool) {
	var f applicationFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Request{}, false
	}
	if f.Type == TypeAIRequest && f.Prompt != nil {
		return Request{Kind: KindAIRequest, Prompt: *f.Prompt}, true
	}
	return Request{}, false
}
