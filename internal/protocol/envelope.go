package protocol

import "encoding/json"

type aiResponse struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Response string `json:"response"`
}

type errorResponse struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   int    `json:"code,omitempty"`
}

// Envelope is the decoded form of either outbound variant. Clients and
// tests use it to read frames; the gateway encodes with Success and Failure.
type Envelope struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     int    `json:"code,omitempty"`
}

// Success encodes an ai_response envelope.
func Success(status, response string) []byte {
	return encode(aiResponse{Type: TypeAIResponse, Status: status, Response: response})
}

// Failure encodes a frame-local error envelope.
func Failure(status, msg string) []byte {
	return encode(errorResponse{Type: TypeError, Status: status, Error: msg})
}

// FatalFailure encodes a connection-fatal error envelope carrying an
// HTTP-like status code.
func FatalFailure(status, msg string, code int) []byte {
	return encode(errorResponse{Type: TypeError, Status: status, Error: msg, Code: code})
}

// SessionCreated encodes the session announcement sent after authentication.
func SessionCreated(sessionID string, userID uint64) []byte {
	info := encode(struct {
		SessionID string `json:"session_id"`
		UserID    uint64 `json:"user_id"`
	}{sessionID, userID})
	return Success(StatusSessionCreated, string(info))
}

// Envelopes only hold strings and ints, so Marshal cannot fail.
func encode(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
