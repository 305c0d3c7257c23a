// Package tunnel implements the hub side of the share tunnel protocol.
//
// A share agent dials the hub and keeps one persistent duplex message
// channel open. After registering under its share key, HTTP requests
// arriving at the hub for that key are forwarded over the channel and the
// responses streamed back, many requests in flight at once, multiplexed by
// request id.
package tunnel

import "errors"

// Command discriminates tunnel messages.
type Command string

const (
	// CmdRegisterShare must be the first message on a fresh connection.
	CmdRegisterShare Command = "register_kbucket_share"

	// Hub -> agent: forward an inbound HTTP request.
	CmdInitiateRequest   Command = "http_initiate_request"
	CmdWriteRequestData  Command = "http_write_request_data"
	CmdEndRequest        Command = "http_end_request"

	// Agent -> hub: return the response.
	CmdSetResponseHeaders Command = "http_set_response_headers"
	CmdWriteResponseData  Command = "http_write_response_data"
	CmdEndResponse        Command = "http_end_response"
	CmdReportError        Command = "http_report_error"
)

// Message is one JSON frame on the tunnel channel. Fields are populated
// according to the command; Data carries body bytes and is base64-encoded
// on the wire by the JSON codec.
type Message struct {
	Command   Command           `json:"command"`
	ShareKey  string            `json:"share_key,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Share key length constraints.
const (
	MinShareKeyLen = 8
	MaxShareKeyLen = 64
)

// ValidShareKey reports whether k satisfies the share key length constraint.
func ValidShareKey(k string) bool {
	return len(k) >= MinShareKeyLen && len(k) <= MaxShareKeyLen
}

var (
	// ErrInvalidShareKey indicates a key outside the allowed length range.
	ErrInvalidShareKey = errors.New("invalid share key")

	// ErrAlreadyRegistered indicates a live session already holds the key.
	ErrAlreadyRegistered = errors.New("share key already registered")

	// ErrShareNotFound indicates no live session holds the key.
	ErrShareNotFound = errors.New("share not found")

	// ErrSessionClosed indicates the session's connection is gone; no
	// further forwards are accepted.
	ErrSessionClosed = errors.New("tunnel session closed")

	// ErrUnknownRequestID indicates a response message referenced a request
	// id with no pending request. This is a protocol error: the connection
	// carrying it is closed.
	ErrUnknownRequestID = errors.New("unknown request id")

	// ErrKeyMismatch indicates a post-registration message carried a share
	// key different from the session's. The connection is closed.
	ErrKeyMismatch = errors.New("share key mismatch")
)

// MessageWriter delivers messages to the remote agent. Implementations must
// serialize concurrent calls (the websocket transport allows one writer at
// a time).
type MessageWriter interface {
	WriteMessage(m *Message) error
}

// ResponseSink receives a forwarded request's response as it streams back
// from the agent. It is bound to the original HTTP response.
type ResponseSink interface {
	// SetHeaders sets response header key/value pairs. Meaningful at most
	// once, before any body data.
	SetHeaders(headers map[string]string)

	// WriteData appends bytes to the response body, in arrival order.
	WriteData(data []byte) error

	// End finalizes the response successfully.
	End()

	// Fail aborts the response with an error message. If nothing has been
	// written yet the caller surfaces a failed HTTP response rather than
	// silently dropping the request.
	Fail(message string)
}
