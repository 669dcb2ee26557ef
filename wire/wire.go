// Package wire defines the JSON frames exchanged between bridge clients and
// servers. Every frame is one WebSocket text message carrying exactly one of
// three shapes: a request (method + id), a notification (method, no id), or a
// response (id + result or error). The schema is described on Message.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ProtocolMarker tags every frame so peers can reject frames from unrelated
// protocols sharing the same socket path.
const ProtocolMarker = "wsbridge/1"

// Stable error codes carried in error responses. The numbering follows the
// JSON-RPC convention.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Kind classifies a decoded frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	}
	return "invalid"
}

// Error is the structured error carried in an error response. It implements
// the error interface so a client can hand it straight to the caller.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Message)
}

// Message is the frame schema. The ID is carried as raw JSON so a server
// echoes the caller's id bytes verbatim and a client can correlate responses
// by raw-byte key without caring whether the id was a number or a string.
//
// A request has Method and ID set. A notification has Method set and no ID.
// A response has ID set plus Result or Error. Anything else is invalid.
type Message struct {
	Proto  string          `json:"proto"`
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params []any           `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Kind reports which of the three frame shapes m is.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && len(m.ID) > 0:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case len(m.ID) > 0 && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	}
	return KindInvalid
}

// Decode parses a single frame. A syntactically invalid payload is reported
// as a *Error with CodeParseError so callers can route it to their
// malformed-frame path.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &Error{Code: CodeParseError, Message: fmt.Sprintf("malformed frame: %s", err)}
	}
	return &m, nil
}

// NewRequest builds a request frame with a numeric id.
func NewRequest(id uint64, method string, params []any) *Message {
	return &Message{
		Proto:  ProtocolMarker,
		ID:     json.RawMessage(strconv.FormatUint(id, 10)),
		Method: method,
		Params: params,
	}
}

// NewNotification builds a notification frame.
func NewNotification(method string, params []any) *Message {
	return &Message{
		Proto:  ProtocolMarker,
		Method: method,
		Params: params,
	}
}

// NewResult builds a success response echoing the request's raw id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Message{Proto: ProtocolMarker, ID: id, Result: b}, nil
}

// NewError builds an error response. A nil id (as for a frame that could not
// be parsed at all) is sent as a JSON null id.
func NewError(id json.RawMessage, code int, message string) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{
		Proto: ProtocolMarker,
		ID:    id,
		Error: &Error{Code: code, Message: message},
	}
}
