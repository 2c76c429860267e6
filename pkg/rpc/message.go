// Package rpc holds the JSON-RPC 2.0 wire types shared by the backend process
// layer and the HTTP front end. Payloads stay as raw JSON so results and
// errors produced by a backend can be relayed byte-for-byte.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC version accepted on the wire.
const Version = "2.0"

// Standard JSON-RPC error codes plus the gateway's own range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeCallTimeout        = -32001
	CodeBackendUnavailable = -32002
)

// Message is a single JSON-RPC request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It satisfies the error interface so a
// backend's error can travel through Go error returns unchanged.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

var _ error = (*Error)(nil)

var (
	// ErrBatchUnsupported is returned by Decode for JSON arrays.
	ErrBatchUnsupported = errors.New("rpc: batch messages are not supported")
	// ErrInvalidVersion is returned when the jsonrpc member is not "2.0".
	ErrInvalidVersion = errors.New("rpc: invalid jsonrpc version")
)

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// IsRequest reports whether the message is a request expecting a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.HasID() }

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool { return m.Method != "" && !m.HasID() }

// IsResponse reports whether the message is a result or error response.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Decode parses one JSON-RPC message. Arrays are rejected with
// ErrBatchUnsupported; other structural problems are returned as-is.
func Decode(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, ErrBatchUnsupported
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, err
	}
	if msg.JSONRPC != Version {
		return &msg, ErrInvalidVersion
	}
	return &msg, nil
}

// Encode renders a message as compact JSON without a trailing newline.
func Encode(msg *Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	return json.Marshal(msg)
}

// NewRequest builds a request with a string id.
func NewRequest(id, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: StringID(id), Method: method, Params: raw}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	var raw json.RawMessage
	switch v := result.(type) {
	case json.RawMessage:
		raw = v
	case nil:
		raw = json.RawMessage("{}")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("rpc: marshal result: %w", err)
		}
		raw = b
	}
	return &Message{JSONRPC: Version, ID: nullIfEmpty(id), Result: raw}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Message {
	return &Message{JSONRPC: Version, ID: nullIfEmpty(id), Error: rpcErr}
}

// NewError is a convenience constructor for *Error with optional data.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			e.Data = b
		}
	}
	return e
}

// StringID encodes s as a JSON string id.
func StringID(s string) json.RawMessage {
	return json.RawMessage(strconv.Quote(s))
}

// IDKey canonicalizes an id for use as a map key: whitespace is ignored and
// numeric ids compare by value.
func IDKey(id json.RawMessage) string {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return "s:" + s
		}
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return "n:" + n.String()
	}
	return "r:" + string(trimmed)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("rpc: marshal params: %w", err)
		}
		return b, nil
	}
}

func nullIfEmpty(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage("null")
	}
	return id
}
