// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc defines the wire types for JSON-RPC 2.0 messages, as used
// by the mcp package's Protocol core and transports.
//
// The schema of individual method params/results is intentionally opaque to
// this package: params and results travel as raw JSON, leaving validation to
// a caller-supplied schema (see mcp.RequestOptions.ResultValidator).
package jsonrpc

import (
	"fmt"
	"strconv"

	"github.com/coreproto/mcpcore/internal/jsonrpc2"
	json "github.com/coreproto/mcpcore/internal/json"
)

// protocolVersion is the constant "jsonrpc" field value required by JSON-RPC 2.0.
const protocolVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// SDK-specific error codes, reserved in the implementation-defined range.
const (
	// CodeConnectionClosed is used to reject in-flight requests when the
	// owning transport is closed.
	CodeConnectionClosed = -32000
	// CodeRequestTimeout is used to reject requests whose deadline elapsed
	// without a matching response.
	CodeRequestTimeout = -32001
)

// ID is a JSON-RPC request/response identifier: a string, a number, or (for
// notifications) absent. The zero ID is not valid; use IsValid to check.
type ID struct {
	s     string
	n     int64
	isSet bool
	isStr bool
}

// Int64ID returns an ID holding the given number.
func Int64ID(n int64) ID { return ID{n: n, isSet: true} }

// StringID returns an ID holding the given string.
func StringID(s string) ID { return ID{s: s, isSet: true, isStr: true} }

// IsValid reports whether id was actually assigned (as opposed to the zero
// value, which denotes "no id", i.e. a notification).
func (id ID) IsValid() bool { return id.isSet }

// IsString reports whether the ID holds a string value.
func (id ID) IsString() bool { return id.isStr }

// Raw returns the underlying value: a string, an int64, or nil if unset.
func (id ID) Raw() any {
	switch {
	case !id.isSet:
		return nil
	case id.isStr:
		return id.s
	default:
		return id.n
	}
}

func (id ID) String() string {
	switch {
	case !id.isSet:
		return "<no id>"
	case id.isStr:
		return id.s
	default:
		return strconv.FormatInt(id.n, 10)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.isSet:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.s)
	default:
		return json.Marshal(id.n)
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ID{}
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{n: n, isSet: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID{s: s, isSet: true, isStr: true}
		return nil
	}
	return fmt.Errorf("jsonrpc: invalid id %q", string(data))
}

// Error is a JSON-RPC 2.0 error object. It implements the error interface so
// it can be returned and type-asserted like any other Go error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError constructs an *Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	// ErrConnectionClosed is used to reject in-flight requests when the
	// owning transport is closed (spec code -32000).
	ErrConnectionClosed = NewError(CodeConnectionClosed, "connection closed")
	// ErrRequestTimeout is used to reject requests that exceeded their
	// deadline without a matching response (spec code -32001).
	ErrRequestTimeout = NewError(CodeRequestTimeout, "request timed out")
)

// Message is implemented by Request, Notification, and Response. A Message
// distinguishes its kind structurally: a Request has both Method and ID; a
// Notification has Method but no ID; a Response has ID and either Result or
// Err.
type Message interface {
	isMessage()
}

// Request is an outgoing or incoming JSON-RPC request: it carries a Method
// and an ID, and expects exactly one Response bearing the same ID.
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) isMessage() {}

// Notification is a fire-and-forget JSON-RPC message: it carries a Method
// but no ID, and never receives a Response.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Notification) isMessage() {}

// Response is a reply to a Request with a matching ID: exactly one of
// Result or Err is set.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *Error          `json:"error,omitempty"`
}

func (*Response) isMessage() {}

// wireMessage is the on-the-wire shape of any of the three message kinds; it
// is used only for marshaling/unmarshaling.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// EncodeMessage marshals msg into its JSON-RPC 2.0 wire representation.
func EncodeMessage(msg Message) ([]byte, error) {
	w := wireMessage{JSONRPC: protocolVersion}
	switch m := msg.(type) {
	case *Request:
		id := m.ID
		w.ID = &id
		w.Method = m.Method
		w.Params = m.Params
	case *Notification:
		w.Method = m.Method
		w.Params = m.Params
	case *Response:
		id := m.ID
		w.ID = &id
		w.Result = m.Result
		w.Error = m.Err
	default:
		return nil, fmt.Errorf("jsonrpc: unknown message type %T", msg)
	}
	return json.Marshal(w)
}

// DecodeMessage unmarshals data, which must hold a single JSON-RPC 2.0
// message object, applying the strict anti-smuggling checks in
// internal/jsonrpc2 before determining the message's kind.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := jsonrpc2.StrictUnmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("jsonrpc: %w", err)
	}
	switch {
	case w.Method != "" && w.ID != nil:
		return &Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return &Notification{Method: w.Method, Params: w.Params}, nil
	case w.ID != nil:
		return &Response{ID: *w.ID, Result: w.Result, Err: w.Error}, nil
	default:
		return nil, fmt.Errorf("jsonrpc: message has neither method nor id")
	}
}

// Batch is an ordered collection of messages sent or received together as a
// single JSON array on the wire (a single object is treated as a batch of
// one for decoding purposes).
type Batch []Message

// EncodeBatch marshals a batch of messages as a JSON array.
func EncodeBatch(b Batch) ([]byte, error) {
	if len(b) == 1 {
		return EncodeMessage(b[0])
	}
	raws := make([]json.RawMessage, len(b))
	for i, m := range b {
		data, err := EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		raws[i] = data
	}
	return json.Marshal(raws)
}

// DecodeBatch decodes data as either a single JSON-RPC message or a JSON
// array of messages, returning the set of decoded messages either way.
func DecodeBatch(data []byte) (Batch, error) {
	trimmed := trimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("jsonrpc: empty payload")
	}
	if trimmed[0] != '[' {
		msg, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		return Batch{msg}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("jsonrpc: invalid batch: %w", err)
	}
	batch := make(Batch, 0, len(raws))
	for _, raw := range raws {
		msg, err := DecodeMessage(raw)
		if err != nil {
			return nil, err
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

func trimSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}
