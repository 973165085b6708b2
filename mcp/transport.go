// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"

	"github.com/coreproto/mcpcore/jsonrpc"
)

// A Transport connects to a logical peer and produces a Connection through
// which JSON-RPC messages flow in both directions. Connect is the Go
// realization of the "start()" capability in the language-neutral contract:
// it must be idempotent to call at most once per Transport value and fails
// if the transport is already connected.
type Transport interface {
	// Connect activates the transport and returns the Connection used to
	// exchange messages. The provided context bounds only the connection
	// attempt, not the Connection's subsequent lifetime.
	Connect(ctx context.Context) (Connection, error)
}

// A Connection is a bidirectional, ordered channel of JSON-RPC messages to a
// single logical peer.
//
// Read and Write may be called concurrently with each other, but each is
// called from at most one goroutine at a time by Protocol. Messages
// returned from Read reflect the order they arrived on the wire for a given
// stream; Connection implementations that multiplex several wire streams
// (e.g. the Streamable HTTP transport's concurrent SSE readers) do not
// guarantee ordering across those streams, only within each.
type Connection interface {
	// Read blocks until a message is available, ctx is done, or the
	// connection is closed (in which case it returns io.EOF).
	Read(ctx context.Context) (jsonrpc.Message, error)
	// Write delivers one message to the peer. It returns once the carrier
	// has accepted the message, not once the peer has processed it.
	Write(ctx context.Context, msg jsonrpc.Message) error
	// Close releases the Connection's resources. It is safe to call Close
	// more than once; only the first call has effect.
	Close() error
}

// SessionID is implemented by Connections that expose an HTTP-transport- or
// WebSocket-transport-scoped session identifier.
type SessionID interface {
	SessionID() string
}

// SessionTerminator is implemented by Connections that can end their logical
// session without tearing down the Connection itself, so that a later Write
// starts a fresh session. The Streamable HTTP client Connection implements
// this.
type SessionTerminator interface {
	// TerminateSession ends the current session. If the server responds that
	// it doesn't support explicit termination, the held session id is left
	// intact and no error is returned.
	TerminateSession(ctx context.Context) error
}

// SendOptions carries per-message delivery hints from Protocol to a
// Connection's Write method, surfaced via context using sendOptionsKey so
// that Connection implementations that don't care about them need no extra
// parameter.
type SendOptions struct {
	// RelatedRequestID associates this message (typically a notification or
	// a server->client request) with the incoming request being handled, so
	// a transport that multiplexes logical streams (e.g. Streamable HTTP)
	// can route it to the correct HTTP response.
	RelatedRequestID *jsonrpc.ID
	// ResumptionToken is an opaque value identifying where resumable
	// delivery should continue from, forwarded from a prior
	// OnResumptionToken callback.
	ResumptionToken string
	// OnResumptionToken, if set, is invoked by the transport with the
	// opaque resumption token covering this message, once known.
	OnResumptionToken func(string)
}

type sendOptionsKey struct{}

// withSendOptions returns a context carrying opts, retrievable with
// sendOptionsFromContext.
func withSendOptions(ctx context.Context, opts *SendOptions) context.Context {
	if opts == nil {
		return ctx
	}
	return context.WithValue(ctx, sendOptionsKey{}, opts)
}

// sendOptionsFromContext extracts SendOptions set by withSendOptions, if
// any.
func sendOptionsFromContext(ctx context.Context) *SendOptions {
	opts, _ := ctx.Value(sendOptionsKey{}).(*SendOptions)
	return opts
}
