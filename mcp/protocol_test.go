// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coreproto/mcpcore/internal/json"
	"github.com/coreproto/mcpcore/jsonrpc"
)

// pipeConn is an in-memory Connection pair used to test Protocol without a
// real transport.
type pipeConn struct {
	mu     sync.Mutex
	peer   *pipeConn
	ch     chan jsonrpc.Message
	closed bool
}

func newPipePair() (*pipeConn, *pipeConn) {
	a := &pipeConn{ch: make(chan jsonrpc.Message, 16)}
	b := &pipeConn{ch: make(chan jsonrpc.Message, 16)}
	a.peer, b.peer = b, a
	return a, b
}

func (c *pipeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg, ok := <-c.ch:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	select {
	case c.peer.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

type pipeTransport struct{ conn *pipeConn }

func (t pipeTransport) Connect(context.Context) (Connection, error) { return t.conn, nil }

func TestProtocolRequestResponse(t *testing.T) {
	clientConn, serverConn := newPipePair()
	ctx := context.Background()

	server := NewProtocol()
	if _, err := server.Connect(ctx, pipeTransport{serverConn}); err != nil {
		t.Fatalf("server Connect: %v", err)
	}
	server.SetRequestHandler("echo", func(ctx context.Context, extra *RequestExtra, params json.RawMessage) (any, error) {
		return map[string]string{"echoed": string(params)}, nil
	})

	client := NewProtocol()
	if _, err := client.Connect(ctx, pipeTransport{clientConn}); err != nil {
		t.Fatalf("client Connect: %v", err)
	}

	result, err := client.Request(ctx, "echo", map[string]string{"a": "b"}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var decoded struct {
		Echoed string `json:"echoed"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if decoded.Echoed == "" {
		t.Errorf("echoed field empty, got result %s", result)
	}
}

func TestProtocolMethodNotFound(t *testing.T) {
	clientConn, serverConn := newPipePair()
	ctx := context.Background()

	server := NewProtocol()
	server.Connect(ctx, pipeTransport{serverConn})

	client := NewProtocol()
	client.Connect(ctx, pipeTransport{clientConn})

	_, err := client.Request(ctx, "nope", nil, nil)
	if err == nil {
		t.Fatal("want error for unknown method")
	}
	jerr, ok := err.(*jsonrpc.Error)
	if !ok || jerr.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("got %v, want CodeMethodNotFound", err)
	}
}

func TestProtocolRequestTimeout(t *testing.T) {
	clientConn, serverConn := newPipePair()
	ctx := context.Background()

	server := NewProtocol()
	server.Connect(ctx, pipeTransport{serverConn})
	server.SetRequestHandler("slow", func(ctx context.Context, extra *RequestExtra, params json.RawMessage) (any, error) {
		<-ctx.Done() // never replies in time
		return nil, ctx.Err()
	})

	client := NewProtocol()
	client.Connect(ctx, pipeTransport{clientConn})

	_, err := client.Request(ctx, "slow", nil, &RequestOptions{Timeout: 20 * time.Millisecond})
	if err != jsonrpc.ErrRequestTimeout {
		t.Errorf("got %v, want ErrRequestTimeout", err)
	}
}

func TestProtocolNotificationHandler(t *testing.T) {
	clientConn, serverConn := newPipePair()
	ctx := context.Background()

	server := NewProtocol()
	server.Connect(ctx, pipeTransport{serverConn})

	received := make(chan string, 1)
	client := NewProtocol()
	client.Connect(ctx, pipeTransport{clientConn})
	client.SetNotificationHandler("ping", func(ctx context.Context, extra *RequestExtra, params json.RawMessage) error {
		received <- "got it"
		return nil
	})

	if err := server.Notify(ctx, "ping", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("notification not received")
	}
}

func TestProtocolCancellation(t *testing.T) {
	clientConn, serverConn := newPipePair()
	ctx := context.Background()

	handlerStarted := make(chan struct{})
	handlerCancelled := make(chan struct{})

	server := NewProtocol()
	server.Connect(ctx, pipeTransport{serverConn})
	server.SetRequestHandler("long", func(ctx context.Context, extra *RequestExtra, params json.RawMessage) (any, error) {
		close(handlerStarted)
		<-ctx.Done()
		close(handlerCancelled)
		return nil, ctx.Err()
	})

	client := NewProtocol()
	client.Connect(ctx, pipeTransport{clientConn})

	reqCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		client.Request(reqCtx, "long", nil, nil)
		close(done)
	}()

	<-handlerStarted
	cancel()

	select {
	case <-handlerCancelled:
	case <-time.After(time.Second):
		t.Fatal("handler was not cancelled")
	}
	<-done
}

func TestEncodeParamsWithProgressToken(t *testing.T) {
	data, err := encodeParamsWithProgress(map[string]string{"x": "y"}, func(ProgressNotificationParams) {}, 42)
	if err != nil {
		t.Fatalf("encodeParamsWithProgress: %v", err)
	}
	var decoded struct {
		X    string `json:"x"`
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshaling result: %v", err)
	}
	if decoded.X != "y" {
		t.Errorf("x = %q, want y", decoded.X)
	}
	if len(decoded.Meta.ProgressToken) == 0 {
		t.Fatal("expected non-empty progress token in _meta")
	}
}
