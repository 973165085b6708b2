// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreproto/mcpcore/internal/json"
)

func TestWebSocketTransportRoundTrip(t *testing.T) {
	protocol := NewProtocol()
	protocol.SetRequestHandler("ping", func(ctx context.Context, extra *RequestExtra, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	wsServer := NewWebSocketServerTransport(func(*http.Request) *Protocol { return protocol })
	httpServer := httptest.NewServer(wsServer)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	client := NewProtocol()
	conn, err := client.Connect(context.Background(), &WebSocketClientTransport{URL: wsURL})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	result, err := client.Request(context.Background(), "ping", nil, &RequestOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var got string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != "pong" {
		t.Errorf("got %q, want pong", got)
	}
}

func TestWebSocketClientTransportDialFailure(t *testing.T) {
	transport := &WebSocketClientTransport{URL: "ws://127.0.0.1:1/does-not-exist"}
	_, err := transport.Connect(context.Background())
	if err == nil {
		t.Fatal("expected dial failure")
	}
}
