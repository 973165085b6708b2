// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStreamableServerTransport_MaxBodyBytes(t *testing.T) {
	tpt := NewStreamableServerTransport("sess-1")
	tpt.maxBodyBytes = 16

	req := httptest.NewRequest(http.MethodPost, "http://example.invalid/session", bytes.NewReader(bytes.Repeat([]byte("a"), 17)))
	req.Header.Set("Accept", "application/json, text/event-stream")
	w := httptest.NewRecorder()
	tpt.ServeHTTP(w, req)

	resp := w.Result()
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusRequestEntityTooLarge; got != want {
		t.Fatalf("status code: got %d, want %d", got, want)
	}
}

func TestStreamableHTTPHandler_MaxBodyBytes(t *testing.T) {
	protocol := NewProtocol()
	handler := NewStreamableHTTPHandler(
		func(*http.Request) *Protocol { return protocol },
		&StreamableHTTPOptions{MaxBodyBytes: 16},
	)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	req, err := http.NewRequest(http.MethodPost, httpServer.URL, bytes.NewReader(bytes.Repeat([]byte("a"), 17)))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusRequestEntityTooLarge; got != want {
		t.Fatalf("status code: got %d, want %d", got, want)
	}
}
