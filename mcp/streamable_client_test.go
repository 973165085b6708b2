// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreproto/mcpcore/internal/json"
	"github.com/coreproto/mcpcore/jsonrpc"
)

func TestStreamableClientTransportRoundTrip(t *testing.T) {
	protocol := NewProtocol()
	protocol.SetRequestHandler("ping", func(ctx context.Context, extra *RequestExtra, params json.RawMessage) (any, error) {
		return "pong", nil
	})
	handler := NewStreamableHTTPHandler(func(*http.Request) *Protocol { return protocol }, nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()
	defer handler.closeAll()

	client := NewProtocol()
	transport := NewStreamableClientTransport(srv.URL, nil)
	conn, err := client.Connect(context.Background(), transport)
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

func TestReconnectionOptionsDefaults(t *testing.T) {
	opts := ReconnectionOptions{}.withDefaults()
	if opts.InitialBackoff != 1000*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 1000ms", opts.InitialBackoff)
	}
	if opts.MaxBackoff != 30_000*time.Millisecond {
		t.Errorf("MaxBackoff = %v, want 30000ms", opts.MaxBackoff)
	}
	if opts.GrowthFactor != 1.5 {
		t.Errorf("GrowthFactor = %v, want 1.5", opts.GrowthFactor)
	}
	if opts.MaxRetries != 2 {
		t.Errorf("MaxRetries = %v, want 2", opts.MaxRetries)
	}
}

func TestIsRetryableStatusCodes(t *testing.T) {
	retryable := []int{http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusServiceUnavailable}
	for _, code := range retryable {
		err := &httpStatusError{StatusCode: code}
		if !isRetryable(err) {
			t.Errorf("status %d: want retryable", code)
		}
	}
	nonRetryable := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized}
	for _, code := range nonRetryable {
		err := &httpStatusError{StatusCode: code}
		if isRetryable(err) {
			t.Errorf("status %d: want not retryable", code)
		}
	}
}

func newTestClientConn(url string) *streamableClientConn {
	c := &streamableClientConn{
		url:      url,
		client:   http.DefaultClient,
		incoming: make(chan []byte, 10),
		done:     make(chan struct{}),
	}
	c.sessionID.Store("")
	return c
}

func TestPostMessage404ClearsSessionAndReturnsSessionClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	conn := newTestClientConn(srv.URL)
	conn.sessionID.Store("stale-session")

	req := &jsonrpc.Request{ID: jsonrpc.Int64ID(1), Method: "ping"}
	_, err := conn.postMessage(context.Background(), "stale-session", req)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("postMessage err = %v, want wrapping ErrSessionClosed", err)
	}
	if got := conn.sessionID.Load().(string); got != "" {
		t.Errorf("sessionID = %q after 404, want cleared", got)
	}
}

func TestPostMessageDeliversInlineJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := &jsonrpc.Response{ID: jsonrpc.Int64ID(7), Result: json.RawMessage(`"pong"`)}
		data, err := jsonrpc.EncodeMessage(resp)
		if err != nil {
			t.Fatalf("EncodeMessage: %v", err)
		}
		w.Header().Set("Mcp-Session-Id", "sess-1")
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	defer srv.Close()

	conn := newTestClientConn(srv.URL)
	req := &jsonrpc.Request{ID: jsonrpc.Int64ID(7), Method: "ping"}
	sessionID, err := conn.postMessage(context.Background(), "", req)
	if err != nil {
		t.Fatalf("postMessage: %v", err)
	}
	if sessionID != "sess-1" {
		t.Errorf("sessionID = %q, want sess-1", sessionID)
	}

	select {
	case data := <-conn.incoming:
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		resp, ok := msg.(*jsonrpc.Response)
		if !ok {
			t.Fatalf("got %T, want *jsonrpc.Response", msg)
		}
		if string(resp.Result) != `"pong"` {
			t.Errorf("result = %s, want \"pong\"", resp.Result)
		}
	default:
		t.Fatal("no message delivered to incoming channel")
	}
}

func TestPostMessageRejectsUnexpectedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Mcp-Session-Id", "sess-1")
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	conn := newTestClientConn(srv.URL)
	req := &jsonrpc.Request{ID: jsonrpc.Int64ID(1), Method: "ping"}
	if _, err := conn.postMessage(context.Background(), "", req); err == nil {
		t.Fatal("postMessage: want error for unexpected content type")
	}
}

func TestTerminateSessionStatusHandling(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		wantErr     bool
		wantCleared bool
	}{
		{"ok clears session", http.StatusOK, false, true},
		{"no content clears session", http.StatusNoContent, false, true},
		{"method not allowed leaves session intact", http.StatusMethodNotAllowed, false, false},
		{"server error reported", http.StatusInternalServerError, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					t.Errorf("method = %s, want DELETE", r.Method)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			conn := newTestClientConn(srv.URL)
			conn.sessionID.Store("sess-1")

			err := conn.TerminateSession(context.Background())
			if tc.wantErr && err == nil {
				t.Fatal("TerminateSession: want error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("TerminateSession: %v", err)
			}

			got := conn.sessionID.Load().(string)
			if tc.wantCleared && got != "" {
				t.Errorf("sessionID = %q, want cleared", got)
			}
			if !tc.wantCleared && got != "sess-1" {
				t.Errorf("sessionID = %q, want left intact", got)
			}
		})
	}
}

func TestTerminateSessionNoopWithoutSession(t *testing.T) {
	conn := newTestClientConn("http://unused.invalid")
	if err := conn.TerminateSession(context.Background()); err != nil {
		t.Fatalf("TerminateSession with no session: %v", err)
	}
}

func TestEventStreamReceiverStopsOnGET405WithoutError(t *testing.T) {
	var getCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			getCount.Add(1)
			w.Header().Set("Allow", "POST")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := newTestClientConn(srv.URL)
	conn.reconn = ReconnectionOptions{}.withDefaults()
	conn.sessionID.Store("sess-1")

	done := make(chan struct{})
	go func() {
		conn.startEventStreamReceiver()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("startEventStreamReceiver did not return after 405")
	}

	if n := getCount.Load(); n != 1 {
		t.Errorf("GET attempts = %d, want exactly 1 (no retry on 405)", n)
	}

	conn.mu.Lock()
	gotErr := conn.err
	conn.mu.Unlock()
	if gotErr != nil {
		t.Errorf("conn.err = %v, want nil (405 must not close the connection)", gotErr)
	}
	select {
	case <-conn.done:
		t.Error("conn.done closed, want connection to remain usable after GET 405")
	default:
	}
}
