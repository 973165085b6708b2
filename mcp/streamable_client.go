// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreproto/mcpcore/auth"
	"github.com/coreproto/mcpcore/jsonrpc"
)

// ErrSessionClosed is delivered to the Protocol's OnError handler (and
// returned from Read/Write) when the server responds 404 to a request
// carrying an Mcp-Session-Id, meaning it no longer recognizes the session.
// The transport clears its held session id and closes the Connection when
// this occurs, so later Read and Write calls return this error.
var ErrSessionClosed = errors.New("mcp: session closed")

// ReconnectionOptions configures the backoff schedule the client transport
// uses both for retrying message sends and for re-establishing the hanging
// GET stream after a transient failure. The defaults match the original
// streamable HTTP reference behavior.
type ReconnectionOptions struct {
	// MaxRetries caps the number of retries for a send or reconnect attempt.
	// Zero defaults to 2.
	MaxRetries int
	// InitialBackoff is the delay before the first retry. Zero defaults to
	// 1000ms.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff delay. Zero defaults to 30000ms.
	MaxBackoff time.Duration
	// GrowthFactor scales the backoff delay on each retry. Zero defaults to
	// 1.5.
	GrowthFactor float64
}

func (r ReconnectionOptions) withDefaults() ReconnectionOptions {
	if r.InitialBackoff == 0 {
		r.InitialBackoff = 1000 * time.Millisecond
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = 30_000 * time.Millisecond
	}
	if r.GrowthFactor == 0 {
		r.GrowthFactor = 1.5
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 2
	}
	return r
}

// A StreamableClientTransport is a Transport that communicates with an MCP
// endpoint serving the streamable HTTP transport.
type StreamableClientTransport struct {
	url  string
	opts StreamableClientTransportOptions
}

// StreamableClientTransportOptions provides options for
// NewStreamableClientTransport.
type StreamableClientTransportOptions struct {
	// HTTPClient is the client to use for making HTTP requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// Reconnection configures retry/backoff behavior. Zero value uses the
	// documented defaults.
	Reconnection ReconnectionOptions
	// OAuth, if set, is consulted when a request receives a 401 or 403:
	// Authorize is invoked once, and on success the request is retried with
	// a fresh Authorization header sourced from TokenSource.
	OAuth auth.OAuthHandler
}

// NewStreamableClientTransport returns a new client transport that connects
// to the streamable HTTP server at the provided URL.
func NewStreamableClientTransport(url string, opts *StreamableClientTransportOptions) *StreamableClientTransport {
	t := &StreamableClientTransport{url: url}
	if opts != nil {
		t.opts = *opts
	}
	t.opts.Reconnection = t.opts.Reconnection.withDefaults()
	return t
}

// Connect implements the Transport interface.
//
// The resulting Connection writes messages via POST requests to the
// transport URL with the Mcp-Session-Id header set, and reads messages from
// hanging GET requests. When closed, the connection issues a DELETE request
// to terminate the logical session.
func (t *StreamableClientTransport) Connect(ctx context.Context) (Connection, error) {
	client := t.opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	conn := &streamableClientConn{
		url:             t.url,
		client:          client,
		oauth:           t.opts.OAuth,
		incoming:        make(chan []byte, 100),
		done:            make(chan struct{}),
		pendingMessages: make(chan jsonrpc.Message, 100),
		reconn:          t.opts.Reconnection,
		randSource:      rand.New(rand.NewSource(1)),
	}
	conn.sessionID.Store("")

	go conn.startMessageWriter()
	go conn.startEventStreamReceiver()

	return conn, nil
}

type streamableClientConn struct {
	url       string
	sessionID atomic.Value
	client    *http.Client
	oauth     auth.OAuthHandler
	incoming  chan []byte
	done      chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu          sync.Mutex
	lastEventID string
	err         error

	pendingMessages chan jsonrpc.Message

	reconn     ReconnectionOptions
	randSource *rand.Rand

	cancelHangingGet context.CancelFunc
}

func (c *streamableClientConn) SessionID() string {
	return c.sessionID.Load().(string)
}

// Read implements the Connection interface.
func (s *streamableClientConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case data := <-s.incoming:
		return jsonrpc.DecodeMessage(data)
	}
}

// Write implements the Connection interface by enqueuing the message for an
// asynchronous send operation, carried out by startMessageWriter.
func (s *streamableClientConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		return io.EOF
	case s.pendingMessages <- msg:
		return nil
	}
}

func (s *streamableClientConn) startMessageWriter() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.pendingMessages:
			ctx, cancel := context.WithCancel(context.Background())
			go func(msgToSend jsonrpc.Message) {
				defer cancel()

				currentSessionID := s.sessionID.Load().(string)
				var lastErr error
				for i := 0; i <= s.reconn.MaxRetries; i++ {
					select {
					case <-s.done:
						return
					case <-ctx.Done():
						return
					default:
					}

					gotSessionID, sendErr := s.postMessage(ctx, currentSessionID, msgToSend)
					if sendErr == nil {
						if currentSessionID == "" && gotSessionID != "" {
							s.sessionID.Store(gotSessionID)
						}
						return
					}

					if errors.Is(sendErr, ErrSessionClosed) {
						s.mu.Lock()
						s.err = sendErr
						s.mu.Unlock()
						s.Close()
						return
					}

					lastErr = sendErr
					if !isRetryable(sendErr) || i == s.reconn.MaxRetries {
						break
					}

					delay := backoffDelay(s.reconn, s.randSource, i)
					select {
					case <-ctx.Done():
						return
					case <-time.After(delay):
					}
				}
				s.mu.Lock()
				s.err = fmt.Errorf("mcp: failed to send message after %d retries: %w", s.reconn.MaxRetries, lastErr)
				s.mu.Unlock()
				s.Close()
			}(msg)
		}
	}
}

// postMessage sends a single JSON-RPC message via an HTTP POST request,
// retrying once with a fresh token if the response requires authorization
// and an OAuthHandler is configured. It returns the session ID from the
// response header, or an error.
func (s *streamableClientConn) postMessage(ctx context.Context, currentSessionID string, msg jsonrpc.Message) (string, error) {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return "", fmt.Errorf("mcp: failed to encode message: %w", err)
	}

	doPost := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("mcp: failed to create POST request: %w", err)
		}
		if currentSessionID != "" {
			req.Header.Set("Mcp-Session-Id", currentSessionID)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		if err := s.setAuthHeader(ctx, req); err != nil {
			return nil, err
		}
		return s.client.Do(req)
	}

	resp, err := doPost()
	if err != nil {
		return "", fmt.Errorf("mcp: POST request failed: %w", err)
	}

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && s.oauth != nil {
		req2, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
		if authErr := s.oauth.Authorize(ctx, req2, resp); authErr == nil {
			resp, err = doPost()
			if err != nil {
				return "", fmt.Errorf("mcp: POST retry after authorization failed: %w", err)
			}
		}
	}

	if resp.StatusCode == http.StatusNotFound && currentSessionID != "" {
		resp.Body.Close()
		s.sessionID.Store("")
		return "", fmt.Errorf("mcp: POST request returned 404 for session %q: %w", currentSessionID, ErrSessionClosed)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return "", &httpStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("POST request returned unexpected status %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(bodyBytes))),
		}
	}

	newSessionID := resp.Header.Get("Mcp-Session-Id")
	if currentSessionID == "" && newSessionID == "" {
		resp.Body.Close()
		return "", fmt.Errorf("mcp: initial POST request did not return an Mcp-Session-Id")
	}
	if newSessionID == "" {
		newSessionID = currentSessionID
	}

	switch ct := resp.Header.Get("Content-Type"); ct {
	case "text/event-stream":
		go s.handleSSE(resp)
	case "application/json":
		defer resp.Body.Close()
		if err := s.deliverJSONResponse(resp.Body); err != nil {
			return "", err
		}
	default:
		resp.Body.Close()
		return "", fmt.Errorf("mcp: POST response has unexpected content type %q, want application/json or text/event-stream", ct)
	}

	return newSessionID, nil
}

// deliverJSONResponse parses body as a single JSON-RPC message or a batch of
// them and delivers each to the read side of the connection, mirroring how
// handleSSE delivers one message per event.
func (s *streamableClientConn) deliverJSONResponse(body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("mcp: reading POST JSON response: %w", err)
	}
	batch, err := jsonrpc.DecodeBatch(data)
	if err != nil {
		return fmt.Errorf("mcp: decoding POST JSON response: %w", err)
	}
	for _, msg := range batch {
		encoded, err := jsonrpc.EncodeMessage(msg)
		if err != nil {
			return fmt.Errorf("mcp: re-encoding POST JSON response message: %w", err)
		}
		select {
		case s.incoming <- encoded:
		case <-s.done:
			return io.EOF
		}
	}
	return nil
}

func (s *streamableClientConn) setAuthHeader(ctx context.Context, req *http.Request) error {
	if s.oauth == nil {
		return nil
	}
	ts, err := s.oauth.TokenSource(ctx)
	if err != nil {
		return nil // not yet authorized; send unauthenticated and let the 401 path drive Authorize
	}
	tok, err := ts.Token()
	if err != nil {
		return nil
	}
	tok.SetAuthHeader(req)
	return nil
}

func (s *streamableClientConn) startEventStreamReceiver() {
	backoffDuration := s.reconn.InitialBackoff
	retries := 0

	for {
		select {
		case <-s.done:
			return
		default:
		}

		sessionID := s.sessionID.Load().(string)
		if sessionID == "" {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancelHangingGet = cancel
		lastEventID := s.lastEventID
		s.mu.Unlock()

		err := s.performHangingGet(ctx, sessionID, lastEventID)

		s.mu.Lock()
		s.cancelHangingGet = nil
		s.mu.Unlock()
		cancel()

		if err == nil {
			retries = 0
			backoffDuration = s.reconn.InitialBackoff
			continue
		}

		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusMethodNotAllowed {
			// The server doesn't support the GET/SSE channel. Stop trying to
			// maintain it; the transport remains usable for POSTs.
			return
		}

		if retries >= s.reconn.MaxRetries {
			s.mu.Lock()
			s.err = fmt.Errorf("mcp: failed to maintain SSE connection after %d retries: %w", s.reconn.MaxRetries, err)
			s.mu.Unlock()
			s.Close()
			return
		}

		delay := backoffDuration + time.Duration(s.randSource.Int63n(int64(backoffDuration/2)+1))
		select {
		case <-s.done:
			return
		case <-time.After(delay):
			retries++
			backoffDuration = time.Duration(float64(backoffDuration) * s.reconn.GrowthFactor)
			if backoffDuration > s.reconn.MaxBackoff {
				backoffDuration = s.reconn.MaxBackoff
			}
		}
	}
}

func backoffDelay(r ReconnectionOptions, rnd *rand.Rand, attempt int) time.Duration {
	d := float64(r.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= r.GrowthFactor
	}
	backoff := time.Duration(d)
	if backoff > r.MaxBackoff {
		backoff = r.MaxBackoff
	}
	jitter := time.Duration(rnd.Int63n(int64(backoff/2) + 1))
	return backoff + jitter
}

func (s *streamableClientConn) performHangingGet(ctx context.Context, sessionID, lastEventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("mcp: failed to create GET request: %w", err)
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	if err := s.setAuthHeader(ctx, req); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: GET request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("GET request returned unexpected status %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(bodyBytes))),
		}
	}

	return s.handleSSE(resp)
}

func (s *streamableClientConn) handleSSE(resp *http.Response) error {
	defer resp.Body.Close()
	for evt, err := range scanEvents(resp.Body) {
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("mcp: error scanning SSE events: %w", err)
		}
		if evt.id != "" {
			s.mu.Lock()
			s.lastEventID = evt.id
			s.mu.Unlock()
		}
		select {
		case s.incoming <- evt.data:
		case <-s.done:
			return io.EOF
		}
	}
	return nil
}

// isRetryable reports whether err indicates a transient condition that
// warrants a retry.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout,
			http.StatusTooEarly,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// TerminateSession implements SessionTerminator. Unlike Close, the
// Connection remains usable afterward: a 200 or 204 response clears the
// held session id so the next Write starts a fresh session; a 405 response
// means the server doesn't support explicit termination, so the held
// session id is left intact and no error is returned; any other status is
// reported as an error.
func (s *streamableClientConn) TerminateSession(ctx context.Context) error {
	sessionID := s.sessionID.Load().(string)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return fmt.Errorf("mcp: failed to create DELETE request: %w", err)
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	if err := s.setAuthHeader(ctx, req); err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: DELETE request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		s.sessionID.Store("")
		return nil
	case http.StatusMethodNotAllowed:
		return nil
	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("DELETE request returned unexpected status %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(bodyBytes))),
		}
	}
}

// Close implements the Connection interface. It stops all background
// goroutines and sends a best-effort DELETE request to terminate the
// logical session.
func (s *streamableClientConn) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		if s.cancelHangingGet != nil {
			s.cancelHangingGet()
		}
		s.mu.Unlock()
		close(s.pendingMessages)

		sessionID := s.sessionID.Load().(string)
		if sessionID != "" {
			req, err := http.NewRequest(http.MethodDelete, s.url, nil)
			if err != nil {
				s.closeErr = fmt.Errorf("mcp: failed to create DELETE request: %w", err)
			} else {
				req.Header.Set("Mcp-Session-Id", sessionID)
				if _, err := s.client.Do(req); err != nil {
					s.closeErr = fmt.Errorf("mcp: failed to send DELETE request to terminate session: %w", err)
				}
			}
		}
	})
	return s.closeErr
}

// httpStatusError wraps an error and includes an HTTP status code.
type httpStatusError struct {
	StatusCode int
	Err        error
}

func (e *httpStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HTTP status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("HTTP status %d", e.StatusCode)
}

func (e *httpStatusError) Unwrap() error {
	return e.Err
}
