// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coreproto/mcpcore/auth"
	"github.com/coreproto/mcpcore/internal/mcpgodebug"
	"github.com/coreproto/mcpcore/jsonrpc"
)

// legacyAcceptHeader, set via MCPGODEBUG=legacyaccept=1, relaxes the
// Accept-header requirement below to tolerate older clients that only
// send one of "application/json" or "text/event-stream" on POST requests.
var legacyAcceptHeader = mcpgodebug.Value("legacyaccept") == "1"

// UUIDSessionIDGenerator is a SessionIDGenerator backed by uuid.NewString.
// Assign it to StreamableHTTPOptions.SessionIDGenerator to opt a handler
// into stateful sessions keyed by random UUIDs; leaving SessionIDGenerator
// nil instead runs the handler stateless.
var UUIDSessionIDGenerator = uuid.NewString

// A StreamableHTTPHandler is an http.Handler that serves streamable MCP
// sessions, as defined by the Streamable HTTP transport.
type StreamableHTTPHandler struct {
	getProtocol func(*http.Request) *Protocol
	opts        StreamableHTTPOptions

	sessionsMu sync.Mutex
	sessions   map[string]*StreamableServerTransport // keyed by Mcp-Session-Id
}

// StreamableHTTPOptions configures a StreamableHTTPHandler.
type StreamableHTTPOptions struct {
	// SessionIDGenerator produces new session ids. If nil, the handler runs
	// stateless: no Mcp-Session-Id is ever issued or required, and every
	// request is served by its own short-lived Protocol connection, so any
	// node can serve any request. Set this to UUIDSessionIDGenerator (or any
	// other generator) to run stateful with that generator minting ids. The
	// WebSocket transport uses its own randText-based generator regardless
	// of this setting.
	SessionIDGenerator func() string
	// EventStore backs resumable delivery. If nil, a process-local
	// memoryEventStore is used.
	EventStore EventStore
	// MaxBodyBytes caps POST request bodies. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// TokenVerifier, if set, requires a valid bearer token on every request
	// via auth.RequireBearerToken before the MCP handler runs.
	TokenVerifier  auth.TokenVerifier
	BearerOptions  auth.RequireBearerTokenOptions
}

// NewStreamableHTTPHandler returns a new StreamableHTTPHandler.
//
// getProtocol is used to create or look up the Protocol instance backing new
// sessions. It is OK for getProtocol to return the same Protocol multiple
// times; each session gets its own StreamableServerTransport regardless.
func NewStreamableHTTPHandler(getProtocol func(*http.Request) *Protocol, opts *StreamableHTTPOptions) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		getProtocol: getProtocol,
		sessions:    make(map[string]*StreamableServerTransport),
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

// closeAll closes all ongoing sessions.
func (h *StreamableHTTPHandler) closeAll() {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	for _, s := range h.sessions {
		s.Close()
	}
	h.sessions = nil
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if h.opts.TokenVerifier != nil {
		auth.RequireBearerToken(h.opts.TokenVerifier, h.opts.BearerOptions)(http.HandlerFunc(h.serveAuthorized)).ServeHTTP(w, req)
		return
	}
	h.serveAuthorized(w, req)
}

func (h *StreamableHTTPHandler) serveAuthorized(w http.ResponseWriter, req *http.Request) {
	// Allow multiple 'Accept' headers.
	accept := strings.Split(strings.Join(req.Header.Values("Accept"), ","), ",")
	var jsonOK, streamOK bool
	for _, c := range accept {
		switch strings.TrimSpace(c) {
		case "application/json":
			jsonOK = true
		case "text/event-stream":
			streamOK = true
		}
	}

	if req.Method == http.MethodGet {
		if !streamOK {
			http.Error(w, "Accept must contain 'text/event-stream' for GET requests", http.StatusBadRequest)
			return
		}
	} else if !legacyAcceptHeader && (!jsonOK || !streamOK) {
		http.Error(w, "Accept must contain both 'application/json' and 'text/event-stream'", http.StatusBadRequest)
		return
	}

	if h.opts.SessionIDGenerator == nil {
		h.serveStateless(w, req)
		return
	}

	var session *StreamableServerTransport
	if id := req.Header.Get("Mcp-Session-Id"); id != "" {
		h.sessionsMu.Lock()
		session = h.sessions[id]
		h.sessionsMu.Unlock()
		if session == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	if req.Method == http.MethodDelete {
		if session == nil {
			http.Error(w, "DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		h.sessionsMu.Lock()
		delete(h.sessions, session.id)
		h.sessionsMu.Unlock()
		session.Close()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch req.Method {
	case http.MethodPost, http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}

	if session == nil {
		s := NewStreamableServerTransport(h.opts.SessionIDGenerator())
		s.maxBodyBytes = h.opts.MaxBodyBytes
		if h.opts.EventStore != nil {
			s.events = h.opts.EventStore
		}
		protocol := h.getProtocol(req)
		if _, err := protocol.Connect(req.Context(), s); err != nil {
			http.Error(w, "failed connection", http.StatusInternalServerError)
			return
		}
		h.sessionsMu.Lock()
		h.sessions[s.id] = s
		h.sessionsMu.Unlock()
		session = s
	}

	session.ServeHTTP(w, req)
}

// serveStateless handles one request when no SessionIDGenerator is
// configured: no Mcp-Session-Id is ever issued or required, and the request
// gets its own short-lived transport and Protocol connection that is closed
// once the request completes.
func (h *StreamableHTTPHandler) serveStateless(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodDelete {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "stateless server does not support session termination", http.StatusMethodNotAllowed)
		return
	}
	switch req.Method {
	case http.MethodPost, http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}

	s := NewStreamableServerTransport("")
	s.maxBodyBytes = h.opts.MaxBodyBytes
	if h.opts.EventStore != nil {
		s.events = h.opts.EventStore
	}
	protocol := h.getProtocol(req)
	if _, err := protocol.Connect(req.Context(), s); err != nil {
		http.Error(w, "failed connection", http.StatusInternalServerError)
		return
	}
	defer s.Close()
	s.ServeHTTP(w, req)
}

// NewStreamableServerTransport returns a new StreamableServerTransport with
// the given session ID. A StreamableServerTransport implements the
// server side of the streamable transport.
func NewStreamableServerTransport(sessionID string) *StreamableServerTransport {
	return &StreamableServerTransport{
		id:             sessionID,
		incoming:       make(chan jsonrpc.Message, 10),
		done:           make(chan struct{}),
		signals:        make(map[string]chan struct{}),
		requestStreams: make(map[string]string),
		streamRequests: make(map[string]map[string]struct{}),
		events:         newMemoryEventStore(),
	}
}

func (t *StreamableServerTransport) SessionID() string {
	return t.id
}

// A StreamableServerTransport implements the Transport interface for a
// single logical session, multiplexing it across possibly many concurrent
// HTTP requests (one per logical stream).
type StreamableServerTransport struct {
	nextStreamID atomic.Int64

	id           string
	incoming     chan jsonrpc.Message
	maxBodyBytes int64
	events       EventStore

	mu sync.Mutex

	isDone bool
	done   chan struct{}

	// signals maps a logical stream ID to a 1-buffered channel, owned by the
	// HTTP request currently serving that stream, signaling that new
	// messages are available.
	signals map[string]chan struct{}

	// requestStreams maps an incoming request id (string form) to the
	// logical stream that carries its reply.
	requestStreams map[string]string

	// streamRequests tracks the set of unanswered request ids per logical
	// stream, so a stream's HTTP response knows when it may terminate.
	streamRequests map[string]map[string]struct{}
}

// Connect implements the Transport interface.
func (t *StreamableServerTransport) Connect(context.Context) (Connection, error) {
	return t, nil
}

// idContextKey correlates an incoming request id with the goroutine
// handling it, so that notifications and server->client requests issued
// while handling it can be routed to the same logical stream.
type idContextKey struct{}

// ServeHTTP handles a single HTTP request for the session.
func (t *StreamableServerTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		t.serveGET(w, req)
	case http.MethodPost:
		t.servePOST(w, req)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (t *StreamableServerTransport) serveGET(w http.ResponseWriter, req *http.Request) {
	streamID := ""
	if eid := req.Header.Get("Last-Event-ID"); eid != "" {
		sid, _, ok := parseStreamEventID(eid)
		if !ok {
			http.Error(w, fmt.Sprintf("malformed Last-Event-ID %q", eid), http.StatusBadRequest)
			return
		}
		streamID = sid
	}

	t.mu.Lock()
	if _, ok := t.signals[streamID]; ok {
		t.mu.Unlock()
		http.Error(w, "stream ID conflicts with ongoing stream", http.StatusBadRequest)
		return
	}
	signal := make(chan struct{}, 1)
	t.signals[streamID] = signal
	t.mu.Unlock()

	last := req.Header.Get("Last-Event-ID")
	if last == "" {
		last = streamStartSentinel(streamID)
	}
	t.streamResponse(w, req, streamID, last, signal)
}

func (t *StreamableServerTransport) servePOST(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Last-Event-ID") != "" {
		http.Error(w, "can't send Last-Event-ID for POST request", http.StatusBadRequest)
		return
	}

	bodyReader := req.Body
	if maxBytes := effectiveMaxBodyBytes(t.maxBodyBytes); maxBytes > 0 {
		bodyReader = http.MaxBytesReader(w, req.Body, maxBytes)
	}
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		if isMaxBytesError(err) {
			writeRequestBodyTooLarge(w)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "POST requires a non-empty body", http.StatusBadRequest)
		return
	}
	batch, err := jsonrpc.DecodeBatch(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed payload: %v", err), http.StatusBadRequest)
		return
	}

	requestIDs := make(map[string]struct{})
	for _, msg := range batch {
		if r, ok := msg.(*jsonrpc.Request); ok && r.ID.IsValid() {
			requestIDs[r.ID.String()] = struct{}{}
		}
	}

	streamID := strconv.FormatInt(t.nextStreamID.Add(1), 10)
	signal := make(chan struct{}, 1)
	t.mu.Lock()
	if len(requestIDs) > 0 {
		t.streamRequests[streamID] = make(map[string]struct{})
	}
	for id := range requestIDs {
		t.requestStreams[id] = streamID
		t.streamRequests[streamID][id] = struct{}{}
	}
	t.signals[streamID] = signal
	t.mu.Unlock()

	for _, msg := range batch {
		select {
		case t.incoming <- msg:
		case <-t.done:
			http.Error(w, "session terminated", http.StatusGone)
			return
		}
	}

	t.streamResponse(w, req, streamID, streamStartSentinel(streamID), signal)
}

func (t *StreamableServerTransport) streamResponse(w http.ResponseWriter, req *http.Request, sid string, lastEventID string, signal chan struct{}) {
	defer func() {
		t.mu.Lock()
		delete(t.signals, sid)
		t.mu.Unlock()
	}()

	if t.id != "" {
		w.Header().Set("Mcp-Session-Id", t.id)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")

	writes := 0
	last := lastEventID
	sendNew := func() error {
		_, err := t.events.ReplayEventsAfter(req.Context(), last, func(eid string, msg jsonrpc.Message) error {
			data, err := jsonrpc.EncodeMessage(msg)
			if err != nil {
				return err
			}
			if _, err := writeEvent(w, event{name: "message", id: eid, data: data}); err != nil {
				return err
			}
			writes++
			last = eid
			return nil
		})
		return err
	}
	if err := sendNew(); err != nil {
		return
	}

stream:
	for {
		t.mu.Lock()
		nOutstanding := len(t.streamRequests[sid])
		t.mu.Unlock()

		if req.Method == http.MethodPost && nOutstanding == 0 {
			if writes == 0 {
				w.WriteHeader(http.StatusAccepted)
			}
			return
		}

		select {
		case <-signal:
			if err := sendNew(); err != nil {
				return
			}
			continue stream
		case <-t.done:
			if writes == 0 {
				http.Error(w, "session terminated", http.StatusGone)
			}
			break stream
		case <-req.Context().Done():
			if writes == 0 {
				w.WriteHeader(http.StatusNoContent)
			}
			break stream
		}
	}
}

// Read implements the Connection interface.
func (t *StreamableServerTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-t.incoming:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	}
}

// Write implements the Connection interface.
func (t *StreamableServerTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	var forRequest, replyTo string
	var haveReply bool
	if resp, ok := msg.(*jsonrpc.Response); ok {
		forRequest = resp.ID.String()
		replyTo = resp.ID.String()
		haveReply = true
	} else if opts := sendOptionsFromContext(ctx); opts != nil && opts.RelatedRequestID != nil {
		forRequest = opts.RelatedRequestID.String()
	}

	var forStream string
	if forRequest != "" {
		t.mu.Lock()
		forStream = t.requestStreams[forRequest]
		t.mu.Unlock()
	}

	t.mu.Lock()
	if _, ok := t.streamRequests[forStream]; !ok && forStream != "" {
		// No outstanding requests for this stream: a sequencing violation
		// from the handler. Route to the default stream instead of
		// dropping the message.
		forStream = ""
	}
	done := t.isDone
	t.mu.Unlock()
	if done {
		return fmt.Errorf("mcp: session is closed")
	}

	eventID, err := t.events.StoreEvent(forStream, msg)
	if err != nil {
		return err
	}

	if haveReply {
		t.mu.Lock()
		delete(t.streamRequests[forStream], replyTo)
		if len(t.streamRequests[forStream]) == 0 {
			delete(t.streamRequests, forStream)
		}
		t.mu.Unlock()
	}
	_ = eventID

	t.mu.Lock()
	c, ok := t.signals[forStream]
	t.mu.Unlock()
	if ok {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close implements the Connection interface.
func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isDone {
		t.isDone = true
		close(t.done)
	}
	return nil
}
