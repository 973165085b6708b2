// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/coreproto/mcpcore/internal/json"
)

// ErrNoSession is returned by SessionStore.Load when no state is stored for
// the given session id.
var ErrNoSession = errors.New("mcp: no session")

// SessionState is the persisted state of one logical session: everything a
// server needs to resume handling requests on a session after a transport
// reconnect, independent of the method catalog layered on top of Protocol.
type SessionState struct {
	// InitializeParams holds the raw params of the session's initialize
	// request, for servers that need to recall negotiated capabilities or
	// client info later. It is opaque to the Protocol core; a method
	// catalog layered on top decodes it into its own typed request.
	InitializeParams json.RawMessage `json:"initializeParams,omitempty"`

	// LogLevel is the last logging level the client requested for this
	// session, if any.
	LogLevel string `json:"logLevel,omitempty"`

	// Subscriptions lists opaque resource identifiers the session has
	// subscribed to, for a method catalog that implements subscriptions.
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// SessionStore stores and retrieves SessionState, keyed by session id. A
// non-memory implementation lets a server survive restarts or run as
// multiple replicas behind a load balancer, provided Mcp-Session-Id routes
// back to whichever replica holds the live StreamableServerTransport.
type SessionStore interface {
	// Load retrieves the session state for sessionID. If none is stored, it
	// returns nil, ErrNoSession.
	Load(ctx context.Context, sessionID string) (*SessionState, error)
	// Store saves the session state for sessionID, replacing any existing
	// state.
	Store(ctx context.Context, sessionID string, state *SessionState) error
	// Delete removes the session state for sessionID. Deleting an unknown
	// sessionID is not an error.
	Delete(ctx context.Context, sessionID string) error
}

// MemorySessionStore is an in-memory SessionStore. It is safe for
// concurrent use.
type MemorySessionStore struct {
	mu    sync.Mutex
	store map[string]*SessionState
}

// NewMemorySessionStore creates a new MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		store: make(map[string]*SessionState),
	}
}

// Load retrieves the session state for the given session ID.
func (s *MemorySessionStore) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.store[sessionID]
	if !ok {
		return nil, ErrNoSession
	}
	return state, nil
}

// Store saves the session state for the given session ID.
func (s *MemorySessionStore) Store(ctx context.Context, sessionID string, state *SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[sessionID] = state
	return nil
}

// Delete removes the session state for the given session ID.
func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, sessionID)
	return nil
}
