// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package testing provides fakes shared by the auth and mcp test suites.
package testing

import (
	"fmt"
	"net"
	"net/http"

	"github.com/coreproto/mcpcore/auth"
)

// FakeAuthServer is a fake OAuth 2.1 authorization server backed by the
// real auth.AuthorizationServer, listening on an ephemeral localhost port.
type FakeAuthServer struct {
	// AS is the underlying authorization server, exposed so tests can
	// pre-register clients or tune rate limits before calling Start.
	AS *auth.AuthorizationServer

	server   *http.Server
	listener net.Listener
}

// NewFakeAuthServer returns a FakeAuthServer listening on an ephemeral
// port. Call Start to begin serving.
func NewFakeAuthServer() *FakeAuthServer {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("fake auth server: listen: %v", err))
	}
	serverURL := "http://" + l.Addr().String()
	s := &FakeAuthServer{
		AS:       auth.NewAuthorizationServer(serverURL, []byte("fake-signing-key")),
		listener: l,
	}
	s.server = &http.Server{Handler: s.AS.Mux()}
	return s
}

// Start begins serving in the background.
func (s *FakeAuthServer) Start() {
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			panic(fmt.Sprintf("fake auth server: serve: %v", err))
		}
	}()
}

// URL returns the base URL of the running fake server; it also equals
// s.AS.ServerURL.
func (s *FakeAuthServer) URL() string {
	return s.AS.ServerURL
}

// Stop shuts down the server.
func (s *FakeAuthServer) Stop() {
	s.server.Close()
}
