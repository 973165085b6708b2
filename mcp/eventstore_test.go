// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"testing"

	"github.com/coreproto/mcpcore/jsonrpc"
)

func TestMemoryEventStoreStoreAndReplay(t *testing.T) {
	s := newMemoryEventStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := &jsonrpc.Notification{Method: "tick"}
		if _, err := s.StoreEvent("stream-1", msg); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
	}

	var replayed []string
	streamID, err := s.ReplayEventsAfter(ctx, streamStartSentinel("stream-1"), func(eid string, msg jsonrpc.Message) error {
		replayed = append(replayed, eid)
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayEventsAfter: %v", err)
	}
	if streamID != "stream-1" {
		t.Errorf("streamID = %q, want stream-1", streamID)
	}
	if len(replayed) != 3 {
		t.Fatalf("replayed %d events, want 3", len(replayed))
	}
	if replayed[0] != "stream-1_0" || replayed[2] != "stream-1_2" {
		t.Errorf("replayed = %v", replayed)
	}
}

func TestMemoryEventStoreReplayFromMiddle(t *testing.T) {
	s := newMemoryEventStore()
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := s.StoreEvent("s", &jsonrpc.Notification{Method: "tick"})
		ids = append(ids, id)
	}

	var replayed []string
	if _, err := s.ReplayEventsAfter(ctx, ids[0], func(eid string, msg jsonrpc.Message) error {
		replayed = append(replayed, eid)
		return nil
	}); err != nil {
		t.Fatalf("ReplayEventsAfter: %v", err)
	}
	if len(replayed) != 2 || replayed[0] != ids[1] || replayed[1] != ids[2] {
		t.Errorf("replayed = %v, want [%s %s]", replayed, ids[1], ids[2])
	}
}

func TestParseStreamEventID(t *testing.T) {
	cases := []struct {
		in      string
		wantID  string
		wantIdx int
		wantOK  bool
	}{
		{"a_0", "a", 0, true},
		{"stream-1_12", "stream-1", 12, true},
		{"a_b_3", "a_b", 3, true}, // last underscore wins
		{"_-1", "", -1, true},
		{"noindex", "", 0, false},
		{"a_-2", "", 0, false},
	}
	for _, c := range cases {
		id, idx, ok := parseStreamEventID(c.in)
		if ok != c.wantOK {
			t.Errorf("parseStreamEventID(%q) ok = %v, want %v", c.in, ok, c.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if id != c.wantID || idx != c.wantIdx {
			t.Errorf("parseStreamEventID(%q) = (%q, %d), want (%q, %d)", c.in, id, idx, c.wantID, c.wantIdx)
		}
	}
}
