// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/coreproto/mcpcore/eventbus"
	"github.com/coreproto/mcpcore/jsonrpc"
)

// EventStore publishes resumable events for a Streamable HTTP session and
// replays them on reconnect. It generalizes what the built-in transport
// used to do with a hardcoded in-memory map, so a deployment can back
// resumable delivery with shared storage (e.g. Redis) across server
// replicas.
type EventStore interface {
	// StoreEvent records msg as the next event on the logical stream
	// streamID and returns the opaque event id assigned to it.
	StoreEvent(streamID string, msg jsonrpc.Message) (eventID string, err error)
	// ReplayEventsAfter streams, via send, every event stored strictly after
	// lastEventID, in original order. It returns the logical stream id that
	// lastEventID belongs to, so the caller can resume publishing new
	// events under the same id. A lastEventID that names no stored event is
	// not an error: ReplayEventsAfter simply sends nothing and still returns
	// the stream id encoded in lastEventID. An empty lastEventID sends
	// nothing and returns an empty streamID; a lastEventID the store cannot
	// parse is an error.
	ReplayEventsAfter(ctx context.Context, lastEventID string, send func(eventID string, msg jsonrpc.Message) error) (streamID string, err error)
}

type storedEvent struct {
	streamID string
	idx      int
	eventID  string
	msg      jsonrpc.Message
}

// memoryEventStore is the default EventStore: events live only in process
// memory, for the lifetime of the owning StreamableServerTransport.
type memoryEventStore struct {
	mu       sync.Mutex
	byStream map[string][]storedEvent
	notifier eventbus.Notifier[storedEvent]
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{byStream: make(map[string][]storedEvent)}
}

func formatStreamEventID(streamID string, idx int) string {
	return streamID + "_" + strconv.Itoa(idx)
}

// parseStreamEventID parses an event id of the form "<streamID>_<idx>". An
// idx of -1 is a valid sentinel meaning "before the first event", used to
// request replay of an entire stream from its start.
func parseStreamEventID(eventID string) (streamID string, idx int, ok bool) {
	i := strings.LastIndexByte(eventID, '_')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(eventID[i+1:])
	if err != nil || n < -1 {
		return "", 0, false
	}
	return eventID[:i], n, true
}

// streamStartSentinel returns the synthetic "before the first event" event
// id for streamID, used to seed a fresh stream's replay cursor.
func streamStartSentinel(streamID string) string {
	return formatStreamEventID(streamID, -1)
}

func (s *memoryEventStore) StoreEvent(streamID string, msg jsonrpc.Message) (string, error) {
	s.mu.Lock()
	idx := len(s.byStream[streamID])
	ev := storedEvent{streamID: streamID, idx: idx, eventID: formatStreamEventID(streamID, idx), msg: msg}
	s.byStream[streamID] = append(s.byStream[streamID], ev)
	s.mu.Unlock()
	s.notifier.Notify(ev)
	return ev.eventID, nil
}

func (s *memoryEventStore) ReplayEventsAfter(ctx context.Context, lastEventID string, send func(string, jsonrpc.Message) error) (string, error) {
	if lastEventID == "" {
		return "", nil
	}
	streamID, after, ok := parseStreamEventID(lastEventID)
	if !ok {
		return "", fmt.Errorf("mcp: malformed event id %q", lastEventID)
	}
	s.mu.Lock()
	events := append([]storedEvent(nil), s.byStream[streamID]...)
	s.mu.Unlock()
	for _, ev := range events {
		if ev.idx <= after {
			continue
		}
		if err := ctx.Err(); err != nil {
			return streamID, err
		}
		if err := send(ev.eventID, ev.msg); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}
