// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// event is a single Server-Sent Event: a name (we only ever emit "message"),
// an optional id (used for resumption), and the data payload, which for
// this transport is always one JSON-RPC message.
type event struct {
	name string
	id   string
	data []byte
}

// writeEvent writes e to w in standard SSE wire format and flushes if w
// supports it.
func writeEvent(w io.Writer, e event) (int, error) {
	var buf bytes.Buffer
	if e.name != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.name)
	}
	if e.id != "" {
		fmt.Fprintf(&buf, "id: %s\n", e.id)
	}
	for _, line := range bytes.Split(e.data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	n, err := w.Write(buf.Bytes())
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
	return n, err
}

// flusher matches http.Flusher without importing net/http, so writeEvent
// can be used against any io.Writer in tests.
type flusher interface {
	Flush()
}

// scanEvents parses r as a stream of SSE events, returning an iterator of
// (event, error) pairs terminated by io.EOF.
func scanEvents(r io.Reader) func(yield func(event, error) bool) {
	return func(yield func(event, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

		var cur event
		var dataLines [][]byte
		haveEvent := false

		flush := func() (event, bool) {
			if !haveEvent {
				return event{}, false
			}
			cur.data = bytes.Join(dataLines, []byte("\n"))
			e := cur
			cur = event{}
			dataLines = nil
			haveEvent = false
			return e, true
		}

		for scanner.Scan() {
			line := scanner.Bytes()
			switch {
			case len(line) == 0:
				if e, ok := flush(); ok {
					if !yield(e, nil) {
						return
					}
				}
			case bytes.HasPrefix(line, []byte("event:")):
				cur.name = string(bytes.TrimSpace(line[len("event:"):]))
				haveEvent = true
			case bytes.HasPrefix(line, []byte("id:")):
				cur.id = string(bytes.TrimSpace(line[len("id:"):]))
				haveEvent = true
			case bytes.HasPrefix(line, []byte("data:")):
				dataLines = append(dataLines, bytes.TrimPrefix(bytes.TrimSpace(line[len("data:"):]), []byte("")))
				haveEvent = true
			default:
				// Ignore comments and unrecognized fields.
			}
		}
		if e, ok := flush(); ok {
			if !yield(e, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(event{}, err)
			return
		}
		yield(event{}, io.EOF)
	}
}
