// Copyright 2025 The Go MCP mcpcore Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package json provides internal JSON utilities.
//
// It is backed by github.com/segmentio/encoding/json rather than the
// standard library. Besides being faster, segmentio's decoder matches
// struct fields case-sensitively with no case-insensitive fallback, which
// the jsonrpc wire layer relies on to keep duplicate-key / case-smuggling
// detection meaningful (see internal/jsonrpc2.StrictUnmarshal).
package json

import (
	"io"

	"github.com/segmentio/encoding/json"
)

func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func NewEncoder(w io.Writer) *json.Encoder {
	return json.NewEncoder(w)
}

func NewDecoder(r io.Reader) *json.Decoder {
	return json.NewDecoder(r)
}

// RawMessage is re-exported so callers need not import segmentio's package
// directly alongside this one.
type RawMessage = json.RawMessage
