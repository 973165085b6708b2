// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/coreproto/mcpcore/internal/json"
)

// SchemaResultValidator builds a RequestOptions.ResultValidator that checks a
// call's raw result bytes against schema. It resolves schema once up front,
// so construction fails fast on a malformed schema instead of on every call.
func SchemaResultValidator(schema *jsonschema.Schema) (func(json.RawMessage) error, error) {
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, fmt.Errorf("resolving result schema: %w", err)
	}
	return func(raw json.RawMessage) error {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("unmarshaling result for schema validation: %w", err)
		}
		if err := resolved.Validate(&v); err != nil {
			return fmt.Errorf("result failed schema validation: %w", err)
		}
		return nil
	}, nil
}
