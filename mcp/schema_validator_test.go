// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
)

func TestSchemaResultValidator(t *testing.T) {
	schema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"name"},
		Properties: map[string]*jsonschema.Schema{
			"name": {Type: "string"},
		},
	}
	validate, err := SchemaResultValidator(schema)
	if err != nil {
		t.Fatalf("SchemaResultValidator: %v", err)
	}

	if err := validate([]byte(`{"name":"ok"}`)); err != nil {
		t.Errorf("validate(valid) = %v, want nil", err)
	}
	if err := validate([]byte(`{}`)); err == nil {
		t.Error("validate(missing required field) = nil, want error")
	}
	if err := validate([]byte(`{"name":1}`)); err == nil {
		t.Error("validate(wrong type) = nil, want error")
	}
}
