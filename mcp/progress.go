// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"

	"github.com/coreproto/mcpcore/internal/json"
)

// ErrNoProgressToken is returned by ReportProgress when the inbound request
// carried no _meta.progressToken, so there is nowhere to send progress to.
var ErrNoProgressToken = errors.New("mcp: no progress token")

// ReportProgress sends a progress notification correlated to the request
// described by extra and raw params, if the caller attached a progress
// token. Handlers that want to report progress call this from within their
// RequestHandler, typically in a loop over long-running work.
func ReportProgress(ctx context.Context, extra *RequestExtra, params json.RawMessage, msg string, progress, total float64) error {
	token, ok := progressTokenFromParams(params)
	if !ok {
		return ErrNoProgressToken
	}
	notif := &ProgressNotificationParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       msg,
	}
	return extra.SendNotification(ctx, methodProgress, notif)
}

// progressTokenFromParams extracts params._meta.progressToken, if present.
func progressTokenFromParams(params json.RawMessage) (ProgressToken, bool) {
	if len(params) == 0 {
		return nil, false
	}
	var withMeta struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &withMeta); err != nil {
		return nil, false
	}
	if len(withMeta.Meta.ProgressToken) == 0 {
		return nil, false
	}
	return withMeta.Meta.ProgressToken, true
}
