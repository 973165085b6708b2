// Copyright 2026 The mcpcore Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package util

import "fmt"

// Wrapf adds context to *errp, if it is non-nil, by prepending the formatted
// message and wrapping the original error with %w. It is meant to be called
// from a defer statement:
//
//	func f() (err error) {
//		defer util.Wrapf(&err, "f(%d)", x)
//		...
//	}
func Wrapf(errp *error, format string, args ...any) {
	if *errp != nil {
		*errp = fmt.Errorf(format+": %w", append(args, *errp)...)
	}
}
