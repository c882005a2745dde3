// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"log/slog"
	"runtime/debug"
)

// RecoverAndLog recovers a panic in the calling goroutine and logs it at
// error level with a stack trace, then lets the goroutine return normally.
// Call it with defer as the first statement of any goroutine body that must
// not take the whole process down with it (ingest loops, RPC handlers,
// background jobs) — Go panics only unwind the panicking goroutine, so each
// long-running goroutine needs its own recover point rather than a single
// process-wide hook.
func RecoverAndLog(logger *slog.Logger, component string) {
	if r := recover(); r != nil {
		logger.Error("recovered panic",
			"component", component,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
