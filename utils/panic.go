package utils

import (
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// StackTraceFromPanic recovers from a panic in the calling goroutine,
// logs the stack trace through logger, and lets the goroutine unwind
// normally instead of crashing the process. Intended to be deferred at
// the top of exported methods, matching the rest of the codebase.
func StackTraceFromPanic(logger *log.Entry) {
	if r := recover(); r != nil {
		logger.Errorf("panic: %v\n%s", r, debug.Stack())
	}
}
