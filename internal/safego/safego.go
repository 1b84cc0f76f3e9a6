// Package safego launches background goroutines that recover from panics
// instead of bringing the daemon down with them.
package safego

import "log"

// Go runs fn in a new goroutine, recovering and logging any panic through
// logger rather than letting it escape and crash the process.
func Go(logger *log.Logger, fn func()) {
	go func() {
		defer Recover(logger)
		fn()
	}()
}

// Recover is called via defer at the top of a goroutine to catch a panic
// and log it through logger. It is a no-op when there is nothing to recover.
func Recover(logger *log.Logger) {
	if r := recover(); r != nil {
		logger.Printf("recovered from panic: %v", r)
	}
}
