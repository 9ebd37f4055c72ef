// Package async holds the panic boundary used around every background
// goroutine and every task unit.
package async

import "runtime/debug"

// PanicLogger is the slice of logging.Logger needed to report a panic.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on its own goroutine. A panic in fn is logged, not raised.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover must be deferred directly.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWith must be deferred directly. After logging it passes the panic
// value to onPanic so the caller can settle the interrupted work.
func RecoverWith(logger PanicLogger, name string, onPanic func(r any)) {
	r := recover()
	if r == nil {
		return
	}
	logPanic(logger, name, r)
	if onPanic != nil {
		onPanic(r)
	}
}

func logPanic(logger PanicLogger, name string, r any) {
	if logger == nil {
		return
	}
	label := "goroutine panic"
	if name != "" {
		label += " [" + name + "]"
	}
	logger.Error("%s: %v\n%s", label, r, debug.Stack())
}
