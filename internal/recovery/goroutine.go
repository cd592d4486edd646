package recovery

import (
	"runtime/debug"

	"github.com/coder1/termmux/internal/logger"
)

// SafeGo runs fn in a goroutine with panic recovery so a single PTY reader or
// connection handler cannot take down the whole server.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic recovered in goroutine %q: %v", name, r)
				logger.Debugf("stack trace:\n%s", debug.Stack())
			}
		}()
		fn()
	}()
}

// SafeGoWithCleanup is SafeGo with a cleanup function that runs whether or
// not fn panicked.
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if cleanup != nil {
				cleanup()
			}
			if r := recover(); r != nil {
				logger.Errorf("panic recovered in goroutine %q: %v", name, r)
				logger.Debugf("stack trace:\n%s", debug.Stack())
			}
		}()
		fn()
	}()
}
