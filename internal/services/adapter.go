package services

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/coder1/termmux/internal/logger"
	"github.com/coder1/termmux/internal/recovery"
)

// ptyReadBufSize matches the chunk size used by the PTY read loop.
const ptyReadBufSize = 4096

// ProcessAdapter is the minimal I/O contract the registry requires from a
// PTY-backed child process. Exactly one session owns an adapter at a time.
type ProcessAdapter interface {
	// Write sends bytes to the child's input. Returns ErrClosed once the
	// process has exited.
	Write(data []byte) error
	// Resize updates the pseudo-terminal window size. Returns ErrClosed once
	// the process has exited; never fails for a live process.
	Resize(cols, rows uint16) error
	// Dispose releases the child process and its PTY file descriptor. Safe to
	// call multiple times and after exit.
	Dispose()
}

// SpawnFunc creates a ProcessAdapter. onOutput is invoked from a single
// goroutine in producer order; onExit fires exactly once and is the terminal
// event for the adapter.
type SpawnFunc func(cols, rows uint16, onOutput func(data []byte), onExit func(code int)) (ProcessAdapter, error)

// PTYAdapter owns one OS pseudo-terminal and the child process attached to it.
type PTYAdapter struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool

	exitOnce sync.Once
	onExit   func(code int)
}

// NewSpawner returns a SpawnFunc that launches the given shell, retrying a
// bounded number of times with exponential backoff before reporting a
// SpawnError. Callers must not add retries of their own.
func NewSpawner(shell string, retries int) SpawnFunc {
	return func(cols, rows uint16, onOutput func([]byte), onExit func(int)) (ProcessAdapter, error) {
		return spawnPTY(shell, retries, cols, rows, onOutput, onExit)
	}
}

func spawnPTY(shell string, retries int, cols, rows uint16, onOutput func([]byte), onExit func(int)) (*PTYAdapter, error) {
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100<<attempt) * time.Millisecond
			logger.Warnf("retrying pty spawn in %s (attempt %d/%d): %v", backoff, attempt+1, retries, lastErr)
			time.Sleep(backoff)
		}

		cmd := exec.Command(shell)
		cmd.Env = append(os.Environ(),
			"TERM=xterm-256color",
			"COLORTERM=truecolor",
		)

		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
		if err != nil {
			lastErr = err
			continue
		}

		a := &PTYAdapter{
			ptmx:   ptmx,
			cmd:    cmd,
			onExit: onExit,
		}
		recovery.SafeGo(fmt.Sprintf("pty-read pid=%d", cmd.Process.Pid), func() {
			a.readLoop(onOutput)
		})
		return a, nil
	}

	return nil, &SpawnError{Hint: spawnHint(lastErr), Err: lastErr}
}

// readLoop pumps child output until the PTY reports EOF or an I/O error,
// then reaps the process and fires onExit. This is the only goroutine that
// calls cmd.Wait.
func (a *PTYAdapter) readLoop(onOutput func([]byte)) {
	buf := make([]byte, ptyReadBufSize)
	for {
		n, err := a.ptmx.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			break
		}
	}

	// EOF or EIO from the master side means the child is gone (or Dispose
	// closed the fd). Reap it and report the status exactly once.
	_ = a.cmd.Wait()
	code := -1
	if a.cmd.ProcessState != nil {
		code = a.cmd.ProcessState.ExitCode()
	}

	a.markClosed()
	a.exitOnce.Do(func() {
		if a.onExit != nil {
			a.onExit(code)
		}
	})
}

// Write sends bytes to the child's input.
func (a *PTYAdapter) Write(data []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	ptmx := a.ptmx
	a.mu.Unlock()

	if _, err := ptmx.Write(data); err != nil {
		// A write error on the master side means the child is effectively
		// gone; report it as the typed closed condition.
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Resize updates the pseudo-terminal window size.
func (a *PTYAdapter) Resize(cols, rows uint16) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	ptmx := a.ptmx
	a.mu.Unlock()

	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Dispose kills the child process and closes the PTY file descriptor. Closing
// the fd unblocks any in-flight read or write. Idempotent.
func (a *PTYAdapter) Dispose() {
	if !a.markClosed() {
		return
	}
	if a.cmd != nil && a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
}

// Alive reports whether the adapter still owns a live PTY.
func (a *PTYAdapter) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}

// markClosed flips the adapter to its disposed state and releases the PTY fd.
// Returns false if it was already closed.
func (a *PTYAdapter) markClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.closed = true
	_ = a.ptmx.Close()
	return true
}

// spawnHint maps common PTY spawn failures to an actionable operator hint,
// most notably PTY exhaustion which otherwise reads as a generic fork error.
func spawnHint(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "forkpty") || strings.Contains(msg, "resource temporarily unavailable"):
		return "pty exhaustion: close idle sessions or raise the system pty limit"
	case strings.Contains(msg, "executable file not found") || os.IsNotExist(err):
		return "shell executable not found"
	case strings.Contains(msg, "permission denied"):
		return "check permissions on the shell executable and /dev/ptmx"
	default:
		return "check system resources and permissions"
	}
}
