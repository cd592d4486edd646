package services

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coder1/termmux/internal/logger"
	"github.com/coder1/termmux/internal/models"
	"github.com/coder1/termmux/internal/recovery"
)

// Supervisor is the background sweeper. It closes detached sessions whose
// grace period has elapsed and reconciles records whose process already
// exited but whose registry state has not caught up. It runs independently
// of the request path; sweeping may run late but never early.
type Supervisor struct {
	registry *Registry
	grace    time.Duration
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	log      zerolog.Logger
}

// NewSupervisor creates a supervisor for reg. grace is the detached-session
// grace period, interval the sweep cadence.
func NewSupervisor(reg *Registry, grace, interval time.Duration) *Supervisor {
	return &Supervisor{
		registry: reg,
		grace:    grace,
		interval: interval,
		stop:     make(chan struct{}),
		log:      logger.Component("supervisor"),
	}
}

// Start launches the sweep loop.
func (sv *Supervisor) Start() {
	recovery.SafeGo("supervisor", sv.run)
}

// Stop terminates the sweep loop. Idempotent.
func (sv *Supervisor) Stop() {
	sv.stopOnce.Do(func() {
		close(sv.stop)
	})
}

func (sv *Supervisor) run() {
	sv.log.Info().Dur("grace", sv.grace).Dur("interval", sv.interval).Msg("supervisor started")
	ticker := time.NewTicker(sv.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sv.stop:
			sv.log.Info().Msg("supervisor stopped")
			return
		case <-ticker.C:
			sv.sweep(time.Now())
		}
	}
}

// sweep scans every session once. Exposed to tests for deterministic runs.
func (sv *Supervisor) sweep(now time.Time) {
	for _, s := range sv.registry.snapshot() {
		s.mu.Lock()
		id := s.id
		status := s.status
		idle := now.Sub(s.lastActivity)
		exited := s.exited
		s.mu.Unlock()

		switch {
		case exited && status != models.SessionCreating &&
			status != models.SessionClosing && status != models.SessionClosed:
			// Missed exit event; force the close.
			sv.log.Warn().Str("session_id", id).Msg("reconciling exited session")
			sv.registry.closeSession(s)

		case status == models.SessionDetached && idle >= sv.grace:
			sv.log.Info().Str("session_id", id).Dur("idle", idle).Msg("closing detached session past grace period")
			sv.registry.closeSession(s)
		}
	}
}
