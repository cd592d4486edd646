package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coder1/termmux/internal/logger"
	"github.com/coder1/termmux/internal/models"
)

// Sink delivers one protocol frame to the connection currently owning a
// session. Sinks must be safe for concurrent use and must never call back
// into the registry.
type Sink func(frame models.Frame)

// session is one registry record. All mutations of a record are serialized by
// its own mutex so concurrent input and close on the same id cannot race,
// while distinct sessions proceed fully concurrently.
type session struct {
	mu sync.Mutex

	id           string
	status       models.SessionStatus
	cols, rows   uint16
	createdAt    time.Time
	lastActivity time.Time

	adapter ProcessAdapter
	connID  string
	sink    Sink
	replay  *replayBuffer

	// exit state recorded by the adapter callback; the supervisor reconciles
	// records whose status has not caught up with it.
	exited   bool
	exitCode int
}

// Registry is the single source of truth for session existence and state.
// The map is the only shared structure; adapters are exclusively owned by
// exactly one session each.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	spawn       SpawnFunc
	maxSessions int
	replayCap   int
	log         zerolog.Logger
}

// NewRegistry creates a registry that spawns adapters through spawn.
func NewRegistry(spawn SpawnFunc, maxSessions, replayCap int) *Registry {
	return &Registry{
		sessions:    make(map[string]*session),
		spawn:       spawn,
		maxSessions: maxSessions,
		replayCap:   replayCap,
		log:         logger.Component("registry"),
	}
}

// Create allocates a fresh session owned by connID and spawns its PTY
// process. The created frame (followed by any output produced before the
// session went active) is emitted through sink, so clients always observe
// created before the session's first output. On spawn failure no record
// remains and the id is never visible.
func (r *Registry) Create(connID string, cols, rows uint16, sink Sink) (string, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	r.mu.Lock()
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		// Reclaim sessions whose process already exited before giving up.
		r.reapExited()
		r.mu.Lock()
		if len(r.sessions) >= r.maxSessions {
			r.mu.Unlock()
			return "", ErrTooManySessions
		}
	}
	now := time.Now()
	s := &session{
		id:           uuid.NewString(),
		status:       models.SessionCreating,
		cols:         cols,
		rows:         rows,
		createdAt:    now,
		lastActivity: now,
		connID:       connID,
		sink:         sink,
		replay:       newReplayBuffer(r.replayCap),
	}
	r.sessions[s.id] = s
	r.mu.Unlock()

	adapter, err := r.spawn(cols, rows,
		func(data []byte) { r.handleOutput(s.id, data) },
		func(code int) { r.handleExit(s.id, code) },
	)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, s.id)
		r.mu.Unlock()
		r.log.Error().Err(err).Str("conn_id", connID).Msg("session spawn failed")
		return "", err
	}

	s.mu.Lock()
	s.adapter = adapter
	s.status = models.SessionActive
	exitedEarly := s.exited
	exitCode := s.exitCode
	if s.sink != nil {
		s.sink(models.Frame{Type: models.FrameCreated, SessionID: s.id})
		if buffered := s.replay.bytes(); len(buffered) > 0 {
			s.sink(models.Frame{Type: models.FrameOutput, SessionID: s.id, Data: buffered})
		}
		if exitedEarly {
			s.sink(models.Frame{Type: models.FrameExit, SessionID: s.id, Code: models.ExitCode(exitCode)})
		}
	}
	s.mu.Unlock()

	if exitedEarly {
		// The child died before the session went active; finish the close.
		r.closeSession(s)
	}

	r.log.Info().Str("session_id", s.id).Str("conn_id", connID).
		Uint16("cols", cols).Uint16("rows", rows).Msg("session created")
	return s.id, nil
}

// RouteInput forwards input bytes to the session's PTY. The caller must be
// the connection currently owning the session.
func (r *Registry) RouteInput(connID, sessionID string, data []byte) error {
	s := r.get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	if s.status != models.SessionActive || s.connID != connID {
		s.mu.Unlock()
		return ErrNotFound
	}
	adapter := s.adapter
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err := adapter.Write(data); err != nil {
		// ClosedError is recovered locally: the session transitions to
		// closed instead of surfacing an unhandled fault.
		r.closeSession(s)
		return err
	}
	return nil
}

// RouteResize updates the session's terminal dimensions.
func (r *Registry) RouteResize(connID, sessionID string, cols, rows uint16) error {
	s := r.get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	if s.status != models.SessionActive || s.connID != connID {
		s.mu.Unlock()
		return ErrNotFound
	}
	adapter := s.adapter
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err := adapter.Resize(cols, rows); err != nil {
		r.closeSession(s)
		return err
	}

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return nil
}

// Detach moves every session owned by connID to detached, clearing the
// connection binding but keeping the adapter (and its process) alive for the
// grace period. Called on transport teardown; never blocks on adapters.
func (r *Registry) Detach(connID string) {
	for _, s := range r.snapshot() {
		s.mu.Lock()
		if s.status == models.SessionActive && s.connID == connID {
			s.status = models.SessionDetached
			s.connID = ""
			s.sink = nil
			s.lastActivity = time.Now()
			r.log.Info().Str("session_id", s.id).Str("conn_id", connID).Msg("session detached")
		}
		s.mu.Unlock()
	}
}

// Reattach binds a detached session to a new connection and replays any
// buffered output through sink before new output can flow. Returns
// ErrNotFound for unknown, closed, or currently attached sessions; the caller
// must then treat the session as gone and create a new one.
func (r *Registry) Reattach(connID, sessionID string, sink Sink) error {
	s := r.get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.SessionDetached {
		return ErrNotFound
	}
	s.status = models.SessionActive
	s.connID = connID
	s.sink = sink
	s.lastActivity = time.Now()
	if buffered := s.replay.bytes(); len(buffered) > 0 && sink != nil {
		sink(models.Frame{Type: models.FrameOutput, SessionID: s.id, Data: buffered})
	}
	r.log.Info().Str("session_id", s.id).Str("conn_id", connID).Msg("session reattached")
	return nil
}

// Close disposes a session's process and retires its id. Closing an
// already-closed or unknown id is a no-op, never an error.
func (r *Registry) Close(sessionID string) {
	s := r.get(sessionID)
	if s == nil {
		return
	}
	r.closeSession(s)
}

// CloseAll disposes every session. Used at server shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		r.closeSession(s)
	}
}

// List returns a point-in-time view of all visible sessions.
func (r *Registry) List() []models.SessionInfo {
	sessions := r.snapshot()
	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if info, ok := s.info(); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// Get returns the visible view of a single session.
func (r *Registry) Get(sessionID string) (models.SessionInfo, bool) {
	s := r.get(sessionID)
	if s == nil {
		return models.SessionInfo{}, false
	}
	return s.info()
}

// handleOutput is the single ingress point for adapter output. It is invoked
// synchronously from the adapter's read goroutine, so per-session producer
// order is preserved all the way to the sink.
func (r *Registry) handleOutput(sessionID string, data []byte) {
	s := r.get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case models.SessionClosing, models.SessionClosed:
		return
	}
	s.lastActivity = time.Now()
	s.replay.append(data)
	if s.status == models.SessionActive && s.sink != nil {
		s.sink(models.Frame{Type: models.FrameOutput, SessionID: s.id, Data: data})
	}
}

// handleExit is the single ingress point for adapter exit events. It fires at
// most once per adapter.
func (r *Registry) handleExit(sessionID string, code int) {
	s := r.get(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	if s.status == models.SessionCreating {
		// Create is still in flight; it emits the exit frame and finishes
		// the close once the record goes active.
		s.mu.Unlock()
		return
	}
	if s.sink != nil {
		s.sink(models.Frame{Type: models.FrameExit, SessionID: s.id, Code: models.ExitCode(code)})
	}
	s.mu.Unlock()

	r.log.Info().Str("session_id", sessionID).Int("code", code).Msg("session process exited")
	r.closeSession(s)
}

// closeSession drives CLOSING -> CLOSED and removes the record. Dispose runs
// outside the session lock so a slow teardown never blocks other operations.
func (r *Registry) closeSession(s *session) {
	s.mu.Lock()
	if s.status == models.SessionClosing || s.status == models.SessionClosed {
		s.mu.Unlock()
		return
	}
	s.status = models.SessionClosing
	adapter := s.adapter
	s.mu.Unlock()

	if adapter != nil {
		adapter.Dispose()
	}

	s.mu.Lock()
	s.status = models.SessionClosed
	s.connID = ""
	s.sink = nil
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	r.log.Info().Str("session_id", s.id).Msg("session closed")
}

// reapExited closes every session whose process has exited but whose record
// has not been retired yet. Called when the session cap is hit; the
// supervisor performs the same reconciliation on its own cadence.
func (r *Registry) reapExited() {
	for _, s := range r.snapshot() {
		s.mu.Lock()
		exited := s.exited && s.status != models.SessionCreating
		s.mu.Unlock()
		if exited {
			r.closeSession(s)
		}
	}
}

func (r *Registry) get(sessionID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

func (r *Registry) snapshot() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// info renders the API view of a session. Records still being created are
// not visible.
func (s *session) info() (models.SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == models.SessionCreating {
		return models.SessionInfo{}, false
	}
	now := time.Now()
	return models.SessionInfo{
		ID:             s.id,
		Status:         s.status,
		Cols:           s.cols,
		Rows:           s.rows,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		ConnectionID:   s.connID,
		AgeSeconds:     int64(now.Sub(s.createdAt).Seconds()),
		IdleSeconds:    int64(now.Sub(s.lastActivity).Seconds()),
	}, true
}

// replayBuffer keeps the most recent output bytes for replay on reattach.
// Callers hold the owning session's lock; the buffer itself is not
// concurrency safe.
type replayBuffer struct {
	buf []byte
	max int
}

func newReplayBuffer(max int) *replayBuffer {
	return &replayBuffer{max: max}
}

func (b *replayBuffer) append(data []byte) {
	if b.max <= 0 {
		return
	}
	b.buf = append(b.buf, data...)
	if len(b.buf) > b.max {
		trimmed := make([]byte, b.max)
		copy(trimmed, b.buf[len(b.buf)-b.max:])
		b.buf = trimmed
	}
}

func (b *replayBuffer) bytes() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}
