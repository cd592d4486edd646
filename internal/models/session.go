package models

import "time"

// SessionStatus describes where a session is in its lifecycle.
type SessionStatus string

const (
	// SessionCreating is the window between id allocation and a confirmed
	// live PTY process. Never visible to clients.
	SessionCreating SessionStatus = "creating"
	// SessionActive means the session is owned by exactly one connection.
	SessionActive SessionStatus = "active"
	// SessionDetached means the owning connection went away but the backing
	// process is kept alive pending reattachment.
	SessionDetached SessionStatus = "detached"
	// SessionClosing exists only long enough to release the PTY resources.
	SessionClosing SessionStatus = "closing"
	// SessionClosed is terminal; the id is retired and never reassigned.
	SessionClosed SessionStatus = "closed"
)

// SessionInfo is the read-only view of a session exposed by the sessions API.
// @Description Terminal session information with lifecycle and timing details
type SessionInfo struct {
	ID             string        `json:"id" example:"7f9c2ba4-e88f-4a1c-9908-1ca9a0b6d2f1"`
	Status         SessionStatus `json:"status" example:"active"`
	Cols           uint16        `json:"cols" example:"80"`
	Rows           uint16        `json:"rows" example:"24"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ConnectionID   string        `json:"connection_id,omitempty"`
	AgeSeconds     int64         `json:"age_seconds" example:"120"`
	IdleSeconds    int64         `json:"idle_seconds" example:"4"`
}
