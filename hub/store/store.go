// Package store persists hub state: console users, agent sightings,
// persisted artifacts, and an audit trail.
//
// The store is observability, not routing state. Live routing decisions come
// from the in-memory registry; a store failure degrades history and audit but
// never blocks a message.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// User is a console account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// Agent records the last known state of an agent identity.
type Agent struct {
	ID        string // agent UUID
	Addr      string
	Online    bool
	FirstSeen time.Time
	LastSeen  time.Time
}

// Artifact records a file pulled from an agent and saved to disk.
type Artifact struct {
	ID           string
	AgentID      string
	StoredName   string
	OriginalPath string
	Size         int64
	CreatedAt    time.Time
}

// AuditEvent records a hub action for the audit trail.
type AuditEvent struct {
	ID        string
	Action    string
	AgentID   string
	Detail    json.RawMessage
	CreatedAt time.Time
}

// Store is the persistence interface. Implementations must be safe for
// concurrent use. Lookup methods return (nil, nil) when no record exists.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CountUsers(ctx context.Context) (int, error)

	// Agents
	UpsertAgent(ctx context.Context, a *Agent) error
	SetAgentOnline(ctx context.Context, id string, online bool) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Artifacts
	CreateArtifact(ctx context.Context, a *Artifact) error
	ListArtifacts(ctx context.Context, agentID string) ([]*Artifact, error)
	DeleteArtifactsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, e *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]*AuditEvent, error)
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
