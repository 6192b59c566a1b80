package session

import (
	"context"
	"time"
)

// Record is the persisted form of a persistent session: enough to
// relaunch an equivalent browser and restore cookies/local storage. The
// live in-memory handle is never persisted. Writers guard the record
// with optimistic concurrency on ModifiedAt; the manager prefers the
// in-memory state when the session is live.
type Record struct {
	// ID is the session id the record preserves across restarts.
	ID string `json:"browser_session_id" db:"browser_session_id"`

	// OrganizationID is the owning tenant.
	OrganizationID string `json:"organization_id" db:"organization_id"`

	// StorageState is the cookies/local-storage snapshot restored at
	// relaunch.
	StorageState []byte `json:"-" db:"storage_state"`

	// TTL bounds how long the session survives without activity.
	TTL time.Duration `json:"ttl" db:"ttl"`

	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	ModifiedAt time.Time `json:"modified_at" db:"modified_at"`
}

// RecordStore persists session records.
type RecordStore interface {
	SaveSession(ctx context.Context, rec *Record) error
	GetSession(ctx context.Context, id string) (*Record, error)
	DeleteSession(ctx context.Context, id string) error
}
