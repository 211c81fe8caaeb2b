// Package registry publishes the sessions a process is running so that a
// fleet of players can be observed from one place.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/playcore/internal/session"
)

var (
	// ErrSessionNotFound is returned when a session is not in the registry.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when registering an id owned by another
	// instance.
	ErrSessionExists = errors.New("session already registered")
)

// Status is the coarse lifecycle of a registered session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusEnded    Status = "ended"
	StatusStopped  Status = "stopped"
)

// StatusOf derives a registry status from a session snapshot.
func StatusOf(snap session.Snapshot) Status {
	switch snap.State {
	case "idle":
		if snap.UpdatedAt.IsZero() {
			return StatusStarting
		}
		return StatusStopped
	case "initializing":
		return StatusStarting
	case "ended":
		return StatusEnded
	}
	if snap.Paused {
		return StatusPaused
	}
	return StatusPlaying
}

// Entry is the registry record of one session.
type Entry struct {
	ID            string           `json:"id"`
	Instance      string           `json:"instance"`
	Status        Status           `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Snapshot      session.Snapshot `json:"snapshot"`
}

// NewEntry builds the record of a session owned by instance.
func NewEntry(instance string, snap session.Snapshot) *Entry {
	return &Entry{
		ID:       snap.ID,
		Instance: instance,
		Status:   StatusOf(snap),
		Snapshot: snap,
	}
}

// Registry stores session entries with a time to live. Entries that miss
// their heartbeats expire.
type Registry interface {
	// Register adds a session, or refreshes it when this instance already
	// owns it.
	Register(ctx context.Context, entry *Entry) error

	// Unregister removes a session.
	Unregister(ctx context.Context, id string) error

	// Get retrieves a session by id.
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns all live sessions.
	List(ctx context.Context) ([]*Entry, error)

	// Heartbeat stores a fresh snapshot and extends the entry's TTL.
	Heartbeat(ctx context.Context, id string, snap session.Snapshot) error

	// Close releases resources held by the registry.
	Close() error
}
