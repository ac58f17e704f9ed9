// Package types provides common types shared by credit ledger entities.
package types

import "time"

// Entity is the base type for all credit ledger entities with timestamps.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates a new Entity with current timestamps.
func NewEntity() Entity {
	now := Now()
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the UpdatedAt timestamp to now.
func (e *Entity) Touch() {
	e.UpdatedAt = Now()
}

// Age returns how long ago the entity was created.
func (e Entity) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// OlderThan reports whether the entity was created before cutoff.
func (e Entity) OlderThan(cutoff time.Time) bool {
	return e.CreatedAt.Before(cutoff)
}

// Now returns the current UTC time truncated to milliseconds, the
// resolution every backend round-trips without loss.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
