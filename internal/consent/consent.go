// Package consent implements the gate deciding which records may leave the
// system boundary, backed by the authoritative ConsentService records.
package consent

import (
	"context"
	"errors"
	"time"
)

// State is the consent decision for one subject and scope.
type State string

const (
	// StateGranted allows externally-bound flows
	StateGranted State = "granted"

	// StateRevoked blocks externally-bound flows and converts in-flight
	// creates/updates into deletion operations
	StateRevoked State = "revoked"

	// StateExpired blocks externally-bound flows until consent is renewed
	StateExpired State = "expired"

	// StateUnknown blocks the operation for manual resolution. Unknown never
	// fails open.
	StateUnknown State = "unknown"
)

// ScopeExternalSync is the consent scope required for any record to be
// pushed to Booksy.
const ScopeExternalSync = "booking:external-sync"

// ErrNotFound is returned when no consent record exists for a subject/scope.
var ErrNotFound = errors.New("consent record not found")

// Record mirrors one ConsentService row.
type Record struct {
	SubjectID string     `json:"subject_id"`
	Scope     string     `json:"scope"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StateAt derives the consent state of the record at the given instant.
func (r *Record) StateAt(now time.Time) State {
	if r == nil {
		return StateUnknown
	}
	if r.RevokedAt != nil && !r.RevokedAt.After(now) {
		return StateRevoked
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return StateExpired
	}
	if r.GrantedAt.IsZero() || r.GrantedAt.After(now) {
		return StateUnknown
	}
	return StateGranted
}

// Store persists consent records.
type Store interface {
	// Get returns the record for a subject/scope, or ErrNotFound.
	Get(ctx context.Context, subjectID, scope string) (*Record, error)

	// Upsert creates or replaces the record for its subject/scope.
	Upsert(ctx context.Context, record *Record) error

	// Revoke marks the subject/scope revoked at the given time.
	Revoke(ctx context.Context, subjectID, scope string, revokedAt time.Time) error
}
