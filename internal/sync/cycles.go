package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Phase is where a provider's current (or most recent) cycle stands.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePulling   Phase = "pulling"
	PhaseDetecting Phase = "detecting"
	PhaseResolving Phase = "resolving"
	PhasePushing   Phase = "pushing"
	PhaseRecording Phase = "recording"
)

// CycleStatus is the per-provider cycle record. One row per provider,
// rewritten by every cycle.
type CycleStatus struct {
	ProviderID      string     `json:"provider_id"`
	Phase           Phase      `json:"phase"`
	LastStartedAt   *time.Time `json:"last_started_at,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Pulled          int        `json:"pulled_count"`
	Pushed          int        `json:"pushed_count"`
	Conflicts       int        `json:"conflict_count"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	ProviderID string
	Pulled     int
	Detected   int
	Conflicts  int
	Resolved   int
	Pushed     int
	Duration   time.Duration
}

// CycleStore persists per-provider cycle progress.
type CycleStore interface {
	// Begin marks the cycle started and moves the provider to pulling.
	Begin(ctx context.Context, providerID string) error

	// SetPhase records a phase transition mid-cycle.
	SetPhase(ctx context.Context, providerID string, phase Phase) error

	// Complete records a successful cycle and returns the provider to idle.
	Complete(ctx context.Context, result *CycleResult) error

	// Fail records a failed cycle and returns the provider to idle.
	Fail(ctx context.Context, providerID string, cause error) error

	// Status returns one provider's cycle record.
	Status(ctx context.Context, providerID string) (*CycleStatus, error)

	// StatusAll returns every provider's cycle record.
	StatusAll(ctx context.Context) ([]*CycleStatus, error)
}

// ErrCycleNotFound is returned when a provider has never run a cycle.
var ErrCycleNotFound = errors.New("no cycle recorded for provider")

type dbCycleStore struct {
	pool *pgxpool.Pool
}

// NewCycleStore creates a CycleStore over PostgreSQL.
func NewCycleStore(pool *pgxpool.Pool) CycleStore {
	return &dbCycleStore{pool: pool}
}

func (s *dbCycleStore) Begin(ctx context.Context, providerID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_cycles (provider_id, phase, last_started_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (provider_id) DO UPDATE
		SET phase = $2, last_started_at = now(), updated_at = now()`,
		providerID, PhasePulling)
	if err != nil {
		return fmt.Errorf("failed to begin cycle: %w", err)
	}
	return nil
}

func (s *dbCycleStore) SetPhase(ctx context.Context, providerID string, phase Phase) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE provider_cycles SET phase = $2, updated_at = now() WHERE provider_id = $1`,
		providerID, phase)
	if err != nil {
		return fmt.Errorf("failed to set cycle phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCycleNotFound
	}
	return nil
}

func (s *dbCycleStore) Complete(ctx context.Context, result *CycleResult) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE provider_cycles
		SET phase = $2,
		    last_completed_at = now(),
		    last_error = NULL,
		    pulled_count = $3,
		    pushed_count = $4,
		    conflict_count = $5,
		    updated_at = now()
		WHERE provider_id = $1`,
		result.ProviderID, PhaseIdle, result.Pulled, result.Pushed, result.Conflicts)
	if err != nil {
		return fmt.Errorf("failed to complete cycle: %w", err)
	}
	return nil
}

func (s *dbCycleStore) Fail(ctx context.Context, providerID string, cause error) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE provider_cycles
		SET phase = $2, last_error = $3, updated_at = now()
		WHERE provider_id = $1`,
		providerID, PhaseIdle, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to record cycle failure: %w", err)
	}
	return nil
}

func (s *dbCycleStore) Status(ctx context.Context, providerID string) (*CycleStatus, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT provider_id, phase, last_started_at, last_completed_at, last_error,
		       pulled_count, pushed_count, conflict_count, updated_at
		FROM provider_cycles WHERE provider_id = $1`,
		providerID)
	status, err := scanCycleStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cycle status: %w", err)
	}
	return status, nil
}

func (s *dbCycleStore) StatusAll(ctx context.Context) ([]*CycleStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider_id, phase, last_started_at, last_completed_at, last_error,
		       pulled_count, pushed_count, conflict_count, updated_at
		FROM provider_cycles ORDER BY provider_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle statuses: %w", err)
	}
	defer rows.Close()

	var statuses []*CycleStatus
	for rows.Next() {
		status, err := scanCycleStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle status: %w", err)
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

func scanCycleStatus(row pgx.Row) (*CycleStatus, error) {
	var (
		status  CycleStatus
		lastErr *string
	)
	if err := row.Scan(
		&status.ProviderID, &status.Phase, &status.LastStartedAt, &status.LastCompletedAt,
		&lastErr, &status.Pulled, &status.Pushed, &status.Conflicts, &status.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastErr != nil {
		status.LastError = *lastErr
	}
	return &status, nil
}
