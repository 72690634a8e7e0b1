package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Error reports a local persistence failure. Callers treat it as fatal to the
// operation that triggered it; the store never retries internally.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Match is the locally mirrored view of a remote match. Only the optional
// fields are ever rewritten after the first insert.
type Match struct {
	MatchID     string     `json:"match_id"`
	PersonID    string     `json:"person_id"`
	DisplayName string     `json:"display_name"`
	DistanceKm  *float64   `json:"distance_km,omitempty"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
	Bio         *string    `json:"bio,omitempty"`
	ContactedAt *time.Time `json:"contacted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MatchPatch lists the enrichment-owned fields of a Match. Nil fields are left untouched.
type MatchPatch struct {
	DistanceKm *float64
	BirthDate  *time.Time
	Bio        *string
}

func (p MatchPatch) empty() bool {
	return p.DistanceKm == nil && p.BirthDate == nil && p.Bio == nil
}

// AccountProfile is the singleton profile of the local account.
type AccountProfile struct {
	AccountID string    `json:"account_id"`
	Bio       string    `json:"bio"`
	Interests []string  `json:"interests"`
	FetchedAt time.Time `json:"fetched_at"`
}

// MatchTotals groups stored matches by distance relative to a threshold.
type MatchTotals struct {
	Total    int `json:"total_matches"`
	Under    int `json:"under"`
	AtOrOver int `json:"at_or_over"`
	Unknown  int `json:"unknown_distance"`
}

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

type Task struct {
	ID          string
	Operation   string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResultJSON  string
	LastError   string
}
