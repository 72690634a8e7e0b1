package outreach

import (
	"errors"
	"fmt"

	"github.com/kalambet/wingman/internal/storage"
)

// Error kinds. Match an *Error against them with errors.Is.
var (
	ErrStorage        = errors.New("storage failure")
	ErrNotFound       = errors.New("not found")
	ErrRemoteRejected = errors.New("remote rejected")
	ErrSendFailed     = errors.New("send failed")
	ErrUnmatch        = errors.New("unmatch failed")
	ErrEnrichment     = errors.New("enrichment failed")
	ErrDispatch       = errors.New("dispatch failed")

	// ErrAlreadyContacted refuses a second opener to the same match.
	ErrAlreadyContacted = errors.New("opener already sent")
)

// Error is the failure of one outreach operation on one match.
type Error struct {
	Kind    error
	Op      string
	MatchID string
	Err     error
}

func (e *Error) Error() string {
	prefix := e.Op
	if e.MatchID != "" {
		prefix += " " + e.MatchID
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", prefix, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", prefix, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, matchID string, err error) *Error {
	return &Error{Kind: kind, Op: op, MatchID: matchID, Err: err}
}

// storageError classifies a store failure as ErrNotFound or ErrStorage.
func storageError(op, matchID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return newError(ErrNotFound, op, matchID, nil)
	}
	return newError(ErrStorage, op, matchID, err)
}
