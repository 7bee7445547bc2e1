package relkv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// Error taxonomy. Store transport errors are classified into contention
// (transient, retried with backoff), conflict (permanent for the current
// input), not-found, and corruption (logged at the highest severity, the
// affected repair skipped). Precondition errors from query building never
// reach the store: the query is marked unsatisfiable instead.
var (
	// ErrNotFound is returned when a key has no entity. Background
	// propagation treats it as "nothing to do"; foreground reads surface it.
	ErrNotFound = errors.New("entity not found")

	// ErrContention is returned by the store when a transaction aborted due
	// to a concurrent writer. Safe to retry.
	ErrContention = errors.New("transaction contention")

	// ErrLocked is returned when deleting an entity that is still referenced
	// by a relation with the PreventDeletion policy.
	ErrLocked = errors.New("entity is referenced by other entities which prevent deletion")

	// ErrCrossGroup is returned when a transaction touches more distinct
	// entity groups than the store transport allows.
	ErrCrossGroup = errors.New("transaction spans too many entity groups")

	// errCorruption marks inconsistencies between lock records, mirror
	// entries and their presumed sources. Carriers of this error are logged
	// and skipped, never repaired by guessing.
	errCorruption = errors.New("data corruption detected")
)

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsContention(err error) bool { return errors.Is(err, ErrContention) }
func IsLocked(err error) bool     { return errors.Is(err, ErrLocked) }
func IsCorruption(err error) bool { return errors.Is(err, errCorruption) }

// ConflictError reports that a unique-constrained value is already claimed
// by another entity. It is permanent for the current input and is attached
// to the specific field rather than retried.
type ConflictError struct {
	Kind   string
	Field  string
	Holder string // id-or-name of the entity holding the lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s.%s: value already claimed by entity %s", e.Kind, e.Field, e.Holder)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Severity grades the outcome of reading one field from input.
type Severity int

const (
	// SeverityNotSet means the field was not submitted at all. Tolerated on
	// partial (amend) updates.
	SeverityNotSet Severity = iota
	// SeverityInvalidatesOther means the value is fine in isolation but
	// conflicts with another field.
	SeverityInvalidatesOther
	// SeverityEmpty means the field was submitted without a usable value but
	// is required.
	SeverityEmpty
	// SeverityInvalid means the submitted value could not be accepted. Never
	// tolerated.
	SeverityInvalid
)

func (s Severity) String() string {
	switch s {
	case SeverityNotSet:
		return "not-set"
	case SeverityInvalidatesOther:
		return "invalidates-other"
	case SeverityEmpty:
		return "empty"
	case SeverityInvalid:
		return "invalid"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// FieldError is one entry of the accumulated validation result. Validation
// always runs to completion, so callers receive the complete set.
type FieldError struct {
	Field    string
	Severity Severity
	Message  string
	Path     []string // sub-field or language path, if any
}

func (e FieldError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Field)
	for _, p := range e.Path {
		sb.WriteByte('.')
		sb.WriteString(p)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	sb.WriteString(" (")
	sb.WriteString(e.Severity.String())
	sb.WriteByte(')')
	return sb.String()
}

func fieldErr(field string, sev Severity, msg string, path ...string) *FieldError {
	return &FieldError{Field: field, Severity: sev, Message: msg, Path: path}
}

// blocking reports whether the errors contain anything that makes the
// bound value-set incomplete. NotSet entries block only outside amend mode.
func blocking(errs []*FieldError, amend bool) bool {
	for _, e := range errs {
		switch e.Severity {
		case SeverityNotSet:
			if !amend {
				return true
			}
		case SeverityEmpty, SeverityInvalid, SeverityInvalidatesOther:
			return true
		}
	}
	return false
}

const contentionRetryBudget = 4

// withContentionRetries runs fn, retrying on transaction contention with
// jittered backoff. The budget is small: contention under a user-facing
// request should fail fast rather than retry indefinitely.
func withContentionRetries(ctx context.Context, fn func() error) error {
	bo := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 250 * time.Millisecond, Jitter: true}
	var err error
	for attempt := 0; attempt < contentionRetryBudget; attempt++ {
		if err = fn(); !IsContention(err) {
			return err
		}
		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
