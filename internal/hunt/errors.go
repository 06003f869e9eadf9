package hunt

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// ValidationError reports bad author input. Mutations returning it have not
// been persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(kind string, key any) error {
	return &NotFoundError{Kind: kind, Key: fmt.Sprint(key)}
}

// Reason is the machine-readable cause of a ConflictError.
type Reason string

const (
	ReasonCooldown     Reason = "cooldown"
	ReasonEventOver    Reason = "event_over"
	ReasonPuzzleLocked Reason = "puzzle_locked"
	ReasonNoTeam       Reason = "no_team"
)

// ConflictError rejects a request that is well formed but not acceptable in
// the current state.
type ConflictError struct {
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func Conflict(reason Reason, format string, args ...any) error {
	return &ConflictError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsReason reports whether err is a ConflictError with the given reason.
func IsReason(err error, reason Reason) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Reason == reason
}
