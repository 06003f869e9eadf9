// Package events carries domain events from the store to the live
// dispatcher. Events are published only after the transaction that caused
// them has committed.
package events

import (
	"context"

	"github.com/playperu/hunt/internal/hunt"
)

type Kind string

const (
	KindGuessCreated        Kind = "guess_created"
	KindAnswerChanged       Kind = "answer_changed"
	KindAnswerDeleted       Kind = "answer_deleted"
	KindUnlockChanged       Kind = "unlock_changed"
	KindUnlockDeleted       Kind = "unlock_deleted"
	KindUnlockAnswerChanged Kind = "unlock_answer_changed"
	KindUnlockAnswerDeleted Kind = "unlock_answer_deleted"
	KindHintChanged         Kind = "hint_changed"
	KindHintDeleted         Kind = "hint_deleted"
	KindTeamChanged         Kind = "team_changed"
)

// Event is a committed domain mutation.
type Event interface {
	Kind() Kind
}

// Publisher accepts committed events. Implementations must not block for
// long: Publish runs while the store holds its commit lock.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
}

// Source hands committed events to a single consumer in commit order.
type Source interface {
	Events() <-chan Event
}

type GuessCreated struct {
	Guess hunt.Guess
}

// AnswerChanged reports a created (Old == nil) or edited answer.
type AnswerChanged struct {
	Old *hunt.Answer
	New hunt.Answer
}

type AnswerDeleted struct {
	Answer hunt.Answer
}

// UnlockChanged reports a created (Old == nil) or edited unlock.
type UnlockChanged struct {
	Old *hunt.Unlock
	New hunt.Unlock
}

// UnlockDeleted carries the unlock's answers as they were before the
// delete cascaded to them.
type UnlockDeleted struct {
	Unlock  hunt.Unlock
	Answers []hunt.UnlockAnswer
}

type UnlockAnswerChanged struct {
	Old *hunt.UnlockAnswer
	New hunt.UnlockAnswer
}

type UnlockAnswerDeleted struct {
	UnlockAnswer hunt.UnlockAnswer
}

type HintChanged struct {
	Old *hunt.Hint
	New hunt.Hint
}

type HintDeleted struct {
	Hint hunt.Hint
}

// TeamChanged reports a user moving between teams of an event.
// OldTeamID is zero when the user had no team.
type TeamChanged struct {
	UserID    int64
	EventID   int64
	OldTeamID int64
	NewTeamID int64
}

func (GuessCreated) Kind() Kind        { return KindGuessCreated }
func (AnswerChanged) Kind() Kind       { return KindAnswerChanged }
func (AnswerDeleted) Kind() Kind       { return KindAnswerDeleted }
func (UnlockChanged) Kind() Kind       { return KindUnlockChanged }
func (UnlockDeleted) Kind() Kind       { return KindUnlockDeleted }
func (UnlockAnswerChanged) Kind() Kind { return KindUnlockAnswerChanged }
func (UnlockAnswerDeleted) Kind() Kind { return KindUnlockAnswerDeleted }
func (HintChanged) Kind() Kind         { return KindHintChanged }
func (HintDeleted) Kind() Kind         { return KindHintDeleted }
func (TeamChanged) Kind() Kind         { return KindTeamChanged }

// PuzzleOf returns the puzzle an event concerns, or 0 when it has none.
func PuzzleOf(ev Event) int64 {
	switch e := ev.(type) {
	case GuessCreated:
		return e.Guess.PuzzleID
	case AnswerChanged:
		return e.New.PuzzleID
	case AnswerDeleted:
		return e.Answer.PuzzleID
	case UnlockChanged:
		return e.New.PuzzleID
	case UnlockDeleted:
		return e.Unlock.PuzzleID
	case HintChanged:
		return e.New.PuzzleID
	case HintDeleted:
		return e.Hint.PuzzleID
	default:
		return 0
	}
}
