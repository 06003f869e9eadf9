// Package hunt defines the core domain types of a live puzzle hunt and the
// error taxonomy shared by the progression engine. It has no external
// dependencies.
package hunt

import "time"

// RuntimeKind names the evaluator used for an answer pattern or for puzzle
// content.
type RuntimeKind string

const (
	RuntimeStatic RuntimeKind = "static"
	RuntimeRegex  RuntimeKind = "regex"
	RuntimeScript RuntimeKind = "script"
)

type Event struct {
	ID      int64
	Name    string
	EndDate time.Time
	Current bool
}

// Ended reports whether guesses are no longer accepted at now.
func (e Event) Ended(now time.Time) bool {
	return !e.EndDate.IsZero() && !now.Before(e.EndDate)
}

type Team struct {
	ID      int64
	EventID int64
	Name    string
}

type User struct {
	ID   int64
	Name string
}

// Episode is an ordered group of puzzles. Prequels must be finished before
// the episode unlocks; HeadstartFrom lists the episodes whose solved puzzles
// bring this episode's start forward.
type Episode struct {
	ID            int64
	EventID       int64
	Name          string
	StartDate     time.Time
	Parallel      bool
	Winning       bool
	Prequels      []int64
	HeadstartFrom []int64
}

type Puzzle struct {
	ID               int64
	EpisodeID        int64
	Position         int
	Title            string
	Runtime          RuntimeKind
	Content          string
	CallbackRuntime  RuntimeKind
	CallbackContent  string
	HeadstartGranted time.Duration
}

type Answer struct {
	ID       int64
	PuzzleID int64
	Runtime  RuntimeKind
	Pattern  string
}

// Guess is an immutable submission. TeamID and the correctness cache
// (CorrectFor, CorrectCurrent) are denormalized and rewritten by the store.
type Guess struct {
	ID             int64
	PuzzleID       int64
	UserID         int64
	TeamID         int64
	Text           string
	Given          time.Time
	CorrectFor     int64
	CorrectCurrent bool
}

// Correct reports whether a live answer matched the guess when the cache was
// last computed.
func (g Guess) Correct() bool { return g.CorrectFor != 0 }

type Unlock struct {
	ID       int64
	PuzzleID int64
	Text     string
}

type UnlockAnswer struct {
	ID       int64
	UnlockID int64
	Runtime  RuntimeKind
	Pattern  string
}

// Hint is revealed Delay after the team started the puzzle, or after the
// team first unlocked StartAfter when it is set.
type Hint struct {
	ID         int64
	PuzzleID   int64
	Text       string
	Delay      time.Duration
	StartAfter int64
}

type TeamPuzzleData struct {
	PuzzleID  int64
	TeamID    int64
	StartTime time.Time
	Data      map[string]any
}

type UserPuzzleData struct {
	PuzzleID int64
	UserID   int64
	Data     map[string]any
}

// TeamUnlock is an unlock revealed to a team together with the team's
// guesses that matched it, earliest first.
type TeamUnlock struct {
	Unlock  Unlock
	Guesses []Guess
}
