package live

import (
	"context"
	"log/slog"
	"time"

	"github.com/playperu/hunt/internal/events"
	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/metrics"
	"github.com/playperu/hunt/internal/progress"
)

// Store is the read side the dispatcher and connections need.
type Store interface {
	Now() time.Time
	Unlock(ctx context.Context, id int64) (hunt.Unlock, error)
	Unlocks(ctx context.Context, puzzleID int64) ([]hunt.Unlock, error)
	UnlockAnswers(ctx context.Context, unlockID int64) ([]hunt.UnlockAnswer, error)
	PuzzleUnlockAnswers(ctx context.Context, puzzleID int64) (map[int64][]hunt.UnlockAnswer, error)
	MatchesAny(ctx context.Context, answers []hunt.UnlockAnswer, text string) bool
	MatchingGuesses(ctx context.Context, puzzleID int64, answers []hunt.UnlockAnswer) (map[int64][]hunt.Guess, error)
	TeamGuesses(ctx context.Context, puzzleID, teamID int64, since time.Time) ([]hunt.Guess, error)
	TeamUnlocks(ctx context.Context, puzzleID, teamID int64) ([]hunt.TeamUnlock, error)
	AnsweredBy(ctx context.Context, puzzleID, teamID int64) ([]hunt.Guess, error)
	GuessDetails(ctx context.Context, g hunt.Guess) (by, redirect string, err error)
	Hints(ctx context.Context, puzzleID int64) ([]hunt.Hint, error)
	HintStatus(ctx context.Context, h hunt.Hint, teamID int64, now time.Time) (progress.HintStatus, error)
}

// Dispatcher turns committed domain events into hub deliveries. Events are
// handled one at a time, so deliveries for a team and puzzle follow commit
// order.
type Dispatcher struct {
	store  Store
	hub    *Hub
	logger *slog.Logger
}

func NewDispatcher(store Store, hub *Hub, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, hub: hub, logger: logger}
}

// Run handles events until ctx is done or the source closes.
func (d *Dispatcher) Run(ctx context.Context, src <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-src:
			if !ok {
				return nil
			}
			d.Handle(ctx, ev)
		}
	}
}

// Handle reacts to one event. The mutation has already committed, so
// failures are logged and dropped; clients catch up through replay.
func (d *Dispatcher) Handle(ctx context.Context, ev events.Event) {
	metrics.DispatchEvents.WithLabelValues(string(ev.Kind())).Inc()

	var err error
	switch e := ev.(type) {
	case events.GuessCreated:
		err = d.guessCreated(ctx, e.Guess)
	case events.UnlockChanged:
		err = d.unlockChanged(ctx, e.Old, e.New)
	case events.UnlockDeleted:
		err = d.unlockDeleted(ctx, e.Unlock, e.Answers)
	case events.UnlockAnswerChanged:
		err = d.unlockAnswerChanged(ctx, e.Old, e.New)
	case events.UnlockAnswerDeleted:
		err = d.unlockAnswerDeleted(ctx, e.UnlockAnswer)
	case events.HintChanged:
		if e.Old != nil && e.Old.PuzzleID != e.New.PuzzleID {
			d.hub.send(Channel{PuzzleID: e.Old.PuzzleID}, hintRemoved{hint: *e.Old})
		}
		d.hub.send(Channel{PuzzleID: e.New.PuzzleID}, hintChanged{hint: e.New})
	case events.HintDeleted:
		d.hub.send(Channel{PuzzleID: e.Hint.PuzzleID}, hintRemoved{hint: e.Hint})
	case events.TeamChanged:
		d.hub.broadcast(teamMoved{userID: e.UserID})
	case events.AnswerChanged:
		// Clients see the new verdicts on their next replay.
		if e.Old != nil && e.Old.PuzzleID != e.New.PuzzleID {
			d.hub.send(Channel{PuzzleID: e.Old.PuzzleID}, answersChanged{})
		}
		d.hub.send(Channel{PuzzleID: e.New.PuzzleID}, answersChanged{})
	case events.AnswerDeleted:
		d.hub.send(Channel{PuzzleID: e.Answer.PuzzleID}, answersChanged{})
	default:
		d.logger.Warn("unhandled event", "kind", ev.Kind())
	}
	if err != nil {
		d.logger.Error("dispatching event", "kind", ev.Kind(), "puzzle_id", events.PuzzleOf(ev), "error", err)
		metrics.DispatchDropped.WithLabelValues("dispatch_error").Inc()
	}
}

func (d *Dispatcher) guessCreated(ctx context.Context, g hunt.Guess) error {
	team := Channel{PuzzleID: g.PuzzleID, TeamID: g.TeamID}

	by, redirect, err := d.store.GuessDetails(ctx, g)
	if err != nil {
		return err
	}
	d.hub.send(team, push{msg: guessMessage(TypeNewGuess, g, by, redirect), solved: g.Correct()})

	unlocks, err := d.store.Unlocks(ctx, g.PuzzleID)
	if err != nil || len(unlocks) == 0 {
		return err
	}
	answers, err := d.store.PuzzleUnlockAnswers(ctx, g.PuzzleID)
	if err != nil {
		return err
	}
	for _, u := range unlocks {
		if d.store.MatchesAny(ctx, answers[u.ID], g.Text) {
			d.hub.send(team, push{msg: unlockMessage(TypeNewUnlock, u, g.Text)})
		}
	}
	return nil
}

func (d *Dispatcher) unlockChanged(ctx context.Context, old *hunt.Unlock, u hunt.Unlock) error {
	answers, err := d.store.UnlockAnswers(ctx, u.ID)
	if err != nil {
		return err
	}

	if old != nil && old.PuzzleID != u.PuzzleID {
		before, err := d.store.MatchingGuesses(ctx, old.PuzzleID, answers)
		if err != nil {
			return err
		}
		for teamID := range before {
			d.hub.send(Channel{PuzzleID: old.PuzzleID, TeamID: teamID}, push{msg: unlockMessage(TypeDeleteUnlock, *old, "")})
		}
	}

	matches, err := d.store.MatchingGuesses(ctx, u.PuzzleID, answers)
	if err != nil {
		return err
	}
	for teamID, guesses := range matches {
		ch := Channel{PuzzleID: u.PuzzleID, TeamID: teamID}
		switch {
		case old == nil:
			for _, g := range guesses {
				d.hub.send(ch, push{msg: unlockMessage(TypeNewUnlock, u, g.Text)})
			}
		case old.PuzzleID != u.PuzzleID:
			d.hub.send(ch, push{msg: unlockMessage(TypeNewUnlock, u, guesses[0].Text)})
		default:
			d.hub.send(ch, push{msg: unlockMessage(TypeChangeUnlock, u, "")})
		}
	}
	return nil
}

func (d *Dispatcher) unlockDeleted(ctx context.Context, u hunt.Unlock, answers []hunt.UnlockAnswer) error {
	matches, err := d.store.MatchingGuesses(ctx, u.PuzzleID, answers)
	if err != nil {
		return err
	}
	for teamID := range matches {
		d.hub.send(Channel{PuzzleID: u.PuzzleID, TeamID: teamID}, push{msg: unlockMessage(TypeDeleteUnlock, u, "")})
	}
	return nil
}

func (d *Dispatcher) unlockAnswerChanged(ctx context.Context, old *hunt.UnlockAnswer, a hunt.UnlockAnswer) error {
	if old != nil && old.UnlockID != a.UnlockID {
		// The answer moved: the old unlock lost it, the new one gained it.
		if err := d.unlockAnswerDeleted(ctx, *old); err != nil {
			return err
		}
		old = nil
	}

	current, err := d.store.UnlockAnswers(ctx, a.UnlockID)
	if err != nil {
		return err
	}
	var before []hunt.UnlockAnswer
	for _, x := range current {
		switch {
		case x.ID != a.ID:
			before = append(before, x)
		case old != nil:
			before = append(before, *old)
		}
	}
	return d.diffUnlock(ctx, a.UnlockID, before, current)
}

func (d *Dispatcher) unlockAnswerDeleted(ctx context.Context, a hunt.UnlockAnswer) error {
	current, err := d.store.UnlockAnswers(ctx, a.UnlockID)
	if err != nil {
		return err
	}
	before := append(append([]hunt.UnlockAnswer(nil), current...), a)
	return d.diffUnlock(ctx, a.UnlockID, before, current)
}

// diffUnlock tells each team which of its guesses started or stopped
// revealing the unlock when its answers went from before to after. A team
// left with no matching guess loses the unlock altogether.
func (d *Dispatcher) diffUnlock(ctx context.Context, unlockID int64, before, after []hunt.UnlockAnswer) error {
	u, err := d.store.Unlock(ctx, unlockID)
	if err != nil {
		return err
	}
	was, err := d.store.MatchingGuesses(ctx, u.PuzzleID, before)
	if err != nil {
		return err
	}
	now, err := d.store.MatchingGuesses(ctx, u.PuzzleID, after)
	if err != nil {
		return err
	}

	teams := make(map[int64]struct{}, len(was)+len(now))
	for id := range was {
		teams[id] = struct{}{}
	}
	for id := range now {
		teams[id] = struct{}{}
	}
	for teamID := range teams {
		ch := Channel{PuzzleID: u.PuzzleID, TeamID: teamID}
		if len(now[teamID]) == 0 {
			d.hub.send(ch, push{msg: unlockMessage(TypeDeleteUnlock, u, "")})
			continue
		}
		for _, g := range missing(was[teamID], now[teamID]) {
			d.hub.send(ch, push{msg: unlockMessage(TypeDeleteUnlockGuess, u, g.Text)})
		}
		for _, g := range missing(now[teamID], was[teamID]) {
			d.hub.send(ch, push{msg: unlockMessage(TypeNewUnlock, u, g.Text)})
		}
	}
	return nil
}

// missing returns the guesses of a that are not in b.
func missing(a, b []hunt.Guess) []hunt.Guess {
	in := make(map[int64]bool, len(b))
	for _, g := range b {
		in[g.ID] = true
	}
	var out []hunt.Guess
	for _, g := range a {
		if !in[g.ID] {
			out = append(out, g)
		}
	}
	return out
}
