package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/playperu/hunt/internal/database"
	"github.com/playperu/hunt/internal/events"
	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/migrations"
	"github.com/playperu/hunt/internal/runtimes"
	"github.com/playperu/hunt/internal/sandbox"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, evs ...events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, evs...)
	return nil
}

func (r *recorder) take() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.evs
	r.evs = nil
	return evs
}

// fixture is one running event with two teams, a linear episode of two
// puzzles and a static answer "answer" on the first puzzle. Alice is on
// red, Bob on blue.
type fixture struct {
	db    *sql.DB
	store *Store
	pub   *recorder
	now   time.Time

	event       hunt.Event
	red, blue   hunt.Team
	alice, bob  hunt.User
	episode     hunt.Episode
	first, next hunt.Puzzle
	answer      hunt.Answer
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := migrations.Run(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	sb := sandbox.New(sandbox.Limits{Instructions: 100000, Memory: 16 << 20, Timeout: time.Second})
	t.Cleanup(sb.Close)

	f := &fixture{db: db, pub: &recorder{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithCooldown(0), WithClock(func() time.Time { return f.now })}, opts...)
	f.store = New(db, f.pub, runtimes.New(sb, logger), logger, opts...)
	s := f.store

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	f.event, err = s.CreateEvent(ctx, hunt.Event{Name: "Spring Hunt", Current: true})
	must(err)
	f.red, err = s.CreateTeam(ctx, f.event.ID, "red")
	must(err)
	f.blue, err = s.CreateTeam(ctx, f.event.ID, "blue")
	must(err)
	f.alice, err = s.CreateUser(ctx, "alice", "tok-alice")
	must(err)
	f.bob, err = s.CreateUser(ctx, "bob", "tok-bob")
	must(err)
	must(s.MoveUser(ctx, f.alice.ID, f.event.ID, f.red.ID))
	must(s.MoveUser(ctx, f.bob.ID, f.event.ID, f.blue.ID))

	f.episode, err = s.SaveEpisode(ctx, hunt.Episode{EventID: f.event.ID, Name: "One", StartDate: f.now.Add(-time.Hour)})
	must(err)
	f.first, err = s.SavePuzzle(ctx, hunt.Puzzle{EpisodeID: f.episode.ID, Title: "First", HeadstartGranted: time.Minute})
	must(err)
	f.next, err = s.SavePuzzle(ctx, hunt.Puzzle{EpisodeID: f.episode.ID, Title: "Next"})
	must(err)
	f.answer, err = s.SaveAnswer(ctx, hunt.Answer{PuzzleID: f.first.ID, Runtime: hunt.RuntimeStatic, Pattern: "answer"})
	must(err)

	f.pub.take()
	return f
}

func (f *fixture) guess(t *testing.T, user hunt.User, pz hunt.Puzzle, text string) hunt.Guess {
	t.Helper()
	g, err := f.store.SubmitGuess(context.Background(), user.ID, pz.ID, text)
	if err != nil {
		t.Fatalf("submit %q: %v", text, err)
	}
	return g
}

func TestSetupOrdersPuzzles(t *testing.T) {
	f := setup(t)
	if f.first.Position != 1 || f.next.Position != 2 {
		t.Errorf("positions = %d, %d; want 1, 2", f.first.Position, f.next.Position)
	}
}

func TestSubmitGuess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	g := f.guess(t, f.alice, f.first, "  ANSWER ")
	if g.Text != "ANSWER" {
		t.Errorf("text = %q, want trimmed", g.Text)
	}
	if g.CorrectFor != f.answer.ID || !g.CorrectCurrent {
		t.Errorf("guess = %+v, want correct for answer %d", g, f.answer.ID)
	}
	if g.TeamID != f.red.ID {
		t.Errorf("team = %d, want %d", g.TeamID, f.red.ID)
	}

	evs := f.pub.take()
	if len(evs) != 1 {
		t.Fatalf("published %d events, want 1", len(evs))
	}
	created, ok := evs[0].(events.GuessCreated)
	if !ok || created.Guess.ID != g.ID {
		t.Errorf("event = %#v, want GuessCreated for %d", evs[0], g.ID)
	}

	by, redirect, err := f.store.GuessDetails(ctx, g)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if by != "alice" || redirect != "/hunt/ep/1/pz/2/" {
		t.Errorf("details = %q, %q", by, redirect)
	}
}

func TestSubmitGuessConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		f := setup(t)
		_, err := f.store.SubmitGuess(ctx, f.alice.ID, f.first.ID, "   ")
		var verr *hunt.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want validation error", err)
		}
	})

	t.Run("no team", func(t *testing.T) {
		f := setup(t)
		carol, err := f.store.CreateUser(ctx, "carol", "")
		if err != nil {
			t.Fatal(err)
		}
		_, err = f.store.SubmitGuess(ctx, carol.ID, f.first.ID, "answer")
		if !hunt.IsReason(err, hunt.ReasonNoTeam) {
			t.Fatalf("err = %v, want no_team", err)
		}
	})

	t.Run("locked", func(t *testing.T) {
		f := setup(t)
		_, err := f.store.SubmitGuess(ctx, f.alice.ID, f.next.ID, "anything")
		if !hunt.IsReason(err, hunt.ReasonPuzzleLocked) {
			t.Fatalf("err = %v, want puzzle_locked", err)
		}
		f.guess(t, f.alice, f.first, "answer")
		f.guess(t, f.alice, f.next, "anything")
	})

	t.Run("event over", func(t *testing.T) {
		f := setup(t)
		if _, err := f.db.Exec(`UPDATE events SET end_date = ?`, ms(f.now)); err != nil {
			t.Fatal(err)
		}
		_, err := f.store.SubmitGuess(ctx, f.alice.ID, f.first.ID, "answer")
		if !hunt.IsReason(err, hunt.ReasonEventOver) {
			t.Fatalf("err = %v, want event_over", err)
		}
	})

	t.Run("cooldown", func(t *testing.T) {
		f := setup(t, WithCooldown(5*time.Second))
		f.guess(t, f.alice, f.first, "wrong")

		f.now = f.now.Add(time.Second)
		_, err := f.store.SubmitGuess(ctx, f.alice.ID, f.first.ID, "answer")
		var cerr *hunt.ConflictError
		if !errors.As(err, &cerr) || cerr.Reason != hunt.ReasonCooldown {
			t.Fatalf("err = %v, want cooldown", err)
		}
		if cerr.RetryAfter != 4*time.Second {
			t.Errorf("retry after = %v, want 4s", cerr.RetryAfter)
		}

		// Cooldown is per user.
		f.guess(t, f.bob, f.first, "other")

		f.now = f.now.Add(4 * time.Second)
		f.guess(t, f.alice, f.first, "answer")
	})
}

func TestEditAnswerRewritesOnlyChangedGuesses(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	right := f.guess(t, f.alice, f.first, "answer")
	alpha := f.guess(t, f.alice, f.first, "alpha")
	f.guess(t, f.alice, f.first, "beta")

	// The pool holds a single connection, so the temp trigger sees every
	// verdict written.
	for _, q := range []string{
		`CREATE TEMP TABLE writes (guess_id INTEGER)`,
		`CREATE TEMP TRIGGER count_writes AFTER UPDATE OF correct_for ON guesses
		 WHEN OLD.correct_for IS NOT NEW.correct_for
		 BEGIN INSERT INTO writes VALUES (NEW.id); END`,
	} {
		if _, err := f.db.Exec(q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}

	edited := f.answer
	edited.Runtime = hunt.RuntimeRegex
	edited.Pattern = "answer|alpha"
	if _, err := f.store.SaveAnswer(ctx, edited); err != nil {
		t.Fatalf("save answer: %v", err)
	}

	var written []int64
	rows, err := f.db.Query(`SELECT guess_id FROM writes`)
	if err != nil {
		t.Fatal(err)
	}
	for rows.Next() {
		var id int64
		rows.Scan(&id)
		written = append(written, id)
	}
	rows.Close()
	if len(written) != 1 || written[0] != alpha.ID {
		t.Errorf("rewritten guesses = %v, want only %d", written, alpha.ID)
	}

	guesses, err := f.store.Guesses(ctx, f.first.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"answer": true, "alpha": true, "beta": false}
	for _, g := range guesses {
		if g.Correct() != want[g.Text] || !g.CorrectCurrent {
			t.Errorf("guess %q: correct=%v current=%v", g.Text, g.Correct(), g.CorrectCurrent)
		}
	}
	if guesses[0].ID != right.ID {
		t.Errorf("first guess = %d, want %d", guesses[0].ID, right.ID)
	}

	evs := f.pub.take()
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1", len(evs))
	}
	if ch, ok := evs[0].(events.AnswerChanged); !ok || ch.Old == nil || ch.Old.Pattern != "answer" {
		t.Errorf("event = %#v", evs[0])
	}
}

// gatedEvaluator holds every script evaluation until release is closed.
type gatedEvaluator struct {
	Evaluator
	entered chan struct{}
	release chan struct{}
}

func newGatedEvaluator(inner Evaluator) *gatedEvaluator {
	return &gatedEvaluator{Evaluator: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedEvaluator) Matches(ctx context.Context, kind hunt.RuntimeKind, pattern, guess string) bool {
	if kind == hunt.RuntimeScript {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.Evaluator.Matches(ctx, kind, pattern, guess)
}

func (g *gatedEvaluator) wait(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("script answer was never evaluated")
	}
}

func TestScriptEvaluationLeavesReadersFree(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.guess(t, f.alice, f.first, "answer")
	f.guess(t, f.bob, f.first, "other")

	gate := newGatedEvaluator(f.store.eval)
	author := New(f.db, f.pub, gate, slog.New(slog.DiscardHandler), WithCooldown(0), WithClock(func() time.Time { return f.now }))

	read := func(t *testing.T) {
		t.Helper()
		readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if _, err := f.store.Team(readCtx, f.red.ID); err != nil {
			t.Fatalf("read while a script runs: %v", err)
		}
		if _, err := f.store.AnsweredBy(readCtx, f.first.ID, f.red.ID); err != nil {
			t.Fatalf("answered by while a script runs: %v", err)
		}
	}

	t.Run("answer edit", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := author.SaveAnswer(ctx, hunt.Answer{PuzzleID: f.first.ID, Runtime: hunt.RuntimeScript, Pattern: `return guess == "other"`})
			done <- err
		}()
		gate.wait(t)
		read(t)

		close(gate.release)
		if err := <-done; err != nil {
			t.Fatalf("save answer: %v", err)
		}
		answered, err := f.store.AnsweredBy(ctx, f.first.ID, f.blue.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(answered) != 1 {
			t.Errorf("blue answered = %v, want the script match", answered)
		}
	})

	t.Run("guess", func(t *testing.T) {
		gate = newGatedEvaluator(f.store.eval)
		author = New(f.db, f.pub, gate, slog.New(slog.DiscardHandler), WithCooldown(0), WithClock(func() time.Time { return f.now }))

		done := make(chan error, 1)
		go func() {
			_, err := author.SubmitGuess(ctx, f.bob.ID, f.first.ID, "other")
			done <- err
		}()
		gate.wait(t)
		read(t)

		close(gate.release)
		if err := <-done; err != nil {
			t.Fatalf("submit guess: %v", err)
		}
	})
}

func TestDeleteOnlyAnswer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.guess(t, f.alice, f.first, "answer")
	answered, err := f.store.AnsweredBy(ctx, f.first.ID, f.red.ID)
	if err != nil || len(answered) != 1 {
		t.Fatalf("answered = %v, %v; want one guess", answered, err)
	}

	if err := f.store.DeleteAnswer(ctx, f.answer.ID); err != nil {
		t.Fatalf("delete answer: %v", err)
	}
	answered, err = f.store.AnsweredBy(ctx, f.first.ID, f.red.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(answered) != 0 {
		t.Errorf("answered after delete = %v, want none", answered)
	}

	// A new matching answer restores it.
	if _, err := f.store.SaveAnswer(ctx, hunt.Answer{PuzzleID: f.first.ID, Runtime: hunt.RuntimeStatic, Pattern: "ANSWER"}); err != nil {
		t.Fatal(err)
	}
	answered, _ = f.store.AnsweredBy(ctx, f.first.ID, f.red.ID)
	if len(answered) != 1 {
		t.Errorf("answered after new answer = %v, want one guess", answered)
	}
}

func TestInvalidAnswerRejected(t *testing.T) {
	f := setup(t)
	_, err := f.store.SaveAnswer(context.Background(), hunt.Answer{PuzzleID: f.first.ID, Runtime: hunt.RuntimeRegex, Pattern: "("})
	var verr *hunt.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
	answers, _ := f.store.Answers(context.Background(), f.first.ID)
	if len(answers) != 1 {
		t.Errorf("answers = %d, want 1", len(answers))
	}
}

func TestMoveUserRecreditsGuesses(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	g := f.guess(t, f.alice, f.first, "answer")
	if err := f.store.MoveUser(ctx, f.alice.ID, f.event.ID, f.blue.ID); err != nil {
		t.Fatalf("move: %v", err)
	}

	var (
		teamID  int64
		current int
	)
	if err := f.db.QueryRow(`SELECT team_id, correct_current FROM guesses WHERE id = ?`, g.ID).Scan(&teamID, &current); err != nil {
		t.Fatal(err)
	}
	if teamID != f.blue.ID || current != 0 {
		t.Errorf("after move: team=%d current=%d; want %d, 0", teamID, current, f.blue.ID)
	}

	blue, err := f.store.TeamProgress(ctx, f.event.ID, f.blue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := blue.Solved[f.first.ID]; !ok {
		t.Error("blue should have solved the first puzzle")
	}
	red, _ := f.store.TeamProgress(ctx, f.event.ID, f.red.ID)
	if len(red.Solved) != 0 {
		t.Errorf("red solved = %v, want none", red.Solved)
	}

	if err := f.db.QueryRow(`SELECT correct_current FROM guesses WHERE id = ?`, g.ID).Scan(&current); err != nil {
		t.Fatal(err)
	}
	if current != 1 {
		t.Error("read should have refreshed the stale cache")
	}

	evs := f.pub.take()
	want := events.TeamChanged{UserID: f.alice.ID, EventID: f.event.ID, OldTeamID: f.red.ID, NewTeamID: f.blue.ID}
	if len(evs) != 2 || evs[1] != events.Event(want) {
		t.Errorf("events = %#v, want GuessCreated then %#v", evs, want)
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.store.InTx(ctx, func(ctx context.Context) error {
		if _, err := f.store.SaveHint(ctx, hunt.Hint{PuzzleID: f.first.ID, Text: "think", Delay: time.Minute}); err != nil {
			return err
		}
		if evs := f.pub.take(); len(evs) != 0 {
			t.Errorf("published %d events before commit", len(evs))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	evs := f.pub.take()
	if len(evs) != 1 {
		t.Fatalf("events after commit = %d, want 1", len(evs))
	}
	if _, ok := evs[0].(events.HintChanged); !ok {
		t.Errorf("event = %#v, want HintChanged", evs[0])
	}
}

func TestRollbackPublishesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := f.store.InTx(ctx, func(ctx context.Context) error {
		if _, err := f.store.SaveHint(ctx, hunt.Hint{PuzzleID: f.first.ID, Text: "think"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if evs := f.pub.take(); len(evs) != 0 {
		t.Errorf("published %d events after rollback", len(evs))
	}
	hints, _ := f.store.Hints(ctx, f.first.ID)
	if len(hints) != 0 {
		t.Errorf("hints = %v, want none", hints)
	}
}

func TestSaveEpisodeRejectsCycles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	second, err := f.store.SaveEpisode(ctx, hunt.Episode{
		EventID:   f.event.ID,
		Name:      "Two",
		StartDate: f.now,
		Prequels:  []int64{f.episode.ID},
	})
	if err != nil {
		t.Fatalf("save second: %v", err)
	}

	tests := []struct {
		name     string
		prequels []int64
	}{
		{"self", []int64{f.episode.ID}},
		{"cycle", []int64{second.ID}},
		{"unknown", []int64{9999}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := f.episode
			ep.Prequels = tt.prequels
			_, err := f.store.SaveEpisode(ctx, ep)
			var verr *hunt.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}

	stored, err := f.store.Episode(ctx, f.episode.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Prequels) != 0 {
		t.Errorf("prequels persisted: %v", stored.Prequels)
	}
	loaded, err := f.store.Episode(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Prequels) != 1 || loaded.Prequels[0] != f.episode.ID {
		t.Errorf("second prequels = %v", loaded.Prequels)
	}
}

func TestSaveEpisodeRejectsLaterPrequel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.store.SaveEpisode(ctx, hunt.Episode{
		EventID:   f.event.ID,
		Name:      "Prologue",
		StartDate: f.now.Add(-2 * time.Hour),
		Prequels:  []int64{f.episode.ID},
	})
	var verr *hunt.ValidationError
	if !errors.As(err, &verr) || verr.Field != "prequels" {
		t.Fatalf("err = %v, want prequels validation error", err)
	}
	eps, err := f.store.Episodes(ctx, f.event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 {
		t.Errorf("episodes = %d, want only the original", len(eps))
	}

	sequel, err := f.store.SaveEpisode(ctx, hunt.Episode{
		EventID:   f.event.ID,
		Name:      "Sequel",
		StartDate: f.now,
		Prequels:  []int64{f.episode.ID},
	})
	if err != nil {
		t.Fatalf("save sequel: %v", err)
	}

	moved := f.episode
	moved.StartDate = f.now.Add(time.Hour)
	if _, err := f.store.SaveEpisode(ctx, moved); !errors.As(err, &verr) || verr.Field != "start_date" {
		t.Fatalf("moving prequel past sequel: err = %v, want start_date validation error", err)
	}
	stored, err := f.store.Episode(ctx, f.episode.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.StartDate.Equal(f.episode.StartDate) {
		t.Errorf("start = %v, want unchanged %v", stored.StartDate, f.episode.StartDate)
	}

	sequel.StartDate = f.now.Add(-2 * time.Hour)
	if _, err := f.store.SaveEpisode(ctx, sequel); !errors.As(err, &verr) {
		t.Fatalf("moving sequel before prequel: err = %v, want validation error", err)
	}
}

func TestPuzzleInOneEpisode(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	other, err := f.store.SaveEpisode(ctx, hunt.Episode{EventID: f.event.ID, Name: "Other", StartDate: f.now})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.store.AddPuzzleToEpisode(ctx, f.first.ID, other.ID)
	var verr *hunt.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}

	loose, err := f.store.SavePuzzle(ctx, hunt.Puzzle{Title: "Loose"})
	if err != nil {
		t.Fatal(err)
	}
	moved, err := f.store.AddPuzzleToEpisode(ctx, loose.ID, other.ID)
	if err != nil {
		t.Fatalf("add loose puzzle: %v", err)
	}
	if moved.EpisodeID != other.ID || moved.Position != 1 {
		t.Errorf("moved = %+v", moved)
	}
}

func TestUnlocksAndHints(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.store

	unlock, err := s.SaveUnlock(ctx, hunt.Unlock{PuzzleID: f.first.ID, Text: "getting warmer"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveUnlockAnswer(ctx, hunt.UnlockAnswer{UnlockID: unlock.ID, Runtime: hunt.RuntimeStatic, Pattern: "warm"}); err != nil {
		t.Fatal(err)
	}
	timed, err := s.SaveHint(ctx, hunt.Hint{PuzzleID: f.first.ID, Text: "timed", Delay: 10 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	gated, err := s.SaveHint(ctx, hunt.Hint{PuzzleID: f.first.ID, Text: "gated", StartAfter: unlock.ID})
	if err != nil {
		t.Fatal(err)
	}

	status := func(h hunt.Hint) string {
		t.Helper()
		st, err := s.HintStatus(ctx, h, f.red.ID, f.now)
		if err != nil {
			t.Fatal(err)
		}
		switch {
		case st.Unlocked:
			return "unlocked"
		case st.Pending:
			return "pending " + st.Remaining.String()
		default:
			return "unknown"
		}
	}

	if got := status(timed); got != "unknown" {
		t.Errorf("timed before view = %s", got)
	}
	data, err := s.TeamPuzzleData(ctx, f.first.ID, f.red.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !data.StartTime.Equal(f.now) {
		t.Errorf("start = %v, want %v", data.StartTime, f.now)
	}
	if got := status(timed); got != "pending 10m0s" {
		t.Errorf("timed after view = %s", got)
	}
	if got := status(gated); got != "unknown" {
		t.Errorf("gated before unlock = %s", got)
	}

	f.guess(t, f.alice, f.first, "warm")
	unlocks, err := s.TeamUnlocks(ctx, f.first.ID, f.red.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(unlocks) != 1 || unlocks[0].Unlock.ID != unlock.ID || len(unlocks[0].Guesses) != 1 {
		t.Errorf("team unlocks = %+v", unlocks)
	}
	if other, _ := s.TeamUnlocks(ctx, f.first.ID, f.blue.ID); len(other) != 0 {
		t.Errorf("blue unlocks = %+v, want none", other)
	}
	if got := status(gated); got != "unlocked" {
		t.Errorf("gated after unlock = %s", got)
	}

	f.now = f.now.Add(10 * time.Minute)
	if got := status(timed); got != "unlocked" {
		t.Errorf("timed after delay = %s", got)
	}

	f.pub.take()
	if err := s.DeleteUnlock(ctx, unlock.ID); err != nil {
		t.Fatal(err)
	}
	evs := f.pub.take()
	if len(evs) != 2 {
		t.Fatalf("events = %#v", evs)
	}
	del, ok := evs[0].(events.UnlockDeleted)
	if !ok || len(del.Answers) != 1 {
		t.Errorf("first event = %#v", evs[0])
	}
	if ch, ok := evs[1].(events.HintChanged); !ok || ch.New.ID != gated.ID || ch.New.StartAfter != 0 {
		t.Errorf("second event = %#v", evs[1])
	}
}

func TestHintDelayShortenedByHeadstart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.store

	finale, err := s.SaveEpisode(ctx, hunt.Episode{
		EventID:       f.event.ID,
		Name:          "Finale",
		StartDate:     f.now.Add(time.Hour),
		HeadstartFrom: []int64{f.episode.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	last, err := s.SavePuzzle(ctx, hunt.Puzzle{EpisodeID: finale.ID, Title: "Last"})
	if err != nil {
		t.Fatal(err)
	}
	hint, err := s.SaveHint(ctx, hunt.Hint{PuzzleID: last.ID, Text: "look closer", Delay: 10 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	// Red earns the first puzzle's minute of headstart; blue earns nothing.
	f.guess(t, f.alice, f.first, "answer")
	for _, team := range []hunt.Team{f.red, f.blue} {
		if _, err := s.TeamPuzzleData(ctx, last.ID, team.ID); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		team hunt.Team
		want time.Duration
	}{
		{f.red, 9 * time.Minute},
		{f.blue, 10 * time.Minute},
	}
	for _, tt := range tests {
		st, err := s.HintStatus(ctx, hint, tt.team.ID, f.now)
		if err != nil {
			t.Fatal(err)
		}
		if !st.Pending || st.Remaining != tt.want {
			t.Errorf("team %s: status = %+v, want pending %v", tt.team.Name, st, tt.want)
		}
	}

	f.now = f.now.Add(9 * time.Minute)
	st, err := s.HintStatus(ctx, hint, f.red.ID, f.now)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Unlocked {
		t.Errorf("red after 9m = %+v, want unlocked", st)
	}
}

func TestHintGateMustShareThePuzzle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	unlock, err := f.store.SaveUnlock(ctx, hunt.Unlock{PuzzleID: f.next.ID, Text: "elsewhere"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.store.SaveHint(ctx, hunt.Hint{PuzzleID: f.first.ID, Text: "x", StartAfter: unlock.ID})
	var verr *hunt.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestPuzzleData(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	d, err := f.store.TeamPuzzleData(ctx, f.first.ID, f.red.ID)
	if err != nil {
		t.Fatal(err)
	}
	d.Data["visits"] = 1
	if err := f.store.SaveTeamPuzzleData(ctx, d); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(time.Hour)
	again, err := f.store.TeamPuzzleData(ctx, f.first.ID, f.red.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !again.StartTime.Equal(d.StartTime) {
		t.Errorf("start moved from %v to %v", d.StartTime, again.StartTime)
	}
	if again.Data["visits"] != float64(1) {
		t.Errorf("data = %v", again.Data)
	}

	u, err := f.store.UserPuzzleData(ctx, f.first.ID, f.alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Data) != 0 {
		t.Errorf("new user data = %v, want empty", u.Data)
	}
	u.Data["note"] = "hi"
	if err := f.store.SaveUserPuzzleData(ctx, u); err != nil {
		t.Fatal(err)
	}
	u, _ = f.store.UserPuzzleData(ctx, f.first.ID, f.alice.ID)
	if u.Data["note"] != "hi" {
		t.Errorf("user data = %v", u.Data)
	}
}

func TestDirectory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	u, err := f.store.UserByToken(ctx, "tok-bob")
	if err != nil || u.ID != f.bob.ID {
		t.Fatalf("by token = %+v, %v", u, err)
	}
	if _, err := f.store.UserByToken(ctx, "nope"); !errors.Is(err, hunt.ErrNotFound) {
		t.Errorf("unknown token err = %v", err)
	}
	ev, err := f.store.CurrentEvent(ctx)
	if err != nil || ev.ID != f.event.ID {
		t.Errorf("current = %+v, %v", ev, err)
	}

	if err := f.store.AddAdmin(ctx, f.event.ID, f.bob.ID); err != nil {
		t.Fatal(err)
	}
	teams, err := f.store.TeamsProgress(ctx, f.event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(teams) != 2 || teams[0].Admin || !teams[1].Admin {
		t.Errorf("teams = %+v, want only blue flagged admin", teams)
	}

	// Admins see every puzzle.
	f.guess(t, f.bob, f.next, "peek")
}
