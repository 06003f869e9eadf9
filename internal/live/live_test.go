package live

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playperu/hunt/internal/database"
	"github.com/playperu/hunt/internal/events"
	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/migrations"
	"github.com/playperu/hunt/internal/runtimes"
	"github.com/playperu/hunt/internal/sandbox"
	"github.com/playperu/hunt/internal/store"
)

const (
	waitFor = 2 * time.Second
	quiet   = 150 * time.Millisecond
)

type fakeTransport struct {
	in     chan []byte
	out    chan Message
	closed chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte),
		out:    make(chan Message, 64),
		closed: make(chan string, 1),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, msg Message) error {
	select {
	case t.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close(reason string) error {
	t.closed <- reason
	return nil
}

func (t *fakeTransport) send(tb testing.TB, raw string) {
	tb.Helper()
	select {
	case t.in <- []byte(raw):
	case <-time.After(waitFor):
		tb.Fatalf("connection did not read %s", raw)
	}
}

func (t *fakeTransport) next(tb testing.TB) Message {
	tb.Helper()
	select {
	case m := <-t.out:
		return m
	case <-time.After(waitFor):
		tb.Fatal("no message received")
		return Message{}
	}
}

func (t *fakeTransport) silent(tb testing.TB) {
	tb.Helper()
	select {
	case m := <-t.out:
		tb.Fatalf("unexpected message %+v", m)
	case <-time.After(quiet):
	}
}

// trackedBus is a local bus that counts events not yet handled by the
// dispatcher, so tests can wait for earlier mutations to settle.
type trackedBus struct {
	*events.LocalBus
	pending atomic.Int64
}

func (b *trackedBus) Publish(ctx context.Context, evs ...events.Event) error {
	b.pending.Add(int64(len(evs)))
	return b.LocalBus.Publish(ctx, evs...)
}

func (b *trackedBus) serve(ctx context.Context, d *Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.Events():
			d.Handle(ctx, ev)
			b.pending.Add(-1)
		}
	}
}

// env is a running event with red (alice) and blue (bob) on a one-puzzle
// episode whose answer is "answer". Events flow from the store through a
// local bus into a running dispatcher.
type env struct {
	store      *store.Store
	hub        *Hub
	bus        *trackedBus
	event      hunt.Event
	red, blue  hunt.Team
	alice, bob hunt.User
	puzzle     hunt.Puzzle
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := database.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = migrations.Run(ctx, db)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	sb := sandbox.New(sandbox.Limits{Instructions: 100000, Memory: 16 << 20, Timeout: time.Second})
	t.Cleanup(sb.Close)

	bus := &trackedBus{LocalBus: events.NewLocalBus(logger, 0)}
	s := store.New(db, bus, runtimes.New(sb, logger), logger, store.WithCooldown(0))
	e := &env{store: s, hub: NewHub(logger), bus: bus}

	e.event, err = s.CreateEvent(ctx, hunt.Event{Name: "Live", Current: true})
	require.NoError(t, err)
	e.red, err = s.CreateTeam(ctx, e.event.ID, "red")
	require.NoError(t, err)
	e.blue, err = s.CreateTeam(ctx, e.event.ID, "blue")
	require.NoError(t, err)
	e.alice, err = s.CreateUser(ctx, "alice", "")
	require.NoError(t, err)
	e.bob, err = s.CreateUser(ctx, "bob", "")
	require.NoError(t, err)
	require.NoError(t, s.MoveUser(ctx, e.alice.ID, e.event.ID, e.red.ID))
	require.NoError(t, s.MoveUser(ctx, e.bob.ID, e.event.ID, e.blue.ID))
	ep, err := s.SaveEpisode(ctx, hunt.Episode{EventID: e.event.ID, Name: "One", StartDate: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	e.puzzle, err = s.SavePuzzle(ctx, hunt.Puzzle{EpisodeID: ep.ID, Title: "Only"})
	require.NoError(t, err)
	_, err = s.SaveAnswer(ctx, hunt.Answer{PuzzleID: e.puzzle.ID, Runtime: hunt.RuntimeStatic, Pattern: "answer"})
	require.NoError(t, err)

	go bus.serve(ctx, NewDispatcher(s, e.hub, logger))
	return e
}

// settle waits until the dispatcher has handled every published event.
func (e *env) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return e.bus.pending.Load() == 0 }, waitFor, 5*time.Millisecond)
}

// connect opens a live connection for the user's team and waits until it
// listens on its channels.
func (e *env) connect(t *testing.T, user hunt.User, team hunt.Team) (*fakeTransport, <-chan error) {
	t.Helper()
	return e.connectTo(t, user, team, e.puzzle.ID)
}

func (e *env) connectTo(t *testing.T, user hunt.User, team hunt.Team, puzzleID int64) (*fakeTransport, <-chan error) {
	t.Helper()
	e.settle(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ft := newFakeTransport()
	c := NewConn(ft, Session{UserID: user.ID, TeamID: team.ID, PuzzleID: puzzleID}, e.store, e.hub, slog.New(slog.DiscardHandler))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ch := Channel{PuzzleID: puzzleID, TeamID: team.ID}
	before := e.hub.Subscribers(ch)
	require.Eventually(t, func() bool { return e.hub.Subscribers(ch) > before }, waitFor, 5*time.Millisecond)
	return ft, done
}

func (e *env) guess(t *testing.T, user hunt.User, text string) hunt.Guess {
	t.Helper()
	g, err := e.store.SubmitGuess(context.Background(), user.ID, e.puzzle.ID, text)
	require.NoError(t, err)
	return g
}

func TestGuessReachesOnlyTheTeam(t *testing.T) {
	e := setup(t)
	red, _ := e.connect(t, e.alice, e.red)
	blue, _ := e.connect(t, e.bob, e.blue)

	g := e.guess(t, e.alice, "answer")

	msg := red.next(t)
	require.Equal(t, TypeNewGuess, msg.Type)
	content := msg.Content.(GuessContent)
	assert.Equal(t, g.ID, content.ID)
	assert.True(t, content.Correct)
	assert.Equal(t, "alice", content.By)
	assert.Equal(t, "/hunt/ep/1/complete", content.Redirect)

	blue.silent(t)
}

func TestUnlockLifecycle(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	s := e.store

	unlock, err := s.SaveUnlock(ctx, hunt.Unlock{PuzzleID: e.puzzle.ID, Text: "warmer"})
	require.NoError(t, err)
	warm, err := s.SaveUnlockAnswer(ctx, hunt.UnlockAnswer{UnlockID: unlock.ID, Runtime: hunt.RuntimeStatic, Pattern: "warm"})
	require.NoError(t, err)

	red, _ := e.connect(t, e.alice, e.red)

	e.guess(t, e.alice, "warm")
	assert.Equal(t, TypeNewGuess, red.next(t).Type)
	msg := red.next(t)
	require.Equal(t, TypeNewUnlock, msg.Type)
	assert.Equal(t, UnlockContent{UnlockID: unlock.ID, Unlock: "warmer", Guess: "warm"}, msg.Content)

	unlock.Text = "much warmer"
	_, err = s.SaveUnlock(ctx, unlock)
	require.NoError(t, err)
	msg = red.next(t)
	require.Equal(t, TypeChangeUnlock, msg.Type)
	assert.Equal(t, "much warmer", msg.Content.(UnlockContent).Unlock)

	_, err = s.SaveUnlockAnswer(ctx, hunt.UnlockAnswer{UnlockID: unlock.ID, Runtime: hunt.RuntimeRegex, Pattern: "hot+"})
	require.NoError(t, err)
	red.silent(t)

	e.guess(t, e.alice, "hottt")
	assert.Equal(t, TypeNewGuess, red.next(t).Type)
	assert.Equal(t, TypeNewUnlock, red.next(t).Type)

	// "warm" no longer reveals the unlock, but "hottt" still does.
	require.NoError(t, s.DeleteUnlockAnswer(ctx, warm.ID))
	msg = red.next(t)
	require.Equal(t, TypeDeleteUnlockGuess, msg.Type)
	assert.Equal(t, "warm", msg.Content.(UnlockContent).Guess)

	require.NoError(t, s.DeleteUnlock(ctx, unlock.ID))
	msg = red.next(t)
	require.Equal(t, TypeDeleteUnlock, msg.Type)
	assert.Equal(t, unlock.ID, msg.Content.(UnlockContent).UnlockID)
}

func TestUnlockMovedToAnotherPuzzle(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	s := e.store

	first, err := s.Episode(ctx, e.puzzle.EpisodeID)
	require.NoError(t, err)
	side, err := s.SaveEpisode(ctx, hunt.Episode{EventID: e.event.ID, Name: "Side", StartDate: first.StartDate, Parallel: true})
	require.NoError(t, err)
	other, err := s.SavePuzzle(ctx, hunt.Puzzle{EpisodeID: side.ID, Title: "Other"})
	require.NoError(t, err)

	unlock, err := s.SaveUnlock(ctx, hunt.Unlock{PuzzleID: e.puzzle.ID, Text: "warmer"})
	require.NoError(t, err)
	_, err = s.SaveUnlockAnswer(ctx, hunt.UnlockAnswer{UnlockID: unlock.ID, Runtime: hunt.RuntimeStatic, Pattern: "warm"})
	require.NoError(t, err)

	// Red reveals the unlock twice on each puzzle; blue only on the new one.
	for _, p := range []int64{e.puzzle.ID, other.ID} {
		for _, text := range []string{"warm", "WARM"} {
			_, err := s.SubmitGuess(ctx, e.alice.ID, p, text)
			require.NoError(t, err)
		}
	}
	_, err = s.SubmitGuess(ctx, e.bob.ID, other.ID, "warm")
	require.NoError(t, err)

	redOld, _ := e.connect(t, e.alice, e.red)
	redNew, _ := e.connectTo(t, e.alice, e.red, other.ID)
	blueOld, _ := e.connect(t, e.bob, e.blue)
	blueNew, _ := e.connectTo(t, e.bob, e.blue, other.ID)

	unlock.PuzzleID = other.ID
	_, err = s.SaveUnlock(ctx, unlock)
	require.NoError(t, err)

	msg := redOld.next(t)
	require.Equal(t, TypeDeleteUnlock, msg.Type)
	assert.Equal(t, unlock.ID, msg.Content.(UnlockContent).UnlockID)
	redOld.silent(t)

	msg = redNew.next(t)
	require.Equal(t, TypeNewUnlock, msg.Type)
	assert.Equal(t, UnlockContent{UnlockID: unlock.ID, Unlock: "warmer", Guess: "warm"}, msg.Content)
	redNew.silent(t)

	assert.Equal(t, TypeNewUnlock, blueNew.next(t).Type)
	blueNew.silent(t)
	blueOld.silent(t)
}

func TestHintTimerFires(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.store.TeamPuzzleData(ctx, e.puzzle.ID, e.red.ID)
	require.NoError(t, err)
	hint, err := e.store.SaveHint(ctx, hunt.Hint{PuzzleID: e.puzzle.ID, Text: "look closer", Delay: 300 * time.Millisecond})
	require.NoError(t, err)

	red, _ := e.connect(t, e.alice, e.red)
	msg := red.next(t)
	require.Equal(t, TypeNewHint, msg.Type)
	assert.Equal(t, hint.ID, msg.Content.(HintContent).HintID)
	assert.Equal(t, "look closer", msg.Content.(HintContent).Hint)
}

func TestHintEdits(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	data, err := e.store.TeamPuzzleData(ctx, e.puzzle.ID, e.red.ID)
	require.NoError(t, err)
	hint, err := e.store.SaveHint(ctx, hunt.Hint{PuzzleID: e.puzzle.ID, Text: "later", Delay: time.Hour})
	require.NoError(t, err)

	red, _ := e.connect(t, e.alice, e.red)
	red.silent(t)

	// Due now: revealed at once.
	hint.Delay = 0
	_, err = e.store.SaveHint(ctx, hint)
	require.NoError(t, err)
	assert.Equal(t, TypeNewHint, red.next(t).Type)

	// Back in the future: retracted.
	hint.Delay = time.Hour
	_, err = e.store.SaveHint(ctx, hint)
	require.NoError(t, err)
	assert.Equal(t, TypeDeleteHint, red.next(t).Type)

	// A shorter delay replaces the pending timer.
	hint.Delay = time.Since(data.StartTime).Truncate(time.Millisecond) + 300*time.Millisecond
	_, err = e.store.SaveHint(ctx, hint)
	require.NoError(t, err)
	red.silent(t)
	assert.Equal(t, TypeNewHint, red.next(t).Type)

	require.NoError(t, e.store.DeleteHint(ctx, hint.ID))
	assert.Equal(t, TypeDeleteHint, red.next(t).Type)
}

func TestDeletedHintNeverFires(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.store.TeamPuzzleData(ctx, e.puzzle.ID, e.red.ID)
	require.NoError(t, err)
	hint, err := e.store.SaveHint(ctx, hunt.Hint{PuzzleID: e.puzzle.ID, Text: "soon", Delay: 400 * time.Millisecond})
	require.NoError(t, err)

	red, _ := e.connect(t, e.alice, e.red)
	require.NoError(t, e.store.DeleteHint(ctx, hint.ID))

	select {
	case m := <-red.out:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestSolvingCancelsHintTimers(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.store.TeamPuzzleData(ctx, e.puzzle.ID, e.red.ID)
	require.NoError(t, err)
	_, err = e.store.SaveHint(ctx, hunt.Hint{PuzzleID: e.puzzle.ID, Text: "too late", Delay: 400 * time.Millisecond})
	require.NoError(t, err)

	red, _ := e.connect(t, e.alice, e.red)
	e.guess(t, e.alice, "answer")
	assert.Equal(t, TypeNewGuess, red.next(t).Type)

	select {
	case m := <-red.out:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestRetractedSolveRestoresHintTimers(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.store.TeamPuzzleData(ctx, e.puzzle.ID, e.red.ID)
	require.NoError(t, err)
	hint, err := e.store.SaveHint(ctx, hunt.Hint{PuzzleID: e.puzzle.ID, Text: "still stuck?", Delay: 600 * time.Millisecond})
	require.NoError(t, err)

	red, _ := e.connect(t, e.alice, e.red)
	e.guess(t, e.alice, "answer")
	assert.Equal(t, TypeNewGuess, red.next(t).Type)

	answers, err := e.store.Answers(ctx, e.puzzle.ID)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.NoError(t, e.store.DeleteAnswer(ctx, answers[0].ID))

	msg := red.next(t)
	require.Equal(t, TypeNewHint, msg.Type)
	assert.Equal(t, hint.ID, msg.Content.(HintContent).HintID)
}

func TestGatedHintFollowsUnlock(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	s := e.store

	unlock, err := s.SaveUnlock(ctx, hunt.Unlock{PuzzleID: e.puzzle.ID, Text: "warmer"})
	require.NoError(t, err)
	_, err = s.SaveUnlockAnswer(ctx, hunt.UnlockAnswer{UnlockID: unlock.ID, Runtime: hunt.RuntimeStatic, Pattern: "warm"})
	require.NoError(t, err)
	hint, err := s.SaveHint(ctx, hunt.Hint{PuzzleID: e.puzzle.ID, Text: "after warm", StartAfter: unlock.ID})
	require.NoError(t, err)

	red, _ := e.connect(t, e.alice, e.red)
	e.guess(t, e.alice, "warm")

	assert.Equal(t, TypeNewGuess, red.next(t).Type)
	assert.Equal(t, TypeNewUnlock, red.next(t).Type)
	msg := red.next(t)
	require.Equal(t, TypeNewHint, msg.Type)
	assert.Equal(t, hint.ID, msg.Content.(HintContent).HintID)
}

func TestReplay(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	unlock, err := e.store.SaveUnlock(ctx, hunt.Unlock{PuzzleID: e.puzzle.ID, Text: "warmer"})
	require.NoError(t, err)
	_, err = e.store.SaveUnlockAnswer(ctx, hunt.UnlockAnswer{UnlockID: unlock.ID, Runtime: hunt.RuntimeStatic, Pattern: "warm"})
	require.NoError(t, err)

	first := e.guess(t, e.alice, "warm")
	e.guess(t, e.bob, "blue guess")
	time.Sleep(5 * time.Millisecond)

	red, _ := e.connect(t, e.alice, e.red)

	red.send(t, `{"type":"guesses-plz","from":"all"}`)
	msg := red.next(t)
	require.Equal(t, TypeOldGuess, msg.Type)
	assert.Equal(t, first.ID, msg.Content.(GuessContent).ID)
	red.silent(t)

	time.Sleep(5 * time.Millisecond)
	later := e.guess(t, e.alice, "later")
	assert.Equal(t, TypeNewGuess, red.next(t).Type)
	red.send(t, `{"type":"guesses-plz","from":`+strconv.FormatInt(later.Given.UnixMilli(), 10)+`}`)
	msg = red.next(t)
	require.Equal(t, TypeNewGuess, msg.Type)
	assert.Equal(t, later.ID, msg.Content.(GuessContent).ID)

	red.send(t, `{"type":"unlocks-plz"}`)
	msg = red.next(t)
	require.Equal(t, TypeOldUnlock, msg.Type)
	assert.Equal(t, UnlockContent{UnlockID: unlock.ID, Unlock: "warmer", Guess: "warm"}, msg.Content)
}

func TestMalformedRequestsKeepTheConnection(t *testing.T) {
	e := setup(t)
	red, done := e.connect(t, e.alice, e.red)

	tests := []struct {
		raw   string
		field string
	}{
		{`not json`, ""},
		{`{}`, "type"},
		{`{"type":"gimme"}`, "type"},
		{`{"type":"guesses-plz"}`, "from"},
		{`{"type":"guesses-plz","from":"yesterday"}`, "from"},
	}
	for _, tt := range tests {
		red.send(t, tt.raw)
		msg := red.next(t)
		require.Equal(t, TypeError, msg.Type, tt.raw)
		assert.Equal(t, tt.field, msg.Content.(ErrorContent).Field, tt.raw)
	}

	select {
	case err := <-done:
		t.Fatalf("connection ended: %v", err)
	default:
	}
}

func TestTeamMoveClosesConnection(t *testing.T) {
	e := setup(t)
	_, done := e.connect(t, e.alice, e.red)
	blue, blueDone := e.connect(t, e.bob, e.blue)

	require.NoError(t, e.store.MoveUser(context.Background(), e.alice.ID, e.event.ID, e.blue.ID))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("connection was not closed")
	}
	select {
	case <-blueDone:
		t.Fatal("bob's connection closed")
	case <-blue.closed:
		t.Fatal("bob's connection closed")
	default:
	}
}

func TestRequestRateLimit(t *testing.T) {
	e := setup(t)
	ft := newFakeTransport()
	c := NewConn(ft, Session{UserID: e.alice.ID, TeamID: e.red.ID, PuzzleID: e.puzzle.ID}, e.store, e.hub,
		slog.New(slog.DiscardHandler), WithRequestLimit(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ft.send(t, `{"type":"unlocks-plz"}`)
	ft.send(t, `{"type":"unlocks-plz"}`)
	msg := ft.next(t)
	require.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Content.(ErrorContent).Error, "too many requests")
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		raw  string
		want request
		err  string
	}{
		{`{"type":"unlocks-plz"}`, request{Type: requestUnlocks}, ""},
		{`{"type":"guesses-plz","from":"all"}`, request{Type: requestGuesses, All: true}, ""},
		{`{"type":"guesses-plz","from":1700000000000}`, request{Type: requestGuesses, From: time.UnixMilli(1700000000000).UTC()}, ""},
		{`{"type":"guesses-plz","from":"1700000000000"}`, request{Type: requestGuesses, From: time.UnixMilli(1700000000000).UTC()}, ""},
		{`{"type":"guesses-plz","from":null}`, request{}, "from"},
		{`[]`, request{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseRequest([]byte(tt.raw))
			if tt.want.Type == "" {
				var rerr *requestError
				require.True(t, errors.As(err, &rerr))
				assert.Equal(t, tt.err, rerr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatcherRunStopsWhenSourceCloses(t *testing.T) {
	d := NewDispatcher(nil, NewHub(slog.New(slog.DiscardHandler)), slog.New(slog.DiscardHandler))
	src := make(chan events.Event)
	close(src)
	assert.NoError(t, d.Run(context.Background(), src))
}

type countingSubscriber struct{ got []delivery }

func (s *countingSubscriber) deliver(d delivery) bool {
	if len(s.got) == 1 {
		return false
	}
	s.got = append(s.got, d)
	return true
}

func TestHubDropsWhenInboxFull(t *testing.T) {
	h := NewHub(slog.New(slog.DiscardHandler))
	sub := &countingSubscriber{}
	ch := Channel{PuzzleID: 1, TeamID: 2}
	h.subscribe(ch, sub)
	h.subscribe(Channel{PuzzleID: 1}, sub)

	assert.Equal(t, 1, h.send(ch, push{}))
	assert.Equal(t, 0, h.send(ch, push{}))
	assert.Equal(t, 0, h.send(Channel{PuzzleID: 9}, push{}))

	h.unsubscribe(ch, sub)
	assert.Zero(t, h.Subscribers(ch))
	assert.Equal(t, 1, h.Subscribers(Channel{PuzzleID: 1}))
}
