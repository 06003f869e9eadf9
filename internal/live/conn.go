package live

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/metrics"
)

const (
	DefaultInboxSize    = 64
	DefaultRequestRate  = rate.Limit(5)
	DefaultRequestBurst = 10

	writeTimeout = 5 * time.Second
)

// Transport carries messages to and from one client.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg Message) error
	Close(reason string) error
}

type websocketTransport struct {
	ws *websocket.Conn
}

// NewWebsocketTransport speaks JSON text frames over an accepted websocket.
func NewWebsocketTransport(ws *websocket.Conn) Transport {
	return &websocketTransport{ws: ws}
}

func (t *websocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.ws.Read(ctx)
	return data, err
}

func (t *websocketTransport) Write(ctx context.Context, msg Message) error {
	return wsjson.Write(ctx, t.ws, msg)
}

func (t *websocketTransport) Close(reason string) error {
	return t.ws.Close(websocket.StatusNormalClosure, reason)
}

// Session identifies who is connected and to which puzzle.
type Session struct {
	UserID   int64
	TeamID   int64
	PuzzleID int64
}

// Inbox-only deliveries, produced by the connection itself.
type (
	clientRequest struct{ data []byte }
	readFailed    struct{ err error }
	hintDue       struct {
		hintID int64
		gen    uint64
	}
)

func (clientRequest) isDelivery() {}
func (readFailed) isDelivery()    {}
func (hintDue) isDelivery()       {}

type hintTimer struct {
	hint  hunt.Hint
	gen   uint64
	timer *time.Timer
}

var errClosed = errors.New("connection closed")

type ConnOption func(*Conn)

func WithRequestLimit(r rate.Limit, burst int) ConnOption {
	return func(c *Conn) { c.limiter = rate.NewLimiter(r, burst) }
}

func WithInboxSize(n int) ConnOption {
	return func(c *Conn) { c.inbox = make(chan delivery, n) }
}

// Conn is the actor behind one live connection. Everything it owns (hint
// timers, revealed hints) is touched only from Run's goroutine; hub
// deliveries, client requests and timer expiries all arrive through the
// inbox.
type Conn struct {
	id      string
	sess    Session
	t       Transport
	store   Store
	hub     *Hub
	logger  *slog.Logger
	inbox   chan delivery
	limiter *rate.Limiter

	connectedAt time.Time
	solved      bool
	gen         uint64
	timers      map[int64]*hintTimer
	revealed    map[int64]hunt.Hint
}

func NewConn(t Transport, sess Session, store Store, hub *Hub, logger *slog.Logger, opts ...ConnOption) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:       id,
		sess:     sess,
		t:        t,
		store:    store,
		hub:      hub,
		logger:   logger.With("conn_id", id, "puzzle_id", sess.PuzzleID, "team_id", sess.TeamID),
		inbox:    make(chan delivery, DefaultInboxSize),
		limiter:  rate.NewLimiter(DefaultRequestRate, DefaultRequestBurst),
		timers:   make(map[int64]*hintTimer),
		revealed: make(map[int64]hunt.Hint),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) deliver(d delivery) bool {
	select {
	case c.inbox <- d:
		return true
	default:
		return false
	}
}

// post queues a delivery from one of the connection's own goroutines.
func (c *Conn) post(ctx context.Context, d delivery) {
	select {
	case c.inbox <- d:
	case <-ctx.Done():
	}
}

// Run serves the connection until the client goes away or ctx is done.
// Hint timers are derived from durable state on entry and all stopped on
// return.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.LiveConnections.Inc()
	defer metrics.LiveConnections.Dec()

	c.connectedAt = c.store.Now()
	channels := []Channel{
		{PuzzleID: c.sess.PuzzleID, TeamID: c.sess.TeamID},
		{PuzzleID: c.sess.PuzzleID},
	}
	for _, ch := range channels {
		c.hub.subscribe(ch, c)
	}
	defer func() {
		for _, ch := range channels {
			c.hub.unsubscribe(ch, c)
		}
	}()
	defer c.stopTimers()

	c.logger.Debug("live connection opened")
	if err := c.deriveHints(ctx); err != nil {
		c.logger.Error("deriving hint timers", "error", err)
	}

	go c.readLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-c.inbox:
			err := c.handle(ctx, d)
			if errors.Is(err, errClosed) {
				c.logger.Debug("live connection closed")
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		data, err := c.t.Read(ctx)
		if err != nil {
			c.post(ctx, readFailed{err: err})
			return
		}
		c.post(ctx, clientRequest{data: data})
	}
}

func (c *Conn) handle(ctx context.Context, d delivery) error {
	switch d := d.(type) {
	case push:
		if err := c.write(ctx, d.msg); err != nil {
			return err
		}
		if d.solved {
			c.solved = true
			c.stopTimers()
		}
		switch d.msg.Type {
		case TypeNewUnlock, TypeChangeUnlock, TypeDeleteUnlock, TypeDeleteUnlockGuess:
			return c.refreshHints(ctx)
		}
		return nil
	case hintChanged:
		return c.updateHint(ctx, d.hint)
	case answersChanged:
		return c.refreshHints(ctx)
	case hintRemoved:
		c.cancelTimer(d.hint.ID)
		if _, ok := c.revealed[d.hint.ID]; !ok {
			return nil
		}
		delete(c.revealed, d.hint.ID)
		return c.write(ctx, Message{Type: TypeDeleteHint, Content: HintContent{HintID: d.hint.ID}})
	case hintDue:
		t, ok := c.timers[d.hintID]
		if !ok || t.gen != d.gen {
			return nil
		}
		delete(c.timers, d.hintID)
		return c.updateHint(ctx, t.hint)
	case teamMoved:
		if d.userID != c.sess.UserID {
			return nil
		}
		if err := c.t.Close("team changed"); err != nil {
			c.logger.Debug("closing after team change", "error", err)
		}
		return errClosed
	case clientRequest:
		return c.serve(ctx, d.data)
	case readFailed:
		c.logger.Debug("live connection read ended", "error", d.err)
		return errClosed
	default:
		c.logger.Warn("unknown delivery", "delivery", d)
		return nil
	}
}

func (c *Conn) write(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.t.Write(ctx, msg); err != nil {
		c.logger.Debug("live write failed", "type", msg.Type, "error", err)
		return errClosed
	}
	return nil
}

// deriveHints records which hints the team already sees and schedules the
// rest.
func (c *Conn) deriveHints(ctx context.Context) error {
	answered, err := c.store.AnsweredBy(ctx, c.sess.PuzzleID, c.sess.TeamID)
	if err != nil {
		return err
	}
	c.solved = len(answered) > 0

	hints, err := c.store.Hints(ctx, c.sess.PuzzleID)
	if err != nil {
		return err
	}
	now := c.store.Now()
	for _, h := range hints {
		st, err := c.store.HintStatus(ctx, h, c.sess.TeamID, now)
		if err != nil {
			return err
		}
		if st.Unlocked {
			c.revealed[h.ID] = h
		} else if st.Pending && !c.solved {
			c.schedule(ctx, h, st.Remaining)
		}
	}
	return nil
}

// refreshHints re-derives whether the team has solved the puzzle, then
// re-evaluates every hint. A team that lost its solve gets its timers back.
func (c *Conn) refreshHints(ctx context.Context) error {
	answered, err := c.store.AnsweredBy(ctx, c.sess.PuzzleID, c.sess.TeamID)
	if err != nil {
		c.logger.Error("checking solved state", "error", err)
		return nil
	}
	if c.solved = len(answered) > 0; c.solved {
		c.stopTimers()
	}

	hints, err := c.store.Hints(ctx, c.sess.PuzzleID)
	if err != nil {
		c.logger.Error("listing hints", "error", err)
		return nil
	}
	for _, h := range hints {
		if err := c.updateHint(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// updateHint re-evaluates one hint for the team: it is revealed if due,
// retracted if it no longer is, and otherwise rescheduled. Any timer for the
// previous version of the hint is cancelled first.
func (c *Conn) updateHint(ctx context.Context, h hunt.Hint) error {
	c.cancelTimer(h.ID)
	st, err := c.store.HintStatus(ctx, h, c.sess.TeamID, c.store.Now())
	if err != nil {
		c.logger.Error("evaluating hint", "hint_id", h.ID, "error", err)
		return nil
	}

	prev, shown := c.revealed[h.ID]
	switch {
	case st.Unlocked:
		c.revealed[h.ID] = h
		if !shown || prev != h {
			return c.write(ctx, hintMessage(h))
		}
	case shown:
		delete(c.revealed, h.ID)
		if err := c.write(ctx, Message{Type: TypeDeleteHint, Content: HintContent{HintID: h.ID}}); err != nil {
			return err
		}
	}
	if st.Pending && !c.solved {
		c.schedule(ctx, h, st.Remaining)
	}
	return nil
}

func (c *Conn) schedule(ctx context.Context, h hunt.Hint, after time.Duration) {
	c.cancelTimer(h.ID)
	c.gen++
	gen := c.gen
	c.timers[h.ID] = &hintTimer{
		hint: h,
		gen:  gen,
		timer: time.AfterFunc(after, func() {
			c.post(ctx, hintDue{hintID: h.ID, gen: gen})
		}),
	}
}

func (c *Conn) cancelTimer(hintID int64) {
	if t, ok := c.timers[hintID]; ok {
		t.timer.Stop()
		delete(c.timers, hintID)
	}
}

func (c *Conn) stopTimers() {
	for id := range c.timers {
		c.cancelTimer(id)
	}
}

func (c *Conn) serve(ctx context.Context, data []byte) error {
	if !c.limiter.Allow() {
		return c.write(ctx, errorMessage("", "too many requests, slow down"))
	}
	req, err := parseRequest(data)
	if err != nil {
		var rerr *requestError
		if errors.As(err, &rerr) {
			return c.write(ctx, errorMessage(rerr.Field, "%s", rerr.Message))
		}
		return c.write(ctx, errorMessage("", "invalid request"))
	}

	switch req.Type {
	case requestGuesses:
		return c.replayGuesses(ctx, req)
	case requestUnlocks:
		return c.replayUnlocks(ctx)
	}
	return nil
}

// replayGuesses sends the team's guesses given at or after the requested
// time. Guesses from before the connection opened are old_guess; later ones
// look exactly like live updates.
func (c *Conn) replayGuesses(ctx context.Context, req request) error {
	since := req.From
	if req.All {
		since = time.Time{}
	}
	guesses, err := c.store.TeamGuesses(ctx, c.sess.PuzzleID, c.sess.TeamID, since)
	if err != nil {
		c.logger.Error("replaying guesses", "error", err)
		return c.write(ctx, errorMessage("", "could not load guesses"))
	}
	for _, g := range guesses {
		by, redirect, err := c.store.GuessDetails(ctx, g)
		if err != nil {
			c.logger.Error("loading guess details", "guess_id", g.ID, "error", err)
			continue
		}
		typ := TypeNewGuess
		if g.Given.Before(c.connectedAt) {
			typ = TypeOldGuess
		}
		if err := c.write(ctx, guessMessage(typ, g, by, redirect)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) replayUnlocks(ctx context.Context) error {
	unlocks, err := c.store.TeamUnlocks(ctx, c.sess.PuzzleID, c.sess.TeamID)
	if err != nil {
		c.logger.Error("replaying unlocks", "error", err)
		return c.write(ctx, errorMessage("", "could not load unlocks"))
	}
	for _, tu := range unlocks {
		for _, g := range tu.Guesses {
			if err := c.write(ctx, unlockMessage(TypeOldUnlock, tu.Unlock, g.Text)); err != nil {
				return err
			}
		}
	}
	return nil
}
