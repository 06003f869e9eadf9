// Package store persists the hunt in SQLite and keeps the guess correctness
// cache consistent with the live answer set. Mutations run in transactions;
// the domain events they emit are published only after commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/playperu/hunt/internal/events"
	"github.com/playperu/hunt/internal/hunt"
)

// Evaluator decides whether a guess matches a pattern and validates
// patterns and content before they are saved.
type Evaluator interface {
	Matches(ctx context.Context, kind hunt.RuntimeKind, pattern, guess string) bool
	Validate(kind hunt.RuntimeKind, pattern string) error
	ValidateContent(kind hunt.RuntimeKind, content string) error
}

// DefaultCooldown is the minimum time between a user's guesses on a puzzle.
const DefaultCooldown = 5 * time.Second

type Option func(*Store)

func WithCooldown(d time.Duration) Option {
	return func(s *Store) { s.cooldown = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	db       *sql.DB
	pub      events.Publisher
	eval     Evaluator
	logger   *slog.Logger
	cooldown time.Duration
	now      func() time.Time

	commitMu sync.Mutex
	hunts    singleflight.Group
}

func New(db *sql.DB, pub events.Publisher, eval Evaluator, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		db:       db,
		pub:      pub,
		eval:     eval,
		logger:   logger,
		cooldown: DefaultCooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now is the store's clock.
func (s *Store) Now() time.Time { return s.now() }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type txState struct {
	tx     *sql.Tx
	events []events.Event
}

func txFrom(ctx context.Context) (*txState, bool) {
	st, ok := ctx.Value(txKey{}).(*txState)
	return st, ok
}

// q returns the transaction carried by ctx, or the database.
func (s *Store) q(ctx context.Context) querier {
	if st, ok := txFrom(ctx); ok {
		return st.tx
	}
	return s.db
}

// InTx runs fn in a transaction carried by the context passed to it. A call
// made with a context that already carries a transaction joins it. Events
// emitted inside fn are published after commit, in commit order.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	st := &txState{tx: tx}
	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		return err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	s.publish(ctx, st.events)
	return nil
}

// emit queues events on the surrounding transaction, or publishes them
// right away when there is none.
func (s *Store) emit(ctx context.Context, evs ...events.Event) {
	if st, ok := txFrom(ctx); ok {
		st.events = append(st.events, evs...)
		return
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.publish(ctx, evs)
}

// publish must be called with commitMu held. The write has already
// committed, so failures are logged and dropped.
func (s *Store) publish(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 || s.pub == nil {
		return
	}
	if err := s.pub.Publish(context.WithoutCancel(ctx), evs...); err != nil {
		s.logger.Error("publishing events", "count", len(evs), "error", err)
	}
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
