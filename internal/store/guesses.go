package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/playperu/hunt/internal/events"
	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/metrics"
	"github.com/playperu/hunt/internal/progress"
)

const guessColumns = `g.id, g.puzzle_id, g.user_id, g.team_id, g.guess, g.given,
	COALESCE(g.correct_for, 0), g.correct_current`

func scanGuess(sc interface{ Scan(...any) error }) (hunt.Guess, error) {
	var (
		g       hunt.Guess
		given   int64
		current int
	)
	err := sc.Scan(&g.ID, &g.PuzzleID, &g.UserID, &g.TeamID, &g.Text, &given, &g.CorrectFor, &current)
	g.Given = fromMS(given)
	g.CorrectCurrent = current != 0
	return g, err
}

func (s *Store) queryGuesses(ctx context.Context, where string, args ...any) ([]hunt.Guess, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+guessColumns+` FROM guesses g
		WHERE `+where+`
		ORDER BY g.given, g.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing guesses: %w", err)
	}
	defer rows.Close()

	var guesses []hunt.Guess
	for rows.Next() {
		g, err := scanGuess(rows)
		if err != nil {
			return nil, err
		}
		guesses = append(guesses, g)
	}
	return guesses, rows.Err()
}

// RecomputeCorrectness re-evaluates every guess on the puzzle against the
// live answers. Verdicts are computed before the write transaction opens and
// written in a short one that first checks the answers are unchanged; if
// they changed meanwhile the verdicts are recomputed inside it. Only rows
// whose cached answer changes, or whose cache is stale, are written. It
// joins the caller's transaction when there is one.
func (s *Store) RecomputeCorrectness(ctx context.Context, puzzleID int64) error {
	answers, err := s.Answers(ctx, puzzleID)
	if err != nil {
		return err
	}
	guesses, err := s.queryGuesses(ctx, "g.puzzle_id = ?", puzzleID)
	if err != nil {
		return err
	}
	verdicts := s.verdicts(ctx, answers, guesses)

	return s.InTx(ctx, func(ctx context.Context) error {
		current, err := s.Answers(ctx, puzzleID)
		if err != nil {
			return err
		}
		if !slices.Equal(current, answers) {
			s.logger.Debug("answers changed during recompute", "puzzle_id", puzzleID)
			verdicts = s.verdicts(ctx, current, guesses)
		}

		var changed int
		for i, g := range guesses {
			if verdicts[i] == g.CorrectFor && g.CorrectCurrent {
				continue
			}
			if _, err := s.q(ctx).ExecContext(ctx, `
				UPDATE guesses SET correct_for = ?, correct_current = 1 WHERE id = ?
			`, nullID(verdicts[i]), g.ID); err != nil {
				return fmt.Errorf("updating guess %d: %w", g.ID, err)
			}
			changed++
		}
		if changed > 0 {
			s.logger.Debug("recomputed correctness", "puzzle_id", puzzleID, "changed", changed, "guesses", len(guesses))
		}
		return nil
	})
}

func (s *Store) verdicts(ctx context.Context, answers []hunt.Answer, guesses []hunt.Guess) []int64 {
	out := make([]int64, len(guesses))
	for i, g := range guesses {
		out[i] = s.correctFor(ctx, answers, g.Text)
	}
	return out
}

// markStale flags every guess on the puzzle for recomputation.
func (s *Store) markStale(ctx context.Context, puzzleID int64) error {
	if _, err := s.q(ctx).ExecContext(ctx, `
		UPDATE guesses SET correct_current = 0 WHERE puzzle_id = ?
	`, puzzleID); err != nil {
		return fmt.Errorf("marking guesses stale: %w", err)
	}
	return nil
}

// correctFor returns the first live answer matching text, or 0.
func (s *Store) correctFor(ctx context.Context, answers []hunt.Answer, text string) int64 {
	for _, a := range answers {
		if s.eval.Matches(ctx, a.Runtime, a.Pattern, text) {
			return a.ID
		}
	}
	return 0
}

// refreshStale recomputes the puzzles of an event that have guesses with a
// stale correctness cache.
func (s *Store) refreshStale(ctx context.Context, eventID int64) error {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT DISTINCT g.puzzle_id FROM guesses g
		JOIN puzzles p ON p.id = g.puzzle_id
		JOIN episodes e ON e.id = p.episode_id
		WHERE e.event_id = ? AND g.correct_current = 0
	`, eventID)
	if err != nil {
		return fmt.Errorf("finding stale guesses: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, id)
	}
	if err := closeRows(rows); err != nil {
		return err
	}
	for _, puzzleID := range stale {
		if err := s.RecomputeCorrectness(ctx, puzzleID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) refreshPuzzle(ctx context.Context, puzzleID int64) error {
	var stale bool
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM guesses WHERE puzzle_id = ? AND correct_current = 0)
	`, puzzleID).Scan(&stale)
	if err != nil {
		return fmt.Errorf("checking stale guesses: %w", err)
	}
	if !stale {
		return nil
	}
	return s.RecomputeCorrectness(ctx, puzzleID)
}

// SubmitGuess records a guess after checking, in order, that the event is
// still running, that the user has a team, that the puzzle is unlocked for
// that team and that the user's cooldown on the puzzle has elapsed. The
// checks run once before the answers are evaluated and again in the write
// transaction.
func (s *Store) SubmitGuess(ctx context.Context, userID, puzzleID int64, text string) (hunt.Guess, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return hunt.Guess{}, hunt.Invalid("guess", "must not be empty")
	}

	now := s.now()
	if _, err := s.admitGuess(ctx, userID, puzzleID, now); err != nil {
		return hunt.Guess{}, err
	}
	answers, err := s.Answers(ctx, puzzleID)
	if err != nil {
		return hunt.Guess{}, err
	}
	correctFor := s.correctFor(ctx, answers, text)

	var g hunt.Guess
	err = s.InTx(ctx, func(ctx context.Context) error {
		teamID, err := s.admitGuess(ctx, userID, puzzleID, now)
		if err != nil {
			return err
		}
		current, err := s.Answers(ctx, puzzleID)
		if err != nil {
			return err
		}
		if !slices.Equal(current, answers) {
			correctFor = s.correctFor(ctx, current, text)
		}

		g = hunt.Guess{
			PuzzleID:       puzzleID,
			UserID:         userID,
			TeamID:         teamID,
			Text:           text,
			Given:          fromMS(ms(now)),
			CorrectFor:     correctFor,
			CorrectCurrent: true,
		}
		if err := s.q(ctx).QueryRowContext(ctx, `
			INSERT INTO guesses (puzzle_id, user_id, team_id, guess, given, correct_for, correct_current)
			VALUES (?, ?, ?, ?, ?, ?, 1)
			RETURNING id
		`, g.PuzzleID, g.UserID, g.TeamID, g.Text, ms(g.Given), nullID(g.CorrectFor)).Scan(&g.ID); err != nil {
			return fmt.Errorf("inserting guess: %w", err)
		}

		s.emit(ctx, events.GuessCreated{Guess: g})
		return nil
	})
	if err != nil {
		return hunt.Guess{}, err
	}
	metrics.ObserveGuess(g.Correct())
	return g, nil
}

// admitGuess runs the submission checks and returns the user's team.
func (s *Store) admitGuess(ctx context.Context, userID, puzzleID int64, now time.Time) (int64, error) {
	eventID, err := s.EventOfPuzzle(ctx, puzzleID)
	if err != nil {
		return 0, err
	}
	ev, err := s.Event(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if ev.Ended(now) {
		return 0, hunt.Conflict(hunt.ReasonEventOver, "the event ended at %s", ev.EndDate.Format(time.RFC3339))
	}

	teamID, err := s.TeamFor(ctx, userID, eventID)
	if errors.Is(err, hunt.ErrNotFound) {
		return 0, hunt.Conflict(hunt.ReasonNoTeam, "user %d is not on a team", userID)
	}
	if err != nil {
		return 0, err
	}

	team, err := s.Progress(ctx, eventID, userID)
	if err != nil {
		return 0, err
	}
	h, err := s.Hunt(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if !h.PuzzleUnlockedBy(puzzleID, team, now) {
		return 0, hunt.Conflict(hunt.ReasonPuzzleLocked, "puzzle %d is not unlocked", puzzleID)
	}

	var last sql.NullInt64
	if err := s.q(ctx).QueryRowContext(ctx, `
		SELECT MAX(given) FROM guesses WHERE user_id = ? AND puzzle_id = ?
	`, userID, puzzleID).Scan(&last); err != nil {
		return 0, fmt.Errorf("reading last guess: %w", err)
	}
	if last.Valid {
		if wait := s.cooldown - now.Sub(fromMS(last.Int64)); wait > 0 {
			return 0, &hunt.ConflictError{
				Reason:     hunt.ReasonCooldown,
				Message:    fmt.Sprintf("wait %s before guessing again", wait.Round(time.Millisecond)),
				RetryAfter: wait,
			}
		}
	}
	return teamID, nil
}

func (s *Store) Guess(ctx context.Context, id int64) (hunt.Guess, error) {
	g, err := scanGuess(s.q(ctx).QueryRowContext(ctx, `
		SELECT `+guessColumns+` FROM guesses g WHERE g.id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return g, hunt.NotFound("guess", id)
	}
	return g, err
}

// Guesses lists every guess on a puzzle, oldest first.
func (s *Store) Guesses(ctx context.Context, puzzleID int64) ([]hunt.Guess, error) {
	if err := s.refreshPuzzle(ctx, puzzleID); err != nil {
		return nil, err
	}
	return s.queryGuesses(ctx, "g.puzzle_id = ?", puzzleID)
}

// TeamGuesses lists a team's guesses on a puzzle given at or after since,
// oldest first. A zero since lists them all.
func (s *Store) TeamGuesses(ctx context.Context, puzzleID, teamID int64, since time.Time) ([]hunt.Guess, error) {
	if err := s.refreshPuzzle(ctx, puzzleID); err != nil {
		return nil, err
	}
	return s.queryGuesses(ctx, "g.puzzle_id = ? AND g.team_id = ? AND g.given >= ?", puzzleID, teamID, ms(since))
}

// AnsweredBy returns the team's correct guesses on the puzzle, earliest
// first. The puzzle is answered iff the list is not empty.
func (s *Store) AnsweredBy(ctx context.Context, puzzleID, teamID int64) ([]hunt.Guess, error) {
	if err := s.refreshPuzzle(ctx, puzzleID); err != nil {
		return nil, err
	}
	return s.queryGuesses(ctx, "g.puzzle_id = ? AND g.team_id = ? AND g.correct_for IS NOT NULL", puzzleID, teamID)
}

// Progress returns what the progress rules need to know about the user's
// team in an event. Event admins are flagged; a user without a team gets
// an empty team.
func (s *Store) Progress(ctx context.Context, eventID, userID int64) (progress.Team, error) {
	admin, err := s.IsAdmin(ctx, userID, eventID)
	if err != nil {
		return progress.Team{}, err
	}
	teamID, err := s.TeamFor(ctx, userID, eventID)
	if errors.Is(err, hunt.ErrNotFound) {
		return progress.Team{Admin: admin, Solved: map[int64]time.Time{}}, nil
	}
	if err != nil {
		return progress.Team{}, err
	}
	team, err := s.TeamProgress(ctx, eventID, teamID)
	team.Admin = admin
	return team, err
}

// TeamProgress returns the puzzles a team has answered in an event and when
// it first answered each.
func (s *Store) TeamProgress(ctx context.Context, eventID, teamID int64) (progress.Team, error) {
	teams, err := s.solved(ctx, eventID, "AND g.team_id = ?", teamID)
	if err != nil {
		return progress.Team{}, err
	}
	if t, ok := teams[teamID]; ok {
		return t, nil
	}
	return progress.Team{ID: teamID, Solved: map[int64]time.Time{}}, nil
}

// TeamsProgress returns the progress of every team in the event. Teams with
// an event admin among their members are flagged as admin teams.
func (s *Store) TeamsProgress(ctx context.Context, eventID int64) ([]progress.Team, error) {
	solved, err := s.solved(ctx, eventID, "")
	if err != nil {
		return nil, err
	}
	teams, err := s.Teams(ctx, eventID)
	if err != nil {
		return nil, err
	}
	adminTeams, err := s.adminTeams(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := make([]progress.Team, 0, len(teams))
	for _, t := range teams {
		p, ok := solved[t.ID]
		if !ok {
			p = progress.Team{ID: t.ID, Solved: map[int64]time.Time{}}
		}
		p.Admin = adminTeams[t.ID]
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) solved(ctx context.Context, eventID int64, filter string, args ...any) (map[int64]progress.Team, error) {
	if err := s.refreshStale(ctx, eventID); err != nil {
		return nil, err
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT g.team_id, g.puzzle_id, MIN(g.given) FROM guesses g
		JOIN puzzles p ON p.id = g.puzzle_id
		JOIN episodes e ON e.id = p.episode_id
		WHERE e.event_id = ? AND g.correct_for IS NOT NULL `+filter+`
		GROUP BY g.team_id, g.puzzle_id
	`, append([]any{eventID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("listing solved puzzles: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]progress.Team)
	for rows.Next() {
		var teamID, puzzleID, given int64
		if err := rows.Scan(&teamID, &puzzleID, &given); err != nil {
			return nil, err
		}
		t, ok := out[teamID]
		if !ok {
			t = progress.Team{ID: teamID, Solved: make(map[int64]time.Time)}
			out[teamID] = t
		}
		t.Solved[puzzleID] = fromMS(given)
	}
	return out, rows.Err()
}

// GuessDetails returns the submitter's name and, for a correct guess, where
// the team should go next: the following puzzle, or the episode's completion
// page once the episode is finished.
func (s *Store) GuessDetails(ctx context.Context, g hunt.Guess) (by, redirect string, err error) {
	user, err := s.User(ctx, g.UserID)
	if err != nil {
		return "", "", err
	}
	if !g.Correct() {
		return user.Name, "", nil
	}

	eventID, err := s.EventOfPuzzle(ctx, g.PuzzleID)
	if err != nil {
		return "", "", err
	}
	h, err := s.Hunt(ctx, eventID)
	if err != nil {
		return "", "", err
	}
	team, err := s.TeamProgress(ctx, eventID, g.TeamID)
	if err != nil {
		return "", "", err
	}
	pz, err := h.Puzzle(g.PuzzleID)
	if err != nil {
		return "", "", err
	}
	epN, _, err := h.Position(g.PuzzleID)
	if err != nil {
		return "", "", err
	}
	return user.Name, Redirect(h, pz.EpisodeID, epN, team), nil
}

// Redirect is the page a team is sent to after answering a puzzle of the
// episode at ordinal epN.
func Redirect(h *progress.Hunt, episodeID int64, epN int, team progress.Team) string {
	if h.EpisodeFinishedBy(episodeID, team) {
		return fmt.Sprintf("/hunt/ep/%d/complete", epN)
	}
	next, ok := h.NextPuzzle(episodeID, team)
	if !ok {
		return fmt.Sprintf("/hunt/ep/%d/", epN)
	}
	_, pzN, err := h.Position(next.ID)
	if err != nil {
		return fmt.Sprintf("/hunt/ep/%d/", epN)
	}
	return fmt.Sprintf("/hunt/ep/%d/pz/%d/", epN, pzN)
}
