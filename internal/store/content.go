package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/progress"
)

func (s *Store) Answers(ctx context.Context, puzzleID int64) ([]hunt.Answer, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, puzzle_id, runtime, pattern FROM answers
		WHERE puzzle_id = ? ORDER BY id
	`, puzzleID)
	if err != nil {
		return nil, fmt.Errorf("listing answers: %w", err)
	}
	defer rows.Close()

	var answers []hunt.Answer
	for rows.Next() {
		var a hunt.Answer
		if err := rows.Scan(&a.ID, &a.PuzzleID, &a.Runtime, &a.Pattern); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (s *Store) Answer(ctx context.Context, id int64) (hunt.Answer, error) {
	var a hunt.Answer
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, puzzle_id, runtime, pattern FROM answers WHERE id = ?
	`, id).Scan(&a.ID, &a.PuzzleID, &a.Runtime, &a.Pattern)
	if errors.Is(err, sql.ErrNoRows) {
		return a, hunt.NotFound("answer", id)
	}
	return a, err
}

func (s *Store) Unlocks(ctx context.Context, puzzleID int64) ([]hunt.Unlock, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, puzzle_id, text FROM unlocks WHERE puzzle_id = ? ORDER BY id
	`, puzzleID)
	if err != nil {
		return nil, fmt.Errorf("listing unlocks: %w", err)
	}
	defer rows.Close()

	var unlocks []hunt.Unlock
	for rows.Next() {
		var u hunt.Unlock
		if err := rows.Scan(&u.ID, &u.PuzzleID, &u.Text); err != nil {
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return unlocks, rows.Err()
}

func (s *Store) Unlock(ctx context.Context, id int64) (hunt.Unlock, error) {
	var u hunt.Unlock
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, puzzle_id, text FROM unlocks WHERE id = ?
	`, id).Scan(&u.ID, &u.PuzzleID, &u.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return u, hunt.NotFound("unlock", id)
	}
	return u, err
}

// UnlockAnswers lists the answers of one unlock.
func (s *Store) UnlockAnswers(ctx context.Context, unlockID int64) ([]hunt.UnlockAnswer, error) {
	return s.queryUnlockAnswers(ctx, "unlock_id = ?", unlockID)
}

// PuzzleUnlockAnswers lists the answers of every unlock on a puzzle, keyed by
// unlock id.
func (s *Store) PuzzleUnlockAnswers(ctx context.Context, puzzleID int64) (map[int64][]hunt.UnlockAnswer, error) {
	answers, err := s.queryUnlockAnswers(ctx, "unlock_id IN (SELECT id FROM unlocks WHERE puzzle_id = ?)", puzzleID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]hunt.UnlockAnswer)
	for _, a := range answers {
		out[a.UnlockID] = append(out[a.UnlockID], a)
	}
	return out, nil
}

func (s *Store) queryUnlockAnswers(ctx context.Context, where string, args ...any) ([]hunt.UnlockAnswer, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, unlock_id, runtime, pattern FROM unlock_answers
		WHERE `+where+` ORDER BY id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing unlock answers: %w", err)
	}
	defer rows.Close()

	var answers []hunt.UnlockAnswer
	for rows.Next() {
		var a hunt.UnlockAnswer
		if err := rows.Scan(&a.ID, &a.UnlockID, &a.Runtime, &a.Pattern); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (s *Store) UnlockAnswer(ctx context.Context, id int64) (hunt.UnlockAnswer, error) {
	var a hunt.UnlockAnswer
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, unlock_id, runtime, pattern FROM unlock_answers WHERE id = ?
	`, id).Scan(&a.ID, &a.UnlockID, &a.Runtime, &a.Pattern)
	if errors.Is(err, sql.ErrNoRows) {
		return a, hunt.NotFound("unlock answer", id)
	}
	return a, err
}

// MatchesAny reports whether text matches at least one of the unlock answers.
func (s *Store) MatchesAny(ctx context.Context, answers []hunt.UnlockAnswer, text string) bool {
	for _, a := range answers {
		if s.eval.Matches(ctx, a.Runtime, a.Pattern, text) {
			return true
		}
	}
	return false
}

// MatchingGuesses groups by team the guesses on a puzzle that match at least
// one of the given unlock answers, earliest first.
func (s *Store) MatchingGuesses(ctx context.Context, puzzleID int64, answers []hunt.UnlockAnswer) (map[int64][]hunt.Guess, error) {
	out := make(map[int64][]hunt.Guess)
	if len(answers) == 0 {
		return out, nil
	}
	guesses, err := s.queryGuesses(ctx, "g.puzzle_id = ?", puzzleID)
	if err != nil {
		return nil, err
	}
	for _, g := range guesses {
		if s.MatchesAny(ctx, answers, g.Text) {
			out[g.TeamID] = append(out[g.TeamID], g)
		}
	}
	return out, nil
}

// TeamUnlocks returns the unlocks on a puzzle that the team has revealed,
// each with the team guesses that matched it.
func (s *Store) TeamUnlocks(ctx context.Context, puzzleID, teamID int64) ([]hunt.TeamUnlock, error) {
	unlocks, err := s.Unlocks(ctx, puzzleID)
	if err != nil {
		return nil, err
	}
	if len(unlocks) == 0 {
		return nil, nil
	}
	answers, err := s.PuzzleUnlockAnswers(ctx, puzzleID)
	if err != nil {
		return nil, err
	}
	guesses, err := s.queryGuesses(ctx, "g.puzzle_id = ? AND g.team_id = ?", puzzleID, teamID)
	if err != nil {
		return nil, err
	}

	var out []hunt.TeamUnlock
	for _, u := range unlocks {
		var matched []hunt.Guess
		for _, g := range guesses {
			if s.MatchesAny(ctx, answers[u.ID], g.Text) {
				matched = append(matched, g)
			}
		}
		if len(matched) > 0 {
			out = append(out, hunt.TeamUnlock{Unlock: u, Guesses: matched})
		}
	}
	return out, nil
}

func scanHint(sc interface{ Scan(...any) error }) (hunt.Hint, error) {
	var (
		h          hunt.Hint
		delay      int64
		startAfter sql.NullInt64
	)
	err := sc.Scan(&h.ID, &h.PuzzleID, &h.Text, &delay, &startAfter)
	h.Delay = time.Duration(delay) * time.Millisecond
	h.StartAfter = startAfter.Int64
	return h, err
}

func (s *Store) Hints(ctx context.Context, puzzleID int64) ([]hunt.Hint, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, puzzle_id, text, delay_ms, start_after FROM hints
		WHERE puzzle_id = ? ORDER BY delay_ms, id
	`, puzzleID)
	if err != nil {
		return nil, fmt.Errorf("listing hints: %w", err)
	}
	defer rows.Close()

	var hints []hunt.Hint
	for rows.Next() {
		h, err := scanHint(rows)
		if err != nil {
			return nil, err
		}
		hints = append(hints, h)
	}
	return hints, rows.Err()
}

func (s *Store) Hint(ctx context.Context, id int64) (hunt.Hint, error) {
	h, err := scanHint(s.q(ctx).QueryRowContext(ctx, `
		SELECT id, puzzle_id, text, delay_ms, start_after FROM hints WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return h, hunt.NotFound("hint", id)
	}
	return h, err
}

// HintStatus evaluates a hint for a team at now. The delay runs from the
// team's first view of the puzzle or, for a hint gated on an unlock, from the
// team's earliest guess revealing that unlock, and is shortened by the
// headstart applied to the puzzle's episode. It never creates the team's
// puzzle data.
func (s *Store) HintStatus(ctx context.Context, h hunt.Hint, teamID int64, now time.Time) (progress.HintStatus, error) {
	since, known, err := s.hintReference(ctx, h, teamID)
	if err != nil || !known {
		return progress.HintStatus{}, err
	}
	headstart, err := s.hintHeadstart(ctx, h.PuzzleID, teamID)
	if err != nil {
		return progress.HintStatus{}, err
	}
	return progress.HintState(h.Delay, headstart, since, known, now), nil
}

// hintHeadstart is the headstart the team has earned towards the episode
// holding the puzzle.
func (s *Store) hintHeadstart(ctx context.Context, puzzleID, teamID int64) (time.Duration, error) {
	pz, err := s.Puzzle(ctx, puzzleID)
	if err != nil || pz.EpisodeID == 0 {
		return 0, err
	}
	ep, err := s.Episode(ctx, pz.EpisodeID)
	if err != nil || len(ep.HeadstartFrom) == 0 {
		return 0, err
	}
	h, err := s.Hunt(ctx, ep.EventID)
	if err != nil {
		return 0, err
	}
	team, err := s.TeamProgress(ctx, ep.EventID, teamID)
	if err != nil {
		return 0, err
	}
	return h.HeadstartApplied(ep.ID, team), nil
}

func (s *Store) hintReference(ctx context.Context, h hunt.Hint, teamID int64) (time.Time, bool, error) {
	if h.StartAfter == 0 {
		return s.PuzzleStart(ctx, h.PuzzleID, teamID)
	}
	answers, err := s.UnlockAnswers(ctx, h.StartAfter)
	if err != nil {
		return time.Time{}, false, err
	}
	guesses, err := s.queryGuesses(ctx, "g.puzzle_id = ? AND g.team_id = ?", h.PuzzleID, teamID)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, g := range guesses {
		if s.MatchesAny(ctx, answers, g.Text) {
			return g.Given, true, nil
		}
	}
	return time.Time{}, false, nil
}
