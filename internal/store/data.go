package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/playperu/hunt/internal/hunt"
)

// TeamPuzzleData returns the team's scratch data for a puzzle, creating it
// on first access. The creation time is when the team started the puzzle.
func (s *Store) TeamPuzzleData(ctx context.Context, puzzleID, teamID int64) (hunt.TeamPuzzleData, error) {
	d := hunt.TeamPuzzleData{PuzzleID: puzzleID, TeamID: teamID}
	err := s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO team_puzzle_data (puzzle_id, team_id, start_time) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, puzzleID, teamID, ms(s.now())); err != nil {
			return err
		}
		var (
			start int64
			raw   string
		)
		if err := s.q(ctx).QueryRowContext(ctx, `
			SELECT start_time, data FROM team_puzzle_data WHERE puzzle_id = ? AND team_id = ?
		`, puzzleID, teamID).Scan(&start, &raw); err != nil {
			return err
		}
		d.StartTime = fromMS(start)
		return decodeData(raw, &d.Data)
	})
	if err != nil {
		return hunt.TeamPuzzleData{}, fmt.Errorf("loading team puzzle data: %w", err)
	}
	return d, nil
}

// PuzzleStart returns when the team first viewed the puzzle, if it has.
func (s *Store) PuzzleStart(ctx context.Context, puzzleID, teamID int64) (time.Time, bool, error) {
	var start int64
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT start_time FROM team_puzzle_data WHERE puzzle_id = ? AND team_id = ?
	`, puzzleID, teamID).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMS(start), true, nil
}

func (s *Store) SaveTeamPuzzleData(ctx context.Context, d hunt.TeamPuzzleData) error {
	raw, err := json.Marshal(nonNil(d.Data))
	if err != nil {
		return fmt.Errorf("encoding team puzzle data: %w", err)
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE team_puzzle_data SET data = ? WHERE puzzle_id = ? AND team_id = ?
	`, string(raw), d.PuzzleID, d.TeamID)
	if err != nil {
		return fmt.Errorf("saving team puzzle data: %w", err)
	}
	return requireRow(res, "team puzzle data", d.PuzzleID)
}

// UserPuzzleData returns the user's scratch data for a puzzle, creating it
// on first access.
func (s *Store) UserPuzzleData(ctx context.Context, puzzleID, userID int64) (hunt.UserPuzzleData, error) {
	d := hunt.UserPuzzleData{PuzzleID: puzzleID, UserID: userID}
	err := s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO user_puzzle_data (puzzle_id, user_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, puzzleID, userID); err != nil {
			return err
		}
		var raw string
		if err := s.q(ctx).QueryRowContext(ctx, `
			SELECT data FROM user_puzzle_data WHERE puzzle_id = ? AND user_id = ?
		`, puzzleID, userID).Scan(&raw); err != nil {
			return err
		}
		return decodeData(raw, &d.Data)
	})
	if err != nil {
		return hunt.UserPuzzleData{}, fmt.Errorf("loading user puzzle data: %w", err)
	}
	return d, nil
}

func (s *Store) SaveUserPuzzleData(ctx context.Context, d hunt.UserPuzzleData) error {
	raw, err := json.Marshal(nonNil(d.Data))
	if err != nil {
		return fmt.Errorf("encoding user puzzle data: %w", err)
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE user_puzzle_data SET data = ? WHERE puzzle_id = ? AND user_id = ?
	`, string(raw), d.PuzzleID, d.UserID)
	if err != nil {
		return fmt.Errorf("saving user puzzle data: %w", err)
	}
	return requireRow(res, "user puzzle data", d.PuzzleID)
}

func decodeData(raw string, dst *map[string]any) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decoding puzzle data: %w", err)
	}
	*dst = nonNil(*dst)
	return nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func requireRow(res sql.Result, kind string, key any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return hunt.NotFound(kind, key)
	}
	return nil
}
