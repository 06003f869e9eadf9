package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/playperu/hunt/internal/events"
	"github.com/playperu/hunt/internal/hunt"
)

// SaveEpisode creates the episode when ep.ID is zero and updates it
// otherwise. Prequel and headstart edges are checked against the event's
// episode graph before anything is written.
func (s *Store) SaveEpisode(ctx context.Context, ep hunt.Episode) (hunt.Episode, error) {
	ep.Name = strings.TrimSpace(ep.Name)
	if ep.Name == "" {
		return ep, hunt.Invalid("name", "must not be empty")
	}
	if ep.StartDate.IsZero() {
		return ep, hunt.Invalid("start_date", "must be set")
	}
	ep.StartDate = fromMS(ms(ep.StartDate))

	err := s.InTx(ctx, func(ctx context.Context) error {
		if ep.ID != 0 {
			old, err := s.Episode(ctx, ep.ID)
			if err != nil {
				return err
			}
			if ep.EventID != 0 && ep.EventID != old.EventID {
				return hunt.Invalid("event_id", "episode %d cannot move to another event", ep.ID)
			}
			ep.EventID = old.EventID
		}
		if _, err := s.Event(ctx, ep.EventID); err != nil {
			return err
		}

		h, err := s.loadHunt(ctx, ep.EventID)
		if err != nil {
			return err
		}
		if ep.ID == 0 {
			err = h.AddEpisode(ep)
		} else {
			err = h.SetPrequels(ep.ID, nil)
			if err == nil {
				err = h.SetStartDate(ep.ID, ep.StartDate)
			}
			if err == nil {
				err = h.SetPrequels(ep.ID, ep.Prequels)
			}
			if err == nil {
				err = h.SetHeadstartFrom(ep.ID, ep.HeadstartFrom)
			}
		}
		if err != nil {
			return err
		}
		checked, err := h.Episode(ep.ID)
		if err != nil {
			return err
		}
		ep.Prequels, ep.HeadstartFrom = checked.Prequels, checked.HeadstartFrom

		if ep.ID == 0 {
			err = s.q(ctx).QueryRowContext(ctx, `
				INSERT INTO episodes (event_id, name, start_date, parallel, winning)
				VALUES (?, ?, ?, ?, ?)
				RETURNING id
			`, ep.EventID, ep.Name, ms(ep.StartDate), boolInt(ep.Parallel), boolInt(ep.Winning)).Scan(&ep.ID)
		} else {
			_, err = s.q(ctx).ExecContext(ctx, `
				UPDATE episodes SET name = ?, start_date = ?, parallel = ?, winning = ?
				WHERE id = ?
			`, ep.Name, ms(ep.StartDate), boolInt(ep.Parallel), boolInt(ep.Winning), ep.ID)
		}
		if err != nil {
			return fmt.Errorf("writing episode: %w", err)
		}
		if err := s.replaceEdges(ctx, "episode_prequels", "prequel_id", ep.ID, ep.Prequels); err != nil {
			return err
		}
		return s.replaceEdges(ctx, "episode_headstarts", "source_id", ep.ID, ep.HeadstartFrom)
	})
	if err != nil {
		return hunt.Episode{}, err
	}
	return ep, nil
}

func (s *Store) replaceEdges(ctx context.Context, table, column string, episodeID int64, targets []int64) error {
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM `+table+` WHERE episode_id = ?`, episodeID); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	for _, t := range targets {
		if _, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO `+table+` (episode_id, `+column+`) VALUES (?, ?)
		`, episodeID, t); err != nil {
			return fmt.Errorf("writing %s: %w", table, err)
		}
	}
	return nil
}

// DeleteEpisode removes the episode and, by cascade, its puzzles.
func (s *Store) DeleteEpisode(ctx context.Context, id int64) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting episode: %w", err)
	}
	return requireRow(res, "episode", id)
}

// SavePuzzle creates or updates a puzzle. A puzzle that already belongs to
// an episode cannot be saved into another one; a zero EpisodeID keeps the
// current membership. A zero Position appends the puzzle to its episode.
func (s *Store) SavePuzzle(ctx context.Context, pz hunt.Puzzle) (hunt.Puzzle, error) {
	pz.Title = strings.TrimSpace(pz.Title)
	if pz.Title == "" {
		return pz, hunt.Invalid("title", "must not be empty")
	}
	if pz.Runtime == "" {
		pz.Runtime = hunt.RuntimeStatic
	}
	if pz.CallbackRuntime == "" {
		pz.CallbackRuntime = hunt.RuntimeStatic
	}
	if pz.HeadstartGranted < 0 {
		return pz, hunt.Invalid("headstart", "must not be negative")
	}
	if err := s.eval.ValidateContent(pz.Runtime, pz.Content); err != nil {
		return pz, err
	}
	if err := s.eval.ValidateContent(pz.CallbackRuntime, pz.CallbackContent); err != nil {
		return pz, err
	}

	err := s.InTx(ctx, func(ctx context.Context) error {
		if pz.ID != 0 {
			old, err := s.Puzzle(ctx, pz.ID)
			if err != nil {
				return err
			}
			if err := joinEpisode(old, pz.EpisodeID); err != nil {
				return err
			}
			if pz.EpisodeID == 0 {
				pz.EpisodeID = old.EpisodeID
			}
		}
		if pz.EpisodeID != 0 {
			if _, err := s.Episode(ctx, pz.EpisodeID); err != nil {
				return err
			}
			if pz.Position == 0 {
				pos, err := s.nextPosition(ctx, pz.EpisodeID)
				if err != nil {
					return err
				}
				pz.Position = pos
			}
		}

		var err error
		if pz.ID == 0 {
			err = s.q(ctx).QueryRowContext(ctx, `
				INSERT INTO puzzles (episode_id, position, title, runtime, content, cb_runtime, cb_content, headstart_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				RETURNING id
			`, nullID(pz.EpisodeID), pz.Position, pz.Title, string(pz.Runtime), pz.Content,
				string(pz.CallbackRuntime), pz.CallbackContent, pz.HeadstartGranted.Milliseconds()).Scan(&pz.ID)
		} else {
			_, err = s.q(ctx).ExecContext(ctx, `
				UPDATE puzzles SET episode_id = ?, position = ?, title = ?, runtime = ?, content = ?,
					cb_runtime = ?, cb_content = ?, headstart_ms = ?
				WHERE id = ?
			`, nullID(pz.EpisodeID), pz.Position, pz.Title, string(pz.Runtime), pz.Content,
				string(pz.CallbackRuntime), pz.CallbackContent, pz.HeadstartGranted.Milliseconds(), pz.ID)
		}
		if err != nil {
			return fmt.Errorf("writing puzzle: %w", err)
		}
		return nil
	})
	if err != nil {
		return hunt.Puzzle{}, err
	}
	return pz, nil
}

// AddPuzzleToEpisode appends an episode-less puzzle to the episode.
func (s *Store) AddPuzzleToEpisode(ctx context.Context, puzzleID, episodeID int64) (hunt.Puzzle, error) {
	var pz hunt.Puzzle
	err := s.InTx(ctx, func(ctx context.Context) error {
		var err error
		if pz, err = s.Puzzle(ctx, puzzleID); err != nil {
			return err
		}
		if err := joinEpisode(pz, episodeID); err != nil {
			return err
		}
		if pz.EpisodeID == episodeID {
			return nil
		}
		if _, err := s.Episode(ctx, episodeID); err != nil {
			return err
		}
		if pz.Position, err = s.nextPosition(ctx, episodeID); err != nil {
			return err
		}
		pz.EpisodeID = episodeID
		_, err = s.q(ctx).ExecContext(ctx, `
			UPDATE puzzles SET episode_id = ?, position = ? WHERE id = ?
		`, episodeID, pz.Position, puzzleID)
		return err
	})
	if err != nil {
		return hunt.Puzzle{}, err
	}
	return pz, nil
}

func joinEpisode(pz hunt.Puzzle, episodeID int64) error {
	if pz.EpisodeID != 0 && episodeID != 0 && pz.EpisodeID != episodeID {
		return hunt.Invalid("episode_id", "puzzle %d already belongs to episode %d", pz.ID, pz.EpisodeID)
	}
	return nil
}

func (s *Store) nextPosition(ctx context.Context, episodeID int64) (int, error) {
	var pos int
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) + 1 FROM puzzles WHERE episode_id = ?
	`, episodeID).Scan(&pos)
	return pos, err
}

func (s *Store) DeletePuzzle(ctx context.Context, id int64) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM puzzles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting puzzle: %w", err)
	}
	return requireRow(res, "puzzle", id)
}

// SaveAnswer creates or updates an answer. The guesses on the affected
// puzzles are marked stale in the write transaction and recomputed after it
// commits; readers recompute stale guesses before using them.
func (s *Store) SaveAnswer(ctx context.Context, a hunt.Answer) (hunt.Answer, error) {
	if err := s.eval.Validate(a.Runtime, a.Pattern); err != nil {
		return a, err
	}
	affected := []int64{a.PuzzleID}
	err := s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.Puzzle(ctx, a.PuzzleID); err != nil {
			return err
		}
		var old *hunt.Answer
		if a.ID != 0 {
			prev, err := s.Answer(ctx, a.ID)
			if err != nil {
				return err
			}
			old = &prev
		}

		var err error
		if old == nil {
			err = s.q(ctx).QueryRowContext(ctx, `
				INSERT INTO answers (puzzle_id, runtime, pattern) VALUES (?, ?, ?)
				RETURNING id
			`, a.PuzzleID, string(a.Runtime), a.Pattern).Scan(&a.ID)
		} else {
			_, err = s.q(ctx).ExecContext(ctx, `
				UPDATE answers SET puzzle_id = ?, runtime = ?, pattern = ? WHERE id = ?
			`, a.PuzzleID, string(a.Runtime), a.Pattern, a.ID)
		}
		if err != nil {
			return fmt.Errorf("writing answer: %w", err)
		}

		if err := s.markStale(ctx, a.PuzzleID); err != nil {
			return err
		}
		if old != nil && old.PuzzleID != a.PuzzleID {
			affected = append(affected, old.PuzzleID)
			if err := s.markStale(ctx, old.PuzzleID); err != nil {
				return err
			}
		}
		s.emit(ctx, events.AnswerChanged{Old: old, New: a})
		return nil
	})
	if err != nil {
		return hunt.Answer{}, err
	}
	s.recompute(ctx, affected...)
	return a, nil
}

// DeleteAnswer removes an answer. Guesses on its puzzle are recomputed the
// way SaveAnswer does it.
func (s *Store) DeleteAnswer(ctx context.Context, id int64) error {
	var a hunt.Answer
	err := s.InTx(ctx, func(ctx context.Context) error {
		var err error
		if a, err = s.Answer(ctx, id); err != nil {
			return err
		}
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM answers WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting answer: %w", err)
		}
		if err := s.markStale(ctx, a.PuzzleID); err != nil {
			return err
		}
		s.emit(ctx, events.AnswerDeleted{Answer: a})
		return nil
	})
	if err != nil {
		return err
	}
	s.recompute(ctx, a.PuzzleID)
	return nil
}

// recompute refreshes the given puzzles after an answer change has
// committed. A failure leaves the guesses stale for the next reader.
func (s *Store) recompute(ctx context.Context, puzzleIDs ...int64) {
	for _, id := range puzzleIDs {
		if err := s.RecomputeCorrectness(ctx, id); err != nil {
			s.logger.Warn("recomputing correctness", "puzzle_id", id, "error", err)
		}
	}
}

func (s *Store) SaveUnlock(ctx context.Context, u hunt.Unlock) (hunt.Unlock, error) {
	if strings.TrimSpace(u.Text) == "" {
		return u, hunt.Invalid("text", "must not be empty")
	}
	err := s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.Puzzle(ctx, u.PuzzleID); err != nil {
			return err
		}
		var old *hunt.Unlock
		if u.ID != 0 {
			prev, err := s.Unlock(ctx, u.ID)
			if err != nil {
				return err
			}
			old = &prev
		}

		var err error
		if old == nil {
			err = s.q(ctx).QueryRowContext(ctx, `
				INSERT INTO unlocks (puzzle_id, text) VALUES (?, ?)
				RETURNING id
			`, u.PuzzleID, u.Text).Scan(&u.ID)
		} else {
			_, err = s.q(ctx).ExecContext(ctx, `
				UPDATE unlocks SET puzzle_id = ?, text = ? WHERE id = ?
			`, u.PuzzleID, u.Text, u.ID)
		}
		if err != nil {
			return fmt.Errorf("writing unlock: %w", err)
		}
		s.emit(ctx, events.UnlockChanged{Old: old, New: u})
		return nil
	})
	if err != nil {
		return hunt.Unlock{}, err
	}
	return u, nil
}

// DeleteUnlock removes the unlock and its answers. Hints gated on it lose
// the gate and are reported as changed.
func (s *Store) DeleteUnlock(ctx context.Context, id int64) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		u, err := s.Unlock(ctx, id)
		if err != nil {
			return err
		}
		answers, err := s.UnlockAnswers(ctx, id)
		if err != nil {
			return err
		}
		hints, err := s.Hints(ctx, u.PuzzleID)
		if err != nil {
			return err
		}
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM unlocks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting unlock: %w", err)
		}

		s.emit(ctx, events.UnlockDeleted{Unlock: u, Answers: answers})
		for _, h := range hints {
			if h.StartAfter != id {
				continue
			}
			old := h
			h.StartAfter = 0
			s.emit(ctx, events.HintChanged{Old: &old, New: h})
		}
		return nil
	})
}

func (s *Store) SaveUnlockAnswer(ctx context.Context, a hunt.UnlockAnswer) (hunt.UnlockAnswer, error) {
	if err := s.eval.Validate(a.Runtime, a.Pattern); err != nil {
		return a, err
	}
	err := s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.Unlock(ctx, a.UnlockID); err != nil {
			return err
		}
		var old *hunt.UnlockAnswer
		if a.ID != 0 {
			prev, err := s.UnlockAnswer(ctx, a.ID)
			if err != nil {
				return err
			}
			old = &prev
		}

		var err error
		if old == nil {
			err = s.q(ctx).QueryRowContext(ctx, `
				INSERT INTO unlock_answers (unlock_id, runtime, pattern) VALUES (?, ?, ?)
				RETURNING id
			`, a.UnlockID, string(a.Runtime), a.Pattern).Scan(&a.ID)
		} else {
			_, err = s.q(ctx).ExecContext(ctx, `
				UPDATE unlock_answers SET unlock_id = ?, runtime = ?, pattern = ? WHERE id = ?
			`, a.UnlockID, string(a.Runtime), a.Pattern, a.ID)
		}
		if err != nil {
			return fmt.Errorf("writing unlock answer: %w", err)
		}
		s.emit(ctx, events.UnlockAnswerChanged{Old: old, New: a})
		return nil
	})
	if err != nil {
		return hunt.UnlockAnswer{}, err
	}
	return a, nil
}

func (s *Store) DeleteUnlockAnswer(ctx context.Context, id int64) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		a, err := s.UnlockAnswer(ctx, id)
		if err != nil {
			return err
		}
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM unlock_answers WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting unlock answer: %w", err)
		}
		s.emit(ctx, events.UnlockAnswerDeleted{UnlockAnswer: a})
		return nil
	})
}

// SaveHint creates or updates a hint. A gating unlock must be on the same
// puzzle.
func (s *Store) SaveHint(ctx context.Context, h hunt.Hint) (hunt.Hint, error) {
	if strings.TrimSpace(h.Text) == "" {
		return h, hunt.Invalid("text", "must not be empty")
	}
	if h.Delay < 0 {
		return h, hunt.Invalid("delay", "must not be negative")
	}
	h.Delay = h.Delay.Truncate(time.Millisecond)

	err := s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.Puzzle(ctx, h.PuzzleID); err != nil {
			return err
		}
		if h.StartAfter != 0 {
			u, err := s.Unlock(ctx, h.StartAfter)
			if err != nil {
				return hunt.Invalid("start_after", "unlock %d does not exist", h.StartAfter)
			}
			if u.PuzzleID != h.PuzzleID {
				return hunt.Invalid("start_after", "unlock %d is on another puzzle", h.StartAfter)
			}
		}
		var old *hunt.Hint
		if h.ID != 0 {
			prev, err := s.Hint(ctx, h.ID)
			if err != nil {
				return err
			}
			old = &prev
		}

		var err error
		if old == nil {
			err = s.q(ctx).QueryRowContext(ctx, `
				INSERT INTO hints (puzzle_id, text, delay_ms, start_after) VALUES (?, ?, ?, ?)
				RETURNING id
			`, h.PuzzleID, h.Text, h.Delay.Milliseconds(), nullID(h.StartAfter)).Scan(&h.ID)
		} else {
			_, err = s.q(ctx).ExecContext(ctx, `
				UPDATE hints SET puzzle_id = ?, text = ?, delay_ms = ?, start_after = ? WHERE id = ?
			`, h.PuzzleID, h.Text, h.Delay.Milliseconds(), nullID(h.StartAfter), h.ID)
		}
		if err != nil {
			return fmt.Errorf("writing hint: %w", err)
		}
		s.emit(ctx, events.HintChanged{Old: old, New: h})
		return nil
	})
	if err != nil {
		return hunt.Hint{}, err
	}
	return h, nil
}

func (s *Store) DeleteHint(ctx context.Context, id int64) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		h, err := s.Hint(ctx, id)
		if err != nil {
			return err
		}
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM hints WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting hint: %w", err)
		}
		s.emit(ctx, events.HintDeleted{Hint: h})
		return nil
	})
}
