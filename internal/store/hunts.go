package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/progress"
)

// Hunt loads the episode graph of an event. Concurrent loads outside a
// transaction share one query.
func (s *Store) Hunt(ctx context.Context, eventID int64) (*progress.Hunt, error) {
	if _, ok := txFrom(ctx); ok {
		return s.loadHunt(ctx, eventID)
	}
	v, err, _ := s.hunts.Do(strconv.FormatInt(eventID, 10), func() (any, error) {
		return s.loadHunt(context.WithoutCancel(ctx), eventID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*progress.Hunt), nil
}

func (s *Store) loadHunt(ctx context.Context, eventID int64) (*progress.Hunt, error) {
	episodes, err := s.Episodes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	puzzles, err := s.eventPuzzles(ctx, eventID)
	if err != nil {
		return nil, err
	}
	h, err := progress.New(episodes, puzzles)
	if err != nil {
		return nil, fmt.Errorf("building episode graph for event %d: %w", eventID, err)
	}
	return h, nil
}

const episodeColumns = `id, event_id, name, start_date, parallel, winning`

func scanEpisode(sc interface{ Scan(...any) error }) (hunt.Episode, error) {
	var (
		ep       hunt.Episode
		start    int64
		parallel int
		winning  int
	)
	if err := sc.Scan(&ep.ID, &ep.EventID, &ep.Name, &start, &parallel, &winning); err != nil {
		return ep, err
	}
	ep.StartDate = fromMS(start)
	ep.Parallel = parallel != 0
	ep.Winning = winning != 0
	return ep, nil
}

// Episodes lists an event's episodes with their prequel and headstart edges.
func (s *Store) Episodes(ctx context.Context, eventID int64) ([]hunt.Episode, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE event_id = ?
		ORDER BY start_date, id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing episodes: %w", err)
	}
	var episodes []hunt.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	prequels, err := s.edges(ctx, `
		SELECT x.episode_id, x.prequel_id FROM episode_prequels x
		JOIN episodes e ON e.id = x.episode_id
		WHERE e.event_id = ?
		ORDER BY x.prequel_id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing prequels: %w", err)
	}
	headstarts, err := s.edges(ctx, `
		SELECT x.episode_id, x.source_id FROM episode_headstarts x
		JOIN episodes e ON e.id = x.episode_id
		WHERE e.event_id = ?
		ORDER BY x.source_id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing headstart sources: %w", err)
	}
	for i := range episodes {
		episodes[i].Prequels = prequels[episodes[i].ID]
		episodes[i].HeadstartFrom = headstarts[episodes[i].ID]
	}
	return episodes, nil
}

func (s *Store) edges(ctx context.Context, query string, args ...any) (map[int64][]int64, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]int64)
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out[from] = append(out[from], to)
	}
	return out, rows.Err()
}

func (s *Store) Episode(ctx context.Context, id int64) (hunt.Episode, error) {
	ep, err := scanEpisode(s.q(ctx).QueryRowContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ep, hunt.NotFound("episode", id)
	}
	if err != nil {
		return ep, err
	}
	prequels, err := s.edges(ctx, `SELECT episode_id, prequel_id FROM episode_prequels WHERE episode_id = ? ORDER BY prequel_id`, id)
	if err != nil {
		return ep, err
	}
	headstarts, err := s.edges(ctx, `SELECT episode_id, source_id FROM episode_headstarts WHERE episode_id = ? ORDER BY source_id`, id)
	if err != nil {
		return ep, err
	}
	ep.Prequels = prequels[id]
	ep.HeadstartFrom = headstarts[id]
	return ep, nil
}

const puzzleColumns = `p.id, COALESCE(p.episode_id, 0), p.position, p.title, p.runtime, p.content,
	p.cb_runtime, p.cb_content, p.headstart_ms`

func scanPuzzle(sc interface{ Scan(...any) error }) (hunt.Puzzle, error) {
	var (
		pz        hunt.Puzzle
		headstart int64
	)
	err := sc.Scan(&pz.ID, &pz.EpisodeID, &pz.Position, &pz.Title, &pz.Runtime, &pz.Content,
		&pz.CallbackRuntime, &pz.CallbackContent, &headstart)
	pz.HeadstartGranted = time.Duration(headstart) * time.Millisecond
	return pz, err
}

func (s *Store) eventPuzzles(ctx context.Context, eventID int64) ([]hunt.Puzzle, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+puzzleColumns+` FROM puzzles p
		JOIN episodes e ON e.id = p.episode_id
		WHERE e.event_id = ?
		ORDER BY p.episode_id, p.position, p.id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing puzzles: %w", err)
	}
	defer rows.Close()

	var puzzles []hunt.Puzzle
	for rows.Next() {
		pz, err := scanPuzzle(rows)
		if err != nil {
			return nil, err
		}
		puzzles = append(puzzles, pz)
	}
	return puzzles, rows.Err()
}

func (s *Store) Puzzle(ctx context.Context, id int64) (hunt.Puzzle, error) {
	pz, err := scanPuzzle(s.q(ctx).QueryRowContext(ctx, `
		SELECT `+puzzleColumns+` FROM puzzles p WHERE p.id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return pz, hunt.NotFound("puzzle", id)
	}
	return pz, err
}

// EventOfPuzzle returns the event a puzzle belongs to through its episode.
// A puzzle outside any episode belongs to no event.
func (s *Store) EventOfPuzzle(ctx context.Context, puzzleID int64) (int64, error) {
	var eventID int64
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT e.event_id FROM puzzles p
		JOIN episodes e ON e.id = p.episode_id
		WHERE p.id = ?
	`, puzzleID).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, hunt.NotFound("puzzle", puzzleID)
	}
	return eventID, err
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
