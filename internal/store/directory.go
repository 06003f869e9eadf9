package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/playperu/hunt/internal/events"
	"github.com/playperu/hunt/internal/hunt"
)

func scanEvent(sc interface{ Scan(...any) error }) (hunt.Event, error) {
	var (
		ev      hunt.Event
		end     sql.NullInt64
		current int
	)
	err := sc.Scan(&ev.ID, &ev.Name, &end, &current)
	if end.Valid {
		ev.EndDate = fromMS(end.Int64)
	}
	ev.Current = current != 0
	return ev, err
}

// CreateEvent stores a new event. A current event replaces the previous one.
func (s *Store) CreateEvent(ctx context.Context, ev hunt.Event) (hunt.Event, error) {
	if ev.Name == "" {
		return ev, hunt.Invalid("name", "must not be empty")
	}
	var end sql.NullInt64
	if !ev.EndDate.IsZero() {
		end = sql.NullInt64{Int64: ms(ev.EndDate), Valid: true}
		ev.EndDate = fromMS(end.Int64)
	}
	err := s.InTx(ctx, func(ctx context.Context) error {
		if ev.Current {
			if _, err := s.q(ctx).ExecContext(ctx, `UPDATE events SET current = 0`); err != nil {
				return err
			}
		}
		return s.q(ctx).QueryRowContext(ctx, `
			INSERT INTO events (name, end_date, current) VALUES (?, ?, ?)
			RETURNING id
		`, ev.Name, end, boolInt(ev.Current)).Scan(&ev.ID)
	})
	if err != nil {
		return hunt.Event{}, fmt.Errorf("creating event: %w", err)
	}
	return ev, nil
}

func (s *Store) Event(ctx context.Context, id int64) (hunt.Event, error) {
	ev, err := scanEvent(s.q(ctx).QueryRowContext(ctx, `
		SELECT id, name, end_date, current FROM events WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ev, hunt.NotFound("event", id)
	}
	return ev, err
}

// CurrentEvent resolves the event requests without an explicit event refer to.
func (s *Store) CurrentEvent(ctx context.Context) (hunt.Event, error) {
	ev, err := scanEvent(s.q(ctx).QueryRowContext(ctx, `
		SELECT id, name, end_date, current FROM events WHERE current = 1
		ORDER BY id DESC LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return ev, hunt.NotFound("event", "current")
	}
	return ev, err
}

func (s *Store) CreateUser(ctx context.Context, name, token string) (hunt.User, error) {
	u := hunt.User{Name: name}
	var tok sql.NullString
	if token != "" {
		tok = sql.NullString{String: token, Valid: true}
	}
	err := s.q(ctx).QueryRowContext(ctx, `
		INSERT INTO users (name, session_token) VALUES (?, ?)
		RETURNING id
	`, name, tok).Scan(&u.ID)
	if err != nil {
		return u, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

func (s *Store) User(ctx context.Context, id int64) (hunt.User, error) {
	var u hunt.User
	err := s.q(ctx).QueryRowContext(ctx, `SELECT id, name FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return u, hunt.NotFound("user", id)
	}
	return u, err
}

// UserByToken resolves a session token issued elsewhere.
func (s *Store) UserByToken(ctx context.Context, token string) (hunt.User, error) {
	var u hunt.User
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, name FROM users WHERE session_token = ?
	`, token).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return u, hunt.NotFound("session", "token")
	}
	return u, err
}

func (s *Store) CreateTeam(ctx context.Context, eventID int64, name string) (hunt.Team, error) {
	t := hunt.Team{EventID: eventID, Name: name}
	if name == "" {
		return t, hunt.Invalid("name", "must not be empty")
	}
	err := s.q(ctx).QueryRowContext(ctx, `
		INSERT INTO teams (event_id, name) VALUES (?, ?)
		RETURNING id
	`, eventID, name).Scan(&t.ID)
	if err != nil {
		return t, fmt.Errorf("creating team: %w", err)
	}
	return t, nil
}

func (s *Store) Team(ctx context.Context, id int64) (hunt.Team, error) {
	var t hunt.Team
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, event_id, name FROM teams WHERE id = ?
	`, id).Scan(&t.ID, &t.EventID, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return t, hunt.NotFound("team", id)
	}
	return t, err
}

func (s *Store) Teams(ctx context.Context, eventID int64) ([]hunt.Team, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, event_id, name FROM teams WHERE event_id = ? ORDER BY id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	defer rows.Close()

	var teams []hunt.Team
	for rows.Next() {
		var t hunt.Team
		if err := rows.Scan(&t.ID, &t.EventID, &t.Name); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (s *Store) AddAdmin(ctx context.Context, eventID, userID int64) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO event_admins (event_id, user_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, eventID, userID)
	return err
}

// IsAdmin is the admin predicate for an event.
func (s *Store) IsAdmin(ctx context.Context, userID, eventID int64) (bool, error) {
	var admin bool
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM event_admins WHERE event_id = ? AND user_id = ?)
	`, eventID, userID).Scan(&admin)
	return admin, err
}

func (s *Store) adminTeams(ctx context.Context, eventID int64) (map[int64]bool, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT DISTINCT m.team_id FROM team_members m
		JOIN event_admins a ON a.event_id = m.event_id AND a.user_id = m.user_id
		WHERE m.event_id = ?
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// TeamFor returns the user's current team in the event.
func (s *Store) TeamFor(ctx context.Context, userID, eventID int64) (int64, error) {
	var teamID int64
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT team_id FROM team_members WHERE event_id = ? AND user_id = ?
	`, eventID, userID).Scan(&teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, hunt.NotFound("team", fmt.Sprintf("for user %d", userID))
	}
	return teamID, err
}

// MoveUser puts the user on teamID in the event. The user's guesses in the
// event are credited to the new team and their correctness cache is marked
// stale.
func (s *Store) MoveUser(ctx context.Context, userID, eventID, teamID int64) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		team, err := s.Team(ctx, teamID)
		if err != nil {
			return err
		}
		if team.EventID != eventID {
			return hunt.Invalid("team_id", "team %d is not part of event %d", teamID, eventID)
		}
		if _, err := s.User(ctx, userID); err != nil {
			return err
		}
		oldTeamID, err := s.TeamFor(ctx, userID, team.EventID)
		if err != nil && !errors.Is(err, hunt.ErrNotFound) {
			return err
		}
		if oldTeamID == teamID {
			return nil
		}

		if _, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO team_members (event_id, user_id, team_id) VALUES (?, ?, ?)
			ON CONFLICT (event_id, user_id) DO UPDATE SET team_id = excluded.team_id
		`, team.EventID, userID, teamID); err != nil {
			return fmt.Errorf("updating membership: %w", err)
		}
		if _, err := s.q(ctx).ExecContext(ctx, `
			UPDATE guesses SET team_id = ?, correct_current = 0
			WHERE user_id = ? AND puzzle_id IN (
				SELECT p.id FROM puzzles p
				JOIN episodes e ON e.id = p.episode_id
				WHERE e.event_id = ?
			)
		`, teamID, userID, team.EventID); err != nil {
			return fmt.Errorf("moving guesses: %w", err)
		}

		s.emit(ctx, events.TeamChanged{
			UserID:    userID,
			EventID:   team.EventID,
			OldTeamID: oldTeamID,
			NewTeamID: teamID,
		})
		return nil
	})
}
