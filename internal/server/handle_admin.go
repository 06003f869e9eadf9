package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/playperu/hunt/internal/hunt"
)

type EpisodeBody struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name" validate:"required"`
	StartDate     time.Time `json:"start_date" validate:"required"`
	Parallel      bool      `json:"parallel"`
	Winning       bool      `json:"winning"`
	Prequels      []int64   `json:"prequels"`
	HeadstartFrom []int64   `json:"headstart_from"`
}

type PuzzleBody struct {
	ID               int64  `json:"id"`
	EpisodeID        int64  `json:"episode_id" validate:"gte=0"`
	Position         int    `json:"position" validate:"gte=0"`
	Title            string `json:"title" validate:"required"`
	Runtime          string `json:"runtime" validate:"omitempty,oneof=static script"`
	Content          string `json:"content"`
	CallbackRuntime  string `json:"callback_runtime" validate:"omitempty,oneof=static script"`
	CallbackContent  string `json:"callback_content"`
	HeadstartSeconds int64  `json:"headstart_seconds" validate:"gte=0"`
}

type AnswerBody struct {
	ID       int64  `json:"id"`
	PuzzleID int64  `json:"puzzle_id" validate:"gt=0"`
	Runtime  string `json:"runtime" validate:"required,oneof=static regex script"`
	Pattern  string `json:"pattern" validate:"required"`
}

type UnlockBody struct {
	ID       int64  `json:"id"`
	PuzzleID int64  `json:"puzzle_id" validate:"gt=0"`
	Text     string `json:"text" validate:"required"`
}

type UnlockAnswerBody struct {
	ID       int64  `json:"id"`
	UnlockID int64  `json:"unlock_id" validate:"gt=0"`
	Runtime  string `json:"runtime" validate:"required,oneof=static regex script"`
	Pattern  string `json:"pattern" validate:"required"`
}

type HintBody struct {
	ID           int64  `json:"id"`
	PuzzleID     int64  `json:"puzzle_id" validate:"gt=0"`
	Text         string `json:"text" validate:"required"`
	DelaySeconds int64  `json:"delay_seconds" validate:"gte=0"`
	StartAfter   int64  `json:"start_after" validate:"gte=0"`
}

type EpisodeMembershipRequest struct {
	EpisodeID int64 `json:"episode_id" validate:"gt=0"`
}

type TeamMoveRequest struct {
	TeamID int64 `json:"team_id" validate:"gt=0"`
}

func pathID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id < 1 {
		return 0, hunt.NotFound(param, chi.URLParam(r, param))
	}
	return id, nil
}

// handleSave decodes a body and passes it to save along with the {id} path
// parameter, which is zero on create routes.
func handleSave[B any](logger *slog.Logger, status int, save func(r *http.Request, id int64, body B) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var id int64
		if chi.URLParam(r, "id") != "" {
			var err error
			if id, err = pathID(r, "id"); err != nil {
				writeErr(w, logger, err)
				return
			}
		}
		var body B
		if err := decode(r, &body); err != nil {
			writeErr(w, logger, err)
			return
		}
		out, err := save(r, id, body)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		writeJSON(w, status, out)
	}
}

func handleDelete(logger *slog.Logger, del func(r *http.Request, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		if err := del(r, id); err != nil {
			writeErr(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func saveEpisode(st Store) func(*http.Request, int64, EpisodeBody) (any, error) {
	return func(r *http.Request, id int64, b EpisodeBody) (any, error) {
		ep, err := st.SaveEpisode(r.Context(), hunt.Episode{
			ID:            id,
			EventID:       sessionFrom(r).Event.ID,
			Name:          b.Name,
			StartDate:     b.StartDate,
			Parallel:      b.Parallel,
			Winning:       b.Winning,
			Prequels:      b.Prequels,
			HeadstartFrom: b.HeadstartFrom,
		})
		if err != nil {
			return nil, err
		}
		return EpisodeBody{
			ID:            ep.ID,
			Name:          ep.Name,
			StartDate:     ep.StartDate,
			Parallel:      ep.Parallel,
			Winning:       ep.Winning,
			Prequels:      nonNilIDs(ep.Prequels),
			HeadstartFrom: nonNilIDs(ep.HeadstartFrom),
		}, nil
	}
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func puzzleBody(pz hunt.Puzzle) PuzzleBody {
	return PuzzleBody{
		ID:               pz.ID,
		EpisodeID:        pz.EpisodeID,
		Position:         pz.Position,
		Title:            pz.Title,
		Runtime:          string(pz.Runtime),
		Content:          pz.Content,
		CallbackRuntime:  string(pz.CallbackRuntime),
		CallbackContent:  pz.CallbackContent,
		HeadstartSeconds: int64(pz.HeadstartGranted / time.Second),
	}
}

func savePuzzle(st Store) func(*http.Request, int64, PuzzleBody) (any, error) {
	return func(r *http.Request, id int64, b PuzzleBody) (any, error) {
		pz, err := st.SavePuzzle(r.Context(), hunt.Puzzle{
			ID:               id,
			EpisodeID:        b.EpisodeID,
			Position:         b.Position,
			Title:            b.Title,
			Runtime:          hunt.RuntimeKind(b.Runtime),
			Content:          b.Content,
			CallbackRuntime:  hunt.RuntimeKind(b.CallbackRuntime),
			CallbackContent:  b.CallbackContent,
			HeadstartGranted: time.Duration(b.HeadstartSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return puzzleBody(pz), nil
	}
}

func addPuzzleToEpisode(st Store) func(*http.Request, int64, EpisodeMembershipRequest) (any, error) {
	return func(r *http.Request, id int64, b EpisodeMembershipRequest) (any, error) {
		pz, err := st.AddPuzzleToEpisode(r.Context(), id, b.EpisodeID)
		if err != nil {
			return nil, err
		}
		return puzzleBody(pz), nil
	}
}

func saveAnswer(st Store) func(*http.Request, int64, AnswerBody) (any, error) {
	return func(r *http.Request, id int64, b AnswerBody) (any, error) {
		a, err := st.SaveAnswer(r.Context(), hunt.Answer{
			ID:       id,
			PuzzleID: b.PuzzleID,
			Runtime:  hunt.RuntimeKind(b.Runtime),
			Pattern:  b.Pattern,
		})
		if err != nil {
			return nil, err
		}
		return AnswerBody{ID: a.ID, PuzzleID: a.PuzzleID, Runtime: string(a.Runtime), Pattern: a.Pattern}, nil
	}
}

func saveUnlock(st Store) func(*http.Request, int64, UnlockBody) (any, error) {
	return func(r *http.Request, id int64, b UnlockBody) (any, error) {
		u, err := st.SaveUnlock(r.Context(), hunt.Unlock{ID: id, PuzzleID: b.PuzzleID, Text: b.Text})
		if err != nil {
			return nil, err
		}
		return UnlockBody{ID: u.ID, PuzzleID: u.PuzzleID, Text: u.Text}, nil
	}
}

func saveUnlockAnswer(st Store) func(*http.Request, int64, UnlockAnswerBody) (any, error) {
	return func(r *http.Request, id int64, b UnlockAnswerBody) (any, error) {
		a, err := st.SaveUnlockAnswer(r.Context(), hunt.UnlockAnswer{
			ID:       id,
			UnlockID: b.UnlockID,
			Runtime:  hunt.RuntimeKind(b.Runtime),
			Pattern:  b.Pattern,
		})
		if err != nil {
			return nil, err
		}
		return UnlockAnswerBody{ID: a.ID, UnlockID: a.UnlockID, Runtime: string(a.Runtime), Pattern: a.Pattern}, nil
	}
}

func saveHint(st Store) func(*http.Request, int64, HintBody) (any, error) {
	return func(r *http.Request, id int64, b HintBody) (any, error) {
		h, err := st.SaveHint(r.Context(), hunt.Hint{
			ID:         id,
			PuzzleID:   b.PuzzleID,
			Text:       b.Text,
			Delay:      time.Duration(b.DelaySeconds) * time.Second,
			StartAfter: b.StartAfter,
		})
		if err != nil {
			return nil, err
		}
		return HintBody{
			ID:           h.ID,
			PuzzleID:     h.PuzzleID,
			Text:         h.Text,
			DelaySeconds: int64(h.Delay / time.Second),
			StartAfter:   h.StartAfter,
		}, nil
	}
}

// handleMoveUser puts a user on a team of the current event. Their guesses
// in the event follow them.
func handleMoveUser(st Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := pathID(r, "user")
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		var req TeamMoveRequest
		if err := decode(r, &req); err != nil {
			writeErr(w, logger, err)
			return
		}
		if err := st.MoveUser(r.Context(), userID, sessionFrom(r).Event.ID, req.TeamID); err != nil {
			writeErr(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
