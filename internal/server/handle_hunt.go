package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/progress"
	"github.com/playperu/hunt/internal/store"
)

type PuzzleSummary struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Answered bool   `json:"answered"`
}

type FinishResponse struct {
	Position   int       `json:"position"`
	TeamID     int64     `json:"team_id"`
	Team       string    `json:"team"`
	FinishedAt time.Time `json:"finished_at"`
}

type EpisodeResponse struct {
	Number            int              `json:"number"`
	Name              string           `json:"name"`
	Parallel          bool             `json:"parallel"`
	Winning           bool             `json:"winning"`
	Started           bool             `json:"started"`
	Finished          bool             `json:"finished"`
	StartDate         time.Time        `json:"start_date"`
	EffectiveStart    time.Time        `json:"effective_start"`
	HeadstartSeconds  float64          `json:"headstart_seconds"`
	Puzzles           []PuzzleSummary  `json:"puzzles"`
	NextPuzzle        int              `json:"next_puzzle,omitempty"`
	FinishedPositions []FinishResponse `json:"finished_positions"`
}

type UnlockResponse struct {
	ID      int64    `json:"id"`
	Text    string   `json:"text"`
	Guesses []string `json:"guesses"`
}

type HintResponse struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

type PuzzleResponse struct {
	Episode    int              `json:"episode"`
	Number     int              `json:"number"`
	Title      string           `json:"title"`
	Text       string           `json:"text"`
	Answered   bool             `json:"answered"`
	Answers    []string         `json:"answers"`
	Unlocks    []UnlockResponse `json:"unlocks"`
	Hints      []HintResponse   `json:"hints"`
	NextPuzzle string           `json:"next_puzzle,omitempty"`
}

type GuessRequest struct {
	Guess string `json:"guess" validate:"required"`
}

type GuessResponse struct {
	ID        int64     `json:"id"`
	Guess     string    `json:"guess"`
	Correct   bool      `json:"correct"`
	Timestamp time.Time `json:"timestamp"`
	By        string    `json:"by"`
	Redirect  string    `json:"redirect,omitempty"`
}

type CallbackRequest struct {
	Data map[string]any `json:"data"`
}

type CallbackResponse struct {
	Result string `json:"result"`
}

// episodeScope is a resolved /hunt/ep/{episode} route for the requesting
// user's team.
type episodeScope struct {
	sess    session
	hunt    *progress.Hunt
	team    progress.Team
	epN     int
	episode *progress.Episode
}

func ordinal(r *http.Request, param string) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, param))
	if err != nil || n < 1 {
		return 0, hunt.NotFound(param, chi.URLParam(r, param))
	}
	return n, nil
}

func loadEpisode(r *http.Request, st Store) (episodeScope, error) {
	ctx := r.Context()
	sc := episodeScope{sess: sessionFrom(r)}
	var err error
	if sc.epN, err = ordinal(r, "episode"); err != nil {
		return sc, err
	}
	if sc.hunt, err = st.Hunt(ctx, sc.sess.Event.ID); err != nil {
		return sc, err
	}
	if sc.episode, err = sc.hunt.EpisodeAt(sc.epN); err != nil {
		return sc, err
	}
	if sc.team, err = st.Progress(ctx, sc.sess.Event.ID, sc.sess.User.ID); err != nil {
		return sc, err
	}
	if !sc.hunt.EpisodeUnlockedBy(sc.episode.ID, sc.team) {
		return sc, hunt.Conflict(hunt.ReasonPuzzleLocked, "episode %d is locked", sc.epN)
	}
	return sc, nil
}

// puzzleScope is a resolved /hunt/ep/{episode}/pz/{puzzle} route. The user
// must be on a team and the puzzle unlocked for it.
type puzzleScope struct {
	episodeScope
	pzN    int
	puzzle hunt.Puzzle
	teamID int64
}

func loadPuzzle(r *http.Request, st Store) (puzzleScope, error) {
	ctx := r.Context()
	ep, err := loadEpisode(r, st)
	if err != nil {
		return puzzleScope{}, err
	}
	sc := puzzleScope{episodeScope: ep}
	if sc.pzN, err = ordinal(r, "puzzle"); err != nil {
		return sc, err
	}
	if sc.puzzle, err = sc.hunt.PuzzleAt(sc.episode.ID, sc.pzN); err != nil {
		return sc, err
	}
	sc.teamID, err = st.TeamFor(ctx, sc.sess.User.ID, sc.sess.Event.ID)
	if errors.Is(err, hunt.ErrNotFound) {
		return sc, hunt.Conflict(hunt.ReasonNoTeam, "join a team to play")
	}
	if err != nil {
		return sc, err
	}
	if !sc.hunt.PuzzleUnlockedBy(sc.puzzle.ID, sc.team, st.Now()) {
		return sc, hunt.Conflict(hunt.ReasonPuzzleLocked, "puzzle %d of episode %d is locked", sc.pzN, sc.epN)
	}
	return sc, nil
}

func handleEpisode(st Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := loadEpisode(r, st)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		ctx := r.Context()
		h, ep, team := sc.hunt, sc.episode, sc.team
		now := st.Now()

		resp := EpisodeResponse{
			Number:           sc.epN,
			Name:             ep.Name,
			Parallel:         ep.Parallel,
			Winning:          ep.Winning,
			Started:          h.Started(ep.ID, team, now),
			Finished:         h.EpisodeFinishedBy(ep.ID, team),
			StartDate:        ep.StartDate,
			EffectiveStart:   h.EffectiveStart(ep.ID, team),
			HeadstartSeconds: h.HeadstartApplied(ep.ID, team).Seconds(),
			Puzzles:          []PuzzleSummary{},
		}
		if resp.Started {
			for _, pz := range h.UnlockedPuzzles(ep.ID, team, now) {
				_, n, err := h.Position(pz.ID)
				if err != nil {
					writeErr(w, logger, err)
					return
				}
				resp.Puzzles = append(resp.Puzzles, PuzzleSummary{
					Number:   n,
					Title:    pz.Title,
					Answered: h.PuzzleAnsweredBy(pz.ID, team),
				})
			}
			if next, ok := h.NextPuzzle(ep.ID, team); ok {
				_, resp.NextPuzzle, _ = h.Position(next.ID)
			}
		}

		positions, err := finishedPositions(ctx, st, sc)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		resp.FinishedPositions = positions
		writeJSON(w, http.StatusOK, resp)
	}
}

func finishedPositions(ctx context.Context, st Store, sc episodeScope) ([]FinishResponse, error) {
	teams, err := st.TeamsProgress(ctx, sc.sess.Event.ID)
	if err != nil {
		return nil, err
	}
	list, err := st.Teams(ctx, sc.sess.Event.ID)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(list))
	for _, t := range list {
		names[t.ID] = t.Name
	}

	out := []FinishResponse{}
	for i, f := range sc.hunt.FinishedPositions(sc.episode.ID, teams) {
		out = append(out, FinishResponse{
			Position:   i + 1,
			TeamID:     f.TeamID,
			Team:       names[f.TeamID],
			FinishedAt: f.FinishedAt,
		})
	}
	return out, nil
}

// puzzleVars binds the team's and the user's scratch data for a script.
func puzzleVars(ctx context.Context, st Store, sc puzzleScope) (hunt.TeamPuzzleData, hunt.UserPuzzleData, map[string]any, error) {
	td, err := st.TeamPuzzleData(ctx, sc.puzzle.ID, sc.teamID)
	if err != nil {
		return td, hunt.UserPuzzleData{}, nil, err
	}
	ud, err := st.UserPuzzleData(ctx, sc.puzzle.ID, sc.sess.User.ID)
	if err != nil {
		return td, ud, nil, err
	}
	vars := map[string]any{
		"team_data": td.Data,
		"user_data": ud.Data,
		"team_id":   sc.teamID,
		"user_id":   sc.sess.User.ID,
		"episode":   sc.epN,
		"puzzle":    sc.pzN,
	}
	return td, ud, vars, nil
}

// savePuzzleVars stores the scratch data a script left behind.
func savePuzzleVars(ctx context.Context, st Store, td hunt.TeamPuzzleData, ud hunt.UserPuzzleData, vars map[string]any) error {
	if data, ok := scratch(vars["team_data"]); ok {
		td.Data = data
		if err := st.SaveTeamPuzzleData(ctx, td); err != nil {
			return err
		}
	}
	if data, ok := scratch(vars["user_data"]); ok {
		ud.Data = data
		if err := st.SaveUserPuzzleData(ctx, ud); err != nil {
			return err
		}
	}
	return nil
}

// scratch accepts a script table as puzzle data. An emptied table comes back
// as an empty list.
func scratch(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case []any:
		if len(x) == 0 {
			return map[string]any{}, true
		}
	}
	return nil, false
}

func handlePuzzle(st Store, renderer Renderer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := loadPuzzle(r, st)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		ctx := r.Context()
		pz := sc.puzzle

		td, ud, vars, err := puzzleVars(ctx, st, sc)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		out, err := renderer.Render(ctx, pz.Runtime, pz.Content, vars)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		if err := savePuzzleVars(ctx, st, td, ud, out.Vars); err != nil {
			writeErr(w, logger, err)
			return
		}

		resp := PuzzleResponse{
			Episode: sc.epN,
			Number:  sc.pzN,
			Title:   pz.Title,
			Text:    out.Text,
			Answers: []string{},
			Unlocks: []UnlockResponse{},
			Hints:   []HintResponse{},
		}

		answered, err := st.AnsweredBy(ctx, pz.ID, sc.teamID)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		for _, g := range answered {
			resp.Answers = append(resp.Answers, g.Text)
		}
		resp.Answered = len(answered) > 0
		if resp.Answered {
			resp.NextPuzzle = store.Redirect(sc.hunt, sc.episode.ID, sc.epN, sc.team)
		}

		unlocks, err := st.TeamUnlocks(ctx, pz.ID, sc.teamID)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		for _, tu := range unlocks {
			u := UnlockResponse{ID: tu.Unlock.ID, Text: tu.Unlock.Text, Guesses: []string{}}
			for _, g := range tu.Guesses {
				u.Guesses = append(u.Guesses, g.Text)
			}
			resp.Unlocks = append(resp.Unlocks, u)
		}

		hints, err := st.Hints(ctx, pz.ID)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		now := st.Now()
		for _, h := range hints {
			status, err := st.HintStatus(ctx, h, sc.teamID, now)
			if err != nil {
				writeErr(w, logger, err)
				return
			}
			if status.Unlocked {
				resp.Hints = append(resp.Hints, HintResponse{ID: h.ID, Text: h.Text})
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGuess(st Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GuessRequest
		if err := decode(r, &req); err != nil {
			writeErr(w, logger, err)
			return
		}
		sc, err := loadPuzzle(r, st)
		if err != nil {
			writeErr(w, logger, err)
			return
		}

		g, err := st.SubmitGuess(r.Context(), sc.sess.User.ID, sc.puzzle.ID, req.Guess)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		by, redirect, err := st.GuessDetails(r.Context(), g)
		if err != nil {
			writeErr(w, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, GuessResponse{
			ID:        g.ID,
			Guess:     g.Text,
			Correct:   g.Correct(),
			Timestamp: g.Given,
			By:        by,
			Redirect:  redirect,
		})
	}
}

// handleCallback runs the puzzle's callback script with the request data
// bound as "request", next to the usual scratch data.
func handleCallback(st Store, renderer Renderer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CallbackRequest
		if err := decode(r, &req); err != nil {
			writeErr(w, logger, err)
			return
		}
		sc, err := loadPuzzle(r, st)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		pz := sc.puzzle
		if pz.CallbackContent == "" {
			writeErr(w, logger, hunt.NotFound("callback", pz.ID))
			return
		}

		ctx := r.Context()
		td, ud, vars, err := puzzleVars(ctx, st, sc)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		if req.Data == nil {
			req.Data = map[string]any{}
		}
		vars["request"] = req.Data

		out, err := renderer.Render(ctx, pz.CallbackRuntime, pz.CallbackContent, vars)
		if err != nil {
			writeErr(w, logger, err)
			return
		}
		if err := savePuzzleVars(ctx, st, td, ud, out.Vars); err != nil {
			writeErr(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, CallbackResponse{Result: out.Text})
	}
}
