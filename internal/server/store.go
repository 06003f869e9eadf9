package server

import (
	"context"

	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/live"
	"github.com/playperu/hunt/internal/progress"
	"github.com/playperu/hunt/internal/runtimes"
)

type Store interface {
	live.Store

	CurrentEvent(ctx context.Context) (hunt.Event, error)
	UserByToken(ctx context.Context, token string) (hunt.User, error)
	IsAdmin(ctx context.Context, userID, eventID int64) (bool, error)
	TeamFor(ctx context.Context, userID, eventID int64) (int64, error)
	Teams(ctx context.Context, eventID int64) ([]hunt.Team, error)

	Hunt(ctx context.Context, eventID int64) (*progress.Hunt, error)
	Progress(ctx context.Context, eventID, userID int64) (progress.Team, error)
	TeamsProgress(ctx context.Context, eventID int64) ([]progress.Team, error)

	SubmitGuess(ctx context.Context, userID, puzzleID int64, text string) (hunt.Guess, error)

	TeamPuzzleData(ctx context.Context, puzzleID, teamID int64) (hunt.TeamPuzzleData, error)
	SaveTeamPuzzleData(ctx context.Context, d hunt.TeamPuzzleData) error
	UserPuzzleData(ctx context.Context, puzzleID, userID int64) (hunt.UserPuzzleData, error)
	SaveUserPuzzleData(ctx context.Context, d hunt.UserPuzzleData) error

	SaveEpisode(ctx context.Context, ep hunt.Episode) (hunt.Episode, error)
	DeleteEpisode(ctx context.Context, id int64) error
	SavePuzzle(ctx context.Context, pz hunt.Puzzle) (hunt.Puzzle, error)
	AddPuzzleToEpisode(ctx context.Context, puzzleID, episodeID int64) (hunt.Puzzle, error)
	DeletePuzzle(ctx context.Context, id int64) error
	SaveAnswer(ctx context.Context, a hunt.Answer) (hunt.Answer, error)
	DeleteAnswer(ctx context.Context, id int64) error
	SaveUnlock(ctx context.Context, u hunt.Unlock) (hunt.Unlock, error)
	DeleteUnlock(ctx context.Context, id int64) error
	SaveUnlockAnswer(ctx context.Context, a hunt.UnlockAnswer) (hunt.UnlockAnswer, error)
	DeleteUnlockAnswer(ctx context.Context, id int64) error
	SaveHint(ctx context.Context, h hunt.Hint) (hunt.Hint, error)
	DeleteHint(ctx context.Context, id int64) error
	MoveUser(ctx context.Context, userID, eventID, teamID int64) error
}

// Renderer runs puzzle content and callbacks.
type Renderer interface {
	Render(ctx context.Context, kind hunt.RuntimeKind, content string, vars map[string]any) (runtimes.Output, error)
}
