package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/store"
)

const demoCounter = `team_data.visits = (team_data.visits or 0) + 1
return "Your team has opened this page " .. team_data.visits .. " times. What has keys but opens no locks?"`

const demoCallback = `if request.knock == "knock" then
  user_data.knocked = true
  return "come in"
end
return "who is there?"`

// SeedDemo creates a running demo event with two teams and two episodes when
// no event is current. Session tokens are logged so the demo can be played.
// Idempotent: does nothing if an event already exists.
func SeedDemo(ctx context.Context, logger *slog.Logger, st *store.Store) error {
	_, err := st.CurrentEvent(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, hunt.ErrNotFound) {
		return err
	}

	now := st.Now()
	tokens := map[string]string{}
	err = st.InTx(ctx, func(ctx context.Context) error {
		ev, err := st.CreateEvent(ctx, hunt.Event{Name: "Demo Hunt", EndDate: now.Add(7 * 24 * time.Hour), Current: true})
		if err != nil {
			return err
		}

		teams := map[string]hunt.Team{}
		for _, name := range []string{"red", "blue"} {
			if teams[name], err = st.CreateTeam(ctx, ev.ID, name); err != nil {
				return err
			}
		}
		for _, m := range []struct{ user, team string }{{"alice", "red"}, {"bob", "blue"}, {"gm", ""}} {
			tokens[m.user] = uuid.NewString()
			u, err := st.CreateUser(ctx, m.user, tokens[m.user])
			if err != nil {
				return err
			}
			if m.team == "" {
				if err := st.AddAdmin(ctx, ev.ID, u.ID); err != nil {
					return err
				}
				continue
			}
			if err := st.MoveUser(ctx, u.ID, ev.ID, teams[m.team].ID); err != nil {
				return err
			}
		}

		opening, err := st.SaveEpisode(ctx, hunt.Episode{EventID: ev.ID, Name: "Opening", StartDate: now.Add(-time.Hour)})
		if err != nil {
			return err
		}
		first, err := st.SavePuzzle(ctx, hunt.Puzzle{EpisodeID: opening.ID, Title: "Warm-up", Content: "What is the capital of Peru?"})
		if err != nil {
			return err
		}
		if _, err := st.SaveAnswer(ctx, hunt.Answer{PuzzleID: first.ID, Runtime: hunt.RuntimeStatic, Pattern: "Lima"}); err != nil {
			return err
		}
		second, err := st.SavePuzzle(ctx, hunt.Puzzle{
			EpisodeID:        opening.ID,
			Title:            "Counting",
			Runtime:          hunt.RuntimeScript,
			Content:          demoCounter,
			CallbackRuntime:  hunt.RuntimeScript,
			CallbackContent:  demoCallback,
			HeadstartGranted: 10 * time.Minute,
		})
		if err != nil {
			return err
		}
		if _, err := st.SaveAnswer(ctx, hunt.Answer{PuzzleID: second.ID, Runtime: hunt.RuntimeRegex, Pattern: `(?i)an? piano`}); err != nil {
			return err
		}
		unlock, err := st.SaveUnlock(ctx, hunt.Unlock{PuzzleID: second.ID, Text: "Think of music."})
		if err != nil {
			return err
		}
		if _, err := st.SaveUnlockAnswer(ctx, hunt.UnlockAnswer{UnlockID: unlock.ID, Runtime: hunt.RuntimeRegex, Pattern: `(?i)keyboard|door`}); err != nil {
			return err
		}
		if _, err := st.SaveHint(ctx, hunt.Hint{PuzzleID: second.ID, Text: "It has 88 keys.", Delay: 5 * time.Minute}); err != nil {
			return err
		}
		if _, err := st.SaveHint(ctx, hunt.Hint{PuzzleID: second.ID, Text: "Black and white.", Delay: time.Minute, StartAfter: unlock.ID}); err != nil {
			return err
		}

		finale, err := st.SaveEpisode(ctx, hunt.Episode{
			EventID:       ev.ID,
			Name:          "Finale",
			StartDate:     now.Add(30 * time.Minute),
			Parallel:      true,
			Winning:       true,
			HeadstartFrom: []int64{opening.ID},
		})
		if err != nil {
			return err
		}
		for _, p := range []struct{ title, content, answer string }{
			{"North", "Where does the compass point?", "north"},
			{"South", "Opposite of north?", "south"},
		} {
			pz, err := st.SavePuzzle(ctx, hunt.Puzzle{EpisodeID: finale.ID, Title: p.title, Content: p.content})
			if err != nil {
				return err
			}
			if _, err := st.SaveAnswer(ctx, hunt.Answer{PuzzleID: pz.ID, Runtime: hunt.RuntimeStatic, Pattern: p.answer}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for user, token := range tokens {
		logger.Info("demo user created", "user", user, "token", token)
	}
	logger.Info("demo event seeded")
	return nil
}
