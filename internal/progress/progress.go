package progress

import (
	"cmp"
	"slices"
	"time"

	"github.com/playperu/hunt/internal/hunt"
)

// Team is what the rules need to know about a team: whether it administers
// the event and when it first answered each puzzle.
type Team struct {
	ID     int64
	Admin  bool
	Solved map[int64]time.Time
}

func (t Team) answered(puzzleID int64) bool {
	_, ok := t.Solved[puzzleID]
	return ok
}

// PuzzleAnsweredBy reports whether the team has a correct guess on the puzzle.
func (h *Hunt) PuzzleAnsweredBy(puzzleID int64, team Team) bool {
	return team.answered(puzzleID)
}

// EpisodeFinishedBy reports whether every puzzle of the episode is answered.
func (h *Hunt) EpisodeFinishedBy(id int64, team Team) bool {
	ep, ok := h.episodes[id]
	if !ok {
		return false
	}
	for _, pz := range ep.Puzzles {
		if !team.answered(pz.ID) {
			return false
		}
	}
	return true
}

// EpisodeUnlockedBy reports whether every episode that starts before this
// one, and every declared prequel, is finished by the team.
func (h *Hunt) EpisodeUnlockedBy(id int64, team Team) bool {
	ep, ok := h.episodes[id]
	if !ok {
		return false
	}
	if team.Admin {
		return true
	}
	for _, other := range h.episodes {
		if other.ID == id {
			continue
		}
		gating := other.StartDate.Before(ep.StartDate) || slices.Contains(ep.Prequels, other.ID)
		if gating && !h.EpisodeFinishedBy(other.ID, team) {
			return false
		}
	}
	return true
}

// HeadstartGranted is the headstart the team earned inside the episode.
func (h *Hunt) HeadstartGranted(id int64, team Team) time.Duration {
	ep, ok := h.episodes[id]
	if !ok {
		return 0
	}
	var total time.Duration
	for _, pz := range ep.Puzzles {
		if team.answered(pz.ID) {
			total += pz.HeadstartGranted
		}
	}
	return total
}

// HeadstartApplied is the headstart flowing into the episode from its
// headstart sources. The episode's own puzzles never count.
func (h *Hunt) HeadstartApplied(id int64, team Team) time.Duration {
	ep, ok := h.episodes[id]
	if !ok {
		return 0
	}
	var total time.Duration
	for _, src := range ep.HeadstartFrom {
		total += h.HeadstartGranted(src, team)
	}
	return total
}

// EffectiveStart is the episode start brought forward by applied headstart.
func (h *Hunt) EffectiveStart(id int64, team Team) time.Time {
	ep, ok := h.episodes[id]
	if !ok {
		return time.Time{}
	}
	return ep.StartDate.Add(-h.HeadstartApplied(id, team))
}

func (h *Hunt) Started(id int64, team Team, now time.Time) bool {
	if team.Admin {
		return true
	}
	if _, ok := h.episodes[id]; !ok {
		return false
	}
	return !now.Before(h.EffectiveStart(id, team))
}

// PuzzleUnlockedBy reports whether the team may view and guess the puzzle.
// In a linear episode every earlier puzzle must be answered; in a parallel
// episode all puzzles open with the episode.
func (h *Hunt) PuzzleUnlockedBy(puzzleID int64, team Team, now time.Time) bool {
	epID, ok := h.puzzleOf[puzzleID]
	if !ok {
		return false
	}
	if team.Admin {
		return true
	}
	if !h.Started(epID, team, now) || !h.EpisodeUnlockedBy(epID, team) {
		return false
	}
	ep := h.episodes[epID]
	if ep.Parallel {
		return true
	}
	for _, pz := range ep.Puzzles {
		if pz.ID == puzzleID {
			return true
		}
		if !team.answered(pz.ID) {
			return false
		}
	}
	return false
}

// UnlockedPuzzles lists the episode's puzzles the team may open, in order.
func (h *Hunt) UnlockedPuzzles(id int64, team Team, now time.Time) []hunt.Puzzle {
	ep, ok := h.episodes[id]
	if !ok {
		return nil
	}
	var out []hunt.Puzzle
	for _, pz := range ep.Puzzles {
		if h.PuzzleUnlockedBy(pz.ID, team, now) {
			out = append(out, pz)
		}
	}
	return out
}

// NextPuzzle returns the puzzle the team should move on to. A linear episode
// continues with its first unanswered puzzle. A parallel episode only has a
// next puzzle once exactly one puzzle is left unanswered.
func (h *Hunt) NextPuzzle(id int64, team Team) (hunt.Puzzle, bool) {
	ep, ok := h.episodes[id]
	if !ok {
		return hunt.Puzzle{}, false
	}
	var open []hunt.Puzzle
	for _, pz := range ep.Puzzles {
		if team.answered(pz.ID) {
			continue
		}
		if !ep.Parallel {
			return pz, true
		}
		open = append(open, pz)
	}
	if len(open) == 1 {
		return open[0], true
	}
	return hunt.Puzzle{}, false
}

// Finish records when a team answered the last puzzle of an episode.
type Finish struct {
	TeamID     int64
	FinishedAt time.Time
}

// FinishedPositions ranks the teams that finished the episode by the time
// of their last answer, ties broken by team id. Admin teams are not ranked.
func (h *Hunt) FinishedPositions(id int64, teams []Team) []Finish {
	ep, ok := h.episodes[id]
	if !ok || len(ep.Puzzles) == 0 {
		return nil
	}
	var out []Finish
	for _, t := range teams {
		if t.Admin || !h.EpisodeFinishedBy(id, t) {
			continue
		}
		var last time.Time
		for _, pz := range ep.Puzzles {
			if at := t.Solved[pz.ID]; at.After(last) {
				last = at
			}
		}
		out = append(out, Finish{TeamID: t.ID, FinishedAt: last})
	}
	slices.SortFunc(out, func(a, b Finish) int {
		if c := a.FinishedAt.Compare(b.FinishedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.TeamID, b.TeamID)
	})
	return out
}
