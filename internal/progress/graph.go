// Package progress derives what a team can see and solve from the episodes
// and puzzles of an event and the puzzles the team has answered. Nothing here
// is stored: every predicate is computed on demand.
package progress

import (
	"cmp"
	"slices"
	"time"

	"github.com/playperu/hunt/internal/hunt"
)

// Episode is an arena entry: the episode plus its puzzles in play order.
type Episode struct {
	hunt.Episode
	Puzzles []hunt.Puzzle
}

// Hunt is the episode graph of one event. Episodes are held in an arena keyed
// by id; prequel and headstart edges refer to arena ids.
type Hunt struct {
	episodes map[int64]*Episode
	order    []int64
	puzzleOf map[int64]int64
}

// New builds the graph, validating every edge and puzzle membership.
func New(episodes []hunt.Episode, puzzles []hunt.Puzzle) (*Hunt, error) {
	h := &Hunt{
		episodes: make(map[int64]*Episode, len(episodes)),
		puzzleOf: make(map[int64]int64, len(puzzles)),
	}
	for _, ep := range episodes {
		ep.Prequels, ep.HeadstartFrom = nil, nil
		if err := h.AddEpisode(ep); err != nil {
			return nil, err
		}
	}
	for _, ep := range episodes {
		if err := h.SetPrequels(ep.ID, ep.Prequels); err != nil {
			return nil, err
		}
		if err := h.SetHeadstartFrom(ep.ID, ep.HeadstartFrom); err != nil {
			return nil, err
		}
	}
	for _, pz := range puzzles {
		if pz.EpisodeID == 0 {
			continue
		}
		if err := h.AddPuzzle(pz); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// AddEpisode inserts ep with the edges it carries.
func (h *Hunt) AddEpisode(ep hunt.Episode) error {
	if _, ok := h.episodes[ep.ID]; ok {
		return hunt.Invalid("episode", "episode %d already exists", ep.ID)
	}
	prequels, headstart := ep.Prequels, ep.HeadstartFrom
	ep.Prequels, ep.HeadstartFrom = nil, nil
	h.episodes[ep.ID] = &Episode{Episode: ep}
	h.order = append(h.order, ep.ID)
	h.sortEpisodes()

	if err := h.SetPrequels(ep.ID, prequels); err != nil {
		h.removeEpisode(ep.ID)
		return err
	}
	if err := h.SetHeadstartFrom(ep.ID, headstart); err != nil {
		h.removeEpisode(ep.ID)
		return err
	}
	return nil
}

func (h *Hunt) removeEpisode(id int64) {
	delete(h.episodes, id)
	h.order = slices.DeleteFunc(h.order, func(e int64) bool { return e == id })
}

func (h *Hunt) sortEpisodes() {
	slices.SortFunc(h.order, func(a, b int64) int {
		ea, eb := h.episodes[a], h.episodes[b]
		if c := ea.StartDate.Compare(eb.StartDate); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
}

func prequelEdges(ep *Episode) []int64  { return ep.Prequels }
func headstartEdges(ep *Episode) []int64 { return ep.HeadstartFrom }

// SetPrequels replaces the prequels of episode id. A self reference, an
// edge that closes a cycle or a prequel starting after the episode is
// rejected and nothing changes. Every earlier episode already gates this
// one, so a later prequel would gate it in both directions.
func (h *Hunt) SetPrequels(id int64, prequels []int64) error {
	if err := h.checkEdges("prequels", id, prequels, prequelEdges); err != nil {
		return err
	}
	ep := h.episodes[id]
	for _, p := range prequels {
		if h.episodes[p].StartDate.After(ep.StartDate) {
			return hunt.Invalid("prequels", "prequel %d starts after episode %d", p, id)
		}
	}
	ep.Prequels = dedupe(prequels)
	return nil
}

// SetStartDate moves episode id to start. The move is rejected when a
// prequel of the episode would start after it, or when it would start after
// an episode that has it as a prequel.
func (h *Hunt) SetStartDate(id int64, start time.Time) error {
	ep, ok := h.episodes[id]
	if !ok {
		return hunt.NotFound("episode", id)
	}
	for _, p := range ep.Prequels {
		if h.episodes[p].StartDate.After(start) {
			return hunt.Invalid("start_date", "prequel %d would start after episode %d", p, id)
		}
	}
	for _, other := range h.episodes {
		if slices.Contains(other.Prequels, id) && start.After(other.StartDate) {
			return hunt.Invalid("start_date", "episode %d would start after episode %d, which requires it", id, other.ID)
		}
	}
	ep.StartDate = start
	h.sortEpisodes()
	return nil
}

// SetHeadstartFrom replaces the headstart sources of episode id under the
// same rules as SetPrequels.
func (h *Hunt) SetHeadstartFrom(id int64, sources []int64) error {
	if err := h.checkEdges("headstart_from", id, sources, headstartEdges); err != nil {
		return err
	}
	h.episodes[id].HeadstartFrom = dedupe(sources)
	return nil
}

func (h *Hunt) checkEdges(field string, id int64, targets []int64, next func(*Episode) []int64) error {
	if _, ok := h.episodes[id]; !ok {
		return hunt.NotFound("episode", id)
	}
	for _, t := range targets {
		if t == id {
			return hunt.Invalid(field, "episode %d cannot reference itself", id)
		}
		if _, ok := h.episodes[t]; !ok {
			return hunt.Invalid(field, "unknown episode %d", t)
		}
		// The new edge id -> t closes a cycle iff t already reaches id.
		if h.reaches(t, id, next) {
			return hunt.Invalid(field, "episode %d would form a cycle through episode %d", id, t)
		}
	}
	return nil
}

// reaches reports whether to is reachable from from along next. The walk
// visits each episode at most once.
func (h *Hunt) reaches(from, to int64, next func(*Episode) []int64) bool {
	seen := make(map[int64]bool, len(h.episodes))
	stack := []int64{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if ep, ok := h.episodes[cur]; ok {
			stack = append(stack, next(ep)...)
		}
	}
	return false
}

func dedupe(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// AddPuzzle places pz in its episode. A puzzle already held by another
// episode is rejected.
func (h *Hunt) AddPuzzle(pz hunt.Puzzle) error {
	ep, ok := h.episodes[pz.EpisodeID]
	if !ok {
		return hunt.NotFound("episode", pz.EpisodeID)
	}
	if owner, ok := h.puzzleOf[pz.ID]; ok {
		if owner != pz.EpisodeID {
			return hunt.Invalid("episode", "puzzle %d already belongs to episode %d", pz.ID, owner)
		}
		i := slices.IndexFunc(ep.Puzzles, func(p hunt.Puzzle) bool { return p.ID == pz.ID })
		ep.Puzzles[i] = pz
	} else {
		ep.Puzzles = append(ep.Puzzles, pz)
		h.puzzleOf[pz.ID] = pz.EpisodeID
	}
	slices.SortFunc(ep.Puzzles, func(a, b hunt.Puzzle) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return nil
}

// Episodes returns the episodes in play order: start date, then id.
func (h *Hunt) Episodes() []*Episode {
	out := make([]*Episode, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.episodes[id])
	}
	return out
}

func (h *Hunt) Episode(id int64) (*Episode, error) {
	ep, ok := h.episodes[id]
	if !ok {
		return nil, hunt.NotFound("episode", id)
	}
	return ep, nil
}

// EpisodeAt returns the n-th episode, counting from 1.
func (h *Hunt) EpisodeAt(n int) (*Episode, error) {
	if n < 1 || n > len(h.order) {
		return nil, hunt.NotFound("episode", n)
	}
	return h.episodes[h.order[n-1]], nil
}

// PuzzleAt returns the n-th puzzle of an episode, counting from 1.
func (h *Hunt) PuzzleAt(episodeID int64, n int) (hunt.Puzzle, error) {
	ep, err := h.Episode(episodeID)
	if err != nil {
		return hunt.Puzzle{}, err
	}
	if n < 1 || n > len(ep.Puzzles) {
		return hunt.Puzzle{}, hunt.NotFound("puzzle", n)
	}
	return ep.Puzzles[n-1], nil
}

func (h *Hunt) Puzzle(id int64) (hunt.Puzzle, error) {
	epID, ok := h.puzzleOf[id]
	if !ok {
		return hunt.Puzzle{}, hunt.NotFound("puzzle", id)
	}
	for _, pz := range h.episodes[epID].Puzzles {
		if pz.ID == id {
			return pz, nil
		}
	}
	return hunt.Puzzle{}, hunt.NotFound("puzzle", id)
}

// Position returns the 1-based ordinals of a puzzle and its episode.
func (h *Hunt) Position(puzzleID int64) (episode, puzzle int, err error) {
	epID, ok := h.puzzleOf[puzzleID]
	if !ok {
		return 0, 0, hunt.NotFound("puzzle", puzzleID)
	}
	episode = slices.Index(h.order, epID) + 1
	puzzle = slices.IndexFunc(h.episodes[epID].Puzzles, func(p hunt.Puzzle) bool { return p.ID == puzzleID }) + 1
	return episode, puzzle, nil
}
