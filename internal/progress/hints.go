package progress

import "time"

// HintStatus is where a hint stands for one team at one instant.
type HintStatus struct {
	Unlocked  bool
	Pending   bool
	Remaining time.Duration
}

// HintState evaluates a hint that is revealed once the time elapsed since
// the reference instant plus the team's headstart reaches delay. When the
// reference instant is not known yet (the gating unlock has not been
// revealed) the hint is neither unlocked nor pending.
func HintState(delay, headstart time.Duration, since time.Time, known bool, now time.Time) HintStatus {
	if !known {
		return HintStatus{}
	}
	due := since.Add(delay - headstart)
	if !now.Before(due) {
		return HintStatus{Unlocked: true}
	}
	return HintStatus{Pending: true, Remaining: due.Sub(now)}
}
