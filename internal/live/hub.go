// Package live pushes guesses, unlocks and hints to connected team clients.
// A single dispatcher turns committed domain events into deliveries on hub
// channels; each websocket connection is an actor that owns its hint timers.
package live

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/metrics"
)

// Channel addresses the connections of one team on one puzzle. TeamID 0 is
// the puzzle-wide channel every connection on the puzzle listens to.
type Channel struct {
	PuzzleID int64
	TeamID   int64
}

// delivery is what the hub hands to a connection's inbox.
type delivery interface{ isDelivery() }

// push is a wire message for the client. solved marks a correct guess.
type push struct {
	msg    Message
	solved bool
}

// hintChanged asks each connection to re-evaluate a hint for its own team.
type hintChanged struct{ hint hunt.Hint }

type hintRemoved struct{ hint hunt.Hint }

// answersChanged asks each connection to re-check whether its team has
// solved the puzzle.
type answersChanged struct{}

// teamMoved tells the user's connections that their team changed.
type teamMoved struct{ userID int64 }

func (push) isDelivery()           {}
func (hintChanged) isDelivery()    {}
func (hintRemoved) isDelivery()    {}
func (answersChanged) isDelivery() {}
func (teamMoved) isDelivery()      {}

type subscriber interface {
	// deliver must not block. It reports false when the delivery was dropped.
	deliver(d delivery) bool
}

// Hub is an in-process fan-out of deliveries, keyed by channel.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Channel]map[subscriber]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[Channel]map[subscriber]struct{}),
	}
}

func (h *Hub) subscribe(ch Channel, s subscriber) {
	h.mu.Lock()
	if h.subs[ch] == nil {
		h.subs[ch] = make(map[subscriber]struct{})
	}
	h.subs[ch][s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(ch Channel, s subscriber) {
	h.mu.Lock()
	delete(h.subs[ch], s)
	if len(h.subs[ch]) == 0 {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
}

// send delivers d to every subscriber of ch and returns how many accepted it.
func (h *Hub) send(ch Channel, d delivery) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for s := range h.subs[ch] {
		if h.offer(s, d) {
			n++
		}
	}
	return n
}

// broadcast delivers d once to every subscriber of any channel.
func (h *Hub) broadcast(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[subscriber]struct{})
	for _, set := range h.subs {
		for s := range set {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			h.offer(s, d)
		}
	}
}

func (h *Hub) offer(s subscriber, d delivery) bool {
	if s.deliver(d) {
		return true
	}
	h.logger.Warn("connection inbox full, dropping delivery", "delivery", fmt.Sprintf("%T", d))
	metrics.DispatchDropped.WithLabelValues("inbox_full").Inc()
	return false
}

// Subscribers returns the number of subscriptions on ch.
func (h *Hub) Subscribers(ch Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ch])
}
