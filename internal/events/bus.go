package events

import (
	"context"
	"log/slog"

	"github.com/playperu/hunt/internal/metrics"
)

// DefaultBuffer is the queue length of a LocalBus.
const DefaultBuffer = 1024

// LocalBus is an in-process queue between the store and the dispatcher.
// When the queue is full events are dropped and logged; clients recover
// missed updates through replay requests.
type LocalBus struct {
	ch     chan Event
	logger *slog.Logger
}

func NewLocalBus(logger *slog.Logger, size int) *LocalBus {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &LocalBus{ch: make(chan Event, size), logger: logger}
}

func (b *LocalBus) Publish(_ context.Context, evs ...Event) error {
	for _, ev := range evs {
		b.deliver(ev)
	}
	return nil
}

func (b *LocalBus) deliver(ev Event) {
	select {
	case b.ch <- ev:
	default:
		b.logger.Warn("event queue full, dropping event", "kind", ev.Kind())
		metrics.DispatchDropped.WithLabelValues("queue_full").Inc()
	}
}

func (b *LocalBus) Events() <-chan Event { return b.ch }
