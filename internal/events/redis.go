package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// envelope is the wire form of an event on the Redis relay channel.
type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", ev.Kind(), err)
	}
	return json.Marshal(envelope{Kind: ev.Kind(), Data: data})
}

func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	ev, err := decodeKind(env.Kind, env.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Kind, err)
	}
	return ev, nil
}

func decodeKind(kind Kind, data []byte) (Event, error) {
	switch kind {
	case KindGuessCreated:
		return decodeAs[GuessCreated](data)
	case KindAnswerChanged:
		return decodeAs[AnswerChanged](data)
	case KindAnswerDeleted:
		return decodeAs[AnswerDeleted](data)
	case KindUnlockChanged:
		return decodeAs[UnlockChanged](data)
	case KindUnlockDeleted:
		return decodeAs[UnlockDeleted](data)
	case KindUnlockAnswerChanged:
		return decodeAs[UnlockAnswerChanged](data)
	case KindUnlockAnswerDeleted:
		return decodeAs[UnlockAnswerDeleted](data)
	case KindHintChanged:
		return decodeAs[HintChanged](data)
	case KindHintDeleted:
		return decodeAs[HintDeleted](data)
	case KindTeamChanged:
		return decodeAs[TeamChanged](data)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func decodeAs[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// RedisBus relays events through a Redis pub/sub channel so every process
// serving websockets sees every commit. Events received from Redis are queued
// locally exactly like LocalBus events.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	sub     *redis.PubSub
	local   *LocalBus
	logger  *slog.Logger
}

// NewRedisBus subscribes to channel before returning so no event published
// afterwards is missed.
func NewRedisBus(ctx context.Context, rdb *redis.Client, channel string, logger *slog.Logger) (*RedisBus, error) {
	sub := rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		sub:     sub,
		local:   NewLocalBus(logger, DefaultBuffer),
		logger:  logger,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, evs ...Event) error {
	for _, ev := range evs {
		payload, err := Encode(ev)
		if err != nil {
			return err
		}
		if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
			return fmt.Errorf("publishing %s: %w", ev.Kind(), err)
		}
	}
	return nil
}

// Run forwards relayed events to the local queue until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	defer b.sub.Close()
	ch := b.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Error("dropping undecodable event", "error", err)
				continue
			}
			b.local.deliver(ev)
		}
	}
}

func (b *RedisBus) Events() <-chan Event { return b.local.Events() }
