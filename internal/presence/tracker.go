// Package presence tracks how many participants are in each group and when
// the group last saw activity. Every update is a single store-side atomic
// operation, so concurrent joins and leaves are never lost.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"example.com/groups/internal/domain"
	"example.com/groups/internal/events"
	"example.com/groups/internal/metrics"
	"example.com/groups/internal/retry"
)

type Store interface {
	AdjustPresence(ctx context.Context, id string, delta int, at time.Time) (int, error)
	Touch(ctx context.Context, id string, at time.Time) (time.Time, error)
}

type Tracker struct {
	store  Store
	events events.Publisher
	policy retry.Policy
	log    zerolog.Logger
	Now    func() time.Time
}

func NewTracker(store Store, pub events.Publisher, policy retry.Policy, log zerolog.Logger) *Tracker {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Tracker{
		store:  store,
		events: pub,
		policy: policy,
		log:    log.With().Str("component", "presence").Logger(),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Join adds one participant and returns the new count.
func (t *Tracker) Join(ctx context.Context, id string) (int, error) {
	n, err := t.adjust(ctx, "join", id, +1)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Leave removes one participant, never going below zero. Leaving a group that
// no longer exists succeeds with a count of zero.
func (t *Tracker) Leave(ctx context.Context, id string) (int, error) {
	n, err := t.adjust(ctx, "leave", id, -1)
	if errors.Is(err, domain.ErrNotFound) {
		t.log.Debug().Str("group_id", id).Msg("leave on missing group")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Heartbeat records activity without changing the participant count and
// returns the resulting LastActiveAt.
func (t *Tracker) Heartbeat(ctx context.Context, id string) (time.Time, error) {
	at, err := retry.Value(ctx, t.policy, "heartbeat", func(ctx context.Context) (time.Time, error) {
		return t.store.Touch(ctx, id, t.Now())
	})
	if err != nil {
		return time.Time{}, err
	}
	metrics.PresenceOps.WithLabelValues("heartbeat").Inc()
	return at, nil
}

func (t *Tracker) adjust(ctx context.Context, op, id string, delta int) (int, error) {
	at := t.Now()
	n, err := retry.Value(ctx, t.policy.Once(), op, func(ctx context.Context) (int, error) {
		return t.store.AdjustPresence(ctx, id, delta, at)
	})
	if err != nil {
		return 0, err
	}
	metrics.PresenceOps.WithLabelValues(op).Inc()
	t.events.Publish(ctx, events.Event{
		Type:            events.TypePresence,
		GroupID:         id,
		ActiveUserCount: events.Count(n),
		At:              at,
	})
	return n, nil
}
