// Package sweep reclaims groups that nobody can still be using. Each sweep
// evaluates two predicates independently:
//
//   - empty: no active participants.
//   - inactive: exactly one participant and no activity for longer than the
//     inactivity threshold (strictly older than the cutoff).
//
// Groups with two or more participants are never reclaimed by time alone.
// A failure under one predicate is logged and reported without stopping the
// other, and counts are always best effort.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"example.com/groups/internal/domain"
	"example.com/groups/internal/events"
	"example.com/groups/internal/metrics"
	"example.com/groups/internal/retry"
)

type Store interface {
	DeleteEmpty(ctx context.Context) ([]string, error)
	DeleteInactive(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Result reports one sweep. EmptyErr and InactiveErr are nil when the
// corresponding predicate completed.
type Result struct {
	Deleted        int
	EmptyGroups    int
	InactiveGroups int
	EmptyErr       error
	InactiveErr    error
}

type Collector struct {
	store     Store
	events    events.Publisher
	policy    retry.Policy
	threshold time.Duration
	interval  time.Duration
	log       zerolog.Logger
	Now       func() time.Time
}

type Options struct {
	Interval            time.Duration
	InactivityThreshold time.Duration
	Policy              retry.Policy
	Events              events.Publisher
}

func NewCollector(store Store, opts Options, log zerolog.Logger) *Collector {
	if opts.InactivityThreshold <= 0 {
		opts.InactivityThreshold = domain.InactivityThreshold
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Collector{
		store:     store,
		events:    opts.Events,
		policy:    opts.Policy,
		threshold: opts.InactivityThreshold,
		interval:  opts.Interval,
		log:       log.With().Str("component", "sweep").Logger(),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs both predicates once.
func (c *Collector) Sweep(ctx context.Context) Result {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res Result
	empty, err := c.reclaim(ctx, domain.PredicateEmpty, func(ctx context.Context) ([]string, error) {
		return c.store.DeleteEmpty(ctx)
	})
	res.EmptyGroups, res.EmptyErr = len(empty), err

	cutoff := c.Now().Add(-c.threshold)
	inactive, err := c.reclaim(ctx, domain.PredicateInactive, func(ctx context.Context) ([]string, error) {
		return c.store.DeleteInactive(ctx, cutoff)
	})
	res.InactiveGroups, res.InactiveErr = len(inactive), err

	res.Deleted = res.EmptyGroups + res.InactiveGroups
	c.log.Info().
		Int("deleted", res.Deleted).
		Int("empty", res.EmptyGroups).
		Int("inactive", res.InactiveGroups).
		Time("cutoff", cutoff).
		Msg("sweep finished")
	return res
}

// reclaim runs one predicate with its own retry budget. Ids deleted by
// attempts that later failed are still counted.
func (c *Collector) reclaim(ctx context.Context, predicate string, del func(context.Context) ([]string, error)) ([]string, error) {
	var deleted []string
	err := retry.Do(ctx, c.policy, "sweep_"+predicate, func(ctx context.Context) error {
		ids, err := del(ctx)
		deleted = append(deleted, ids...)
		return err
	})
	if err != nil {
		metrics.SweepFailures.WithLabelValues(predicate).Inc()
		c.log.Error().Err(err).Str("predicate", predicate).Int("deleted", len(deleted)).Msg("sweep predicate failed")
	}
	if len(deleted) > 0 {
		metrics.GroupsReclaimed.WithLabelValues(predicate).Add(float64(len(deleted)))
	}
	now := c.Now()
	for _, id := range deleted {
		c.events.Publish(ctx, events.Event{Type: events.TypeReclaimed, GroupID: id, Predicate: predicate, At: now})
	}
	return deleted, err
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the loop; sweeps then only happen on demand.
func (c *Collector) Run(ctx context.Context) {
	if c.interval <= 0 {
		c.log.Info().Msg("periodic sweep disabled")
		return
	}
	t := time.NewTicker(c.interval)
	defer t.Stop()
	c.log.Info().Dur("interval", c.interval).Dur("threshold", c.threshold).Msg("periodic sweep started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep(ctx)
		}
	}
}

// Start runs the loop in its own goroutine, the way the server wires it.
func (c *Collector) Start(ctx context.Context) {
	go c.Run(ctx)
}
