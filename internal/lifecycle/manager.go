// Package lifecycle creates, lists and ends groups. It is the only place a
// group is born, and with the sweep, one of two places a group dies.
package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"example.com/groups/internal/domain"
	"example.com/groups/internal/events"
	"example.com/groups/internal/keyregistry"
	"example.com/groups/internal/metrics"
	"example.com/groups/internal/retry"
)

type Store interface {
	Insert(ctx context.Context, room domain.Room, maxPerCreator int) (domain.Room, error)
	Get(ctx context.Context, id string) (domain.Room, error)
	ListByCreator(ctx context.Context, creatorID string, limit int) ([]domain.Room, error)
	CountByCreator(ctx context.Context, creatorID string) (int, error)
	Delete(ctx context.Context, id string) (bool, error)
}

type CreateInput struct {
	CreatorID string
	Name      string
	Tags      []string
	PublicKey []byte
}

type Manager struct {
	store         Store
	keys          *keyregistry.Registry
	events        events.Publisher
	policy        retry.Policy
	maxPerCreator int
	log           zerolog.Logger
	Now           func() time.Time
}

type Options struct {
	MaxPerCreator int
	Policy        retry.Policy
	Events        events.Publisher
}

func NewManager(store Store, keys *keyregistry.Registry, opts Options, log zerolog.Logger) *Manager {
	if opts.MaxPerCreator <= 0 {
		opts.MaxPerCreator = domain.MaxRoomsPerCreator
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Manager{
		store:         store,
		keys:          keys,
		events:        opts.Events,
		policy:        opts.Policy,
		maxPerCreator: opts.MaxPerCreator,
		log:           log.With().Str("component", "lifecycle").Logger(),
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and normalizes in, then persists a new group with no
// participants. The quota check and the insert are atomic per creator in
// every store backend.
func (m *Manager) Create(ctx context.Context, in CreateInput) (domain.Room, error) {
	name, tags := in.Name, in.Tags
	if err := domain.ValidateCreate(in.CreatorID, &name, &tags, in.PublicKey); err != nil {
		return domain.Room{}, err
	}

	now := m.Now()
	room := domain.Room{
		ID:           domain.NewRoomID(),
		Name:         name,
		Tags:         tags,
		CreatorID:    in.CreatorID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := m.keys.SetKey(&room, in.PublicKey); err != nil {
		return domain.Room{}, err
	}

	// A timed-out insert may have committed; retrying would risk a second row.
	stored, err := retry.Value(ctx, m.policy.Once(), "insert", func(ctx context.Context) (domain.Room, error) {
		return m.store.Insert(ctx, room, m.maxPerCreator)
	})
	if errors.Is(err, domain.ErrQuotaExceeded) {
		metrics.QuotaRejections.Inc()
		m.log.Info().Str("creator_id", in.CreatorID).Int("max", m.maxPerCreator).Msg("group quota reached")
		return domain.Room{}, err
	}
	if err != nil {
		return domain.Room{}, err
	}

	metrics.GroupsCreated.Inc()
	m.log.Info().Str("group_id", stored.ID).Str("creator_id", stored.CreatorID).Msg("group created")
	m.events.Publish(ctx, events.Event{
		Type:      events.TypeCreated,
		GroupID:   stored.ID,
		CreatorID: stored.CreatorID,
		At:        now,
	})
	return stored, nil
}

// ListByCreator returns up to limit of the creator's groups, newest first.
// A blank creator id yields an empty list.
func (m *Manager) ListByCreator(ctx context.Context, creatorID string, limit int) ([]domain.Room, error) {
	if strings.TrimSpace(creatorID) == "" {
		return []domain.Room{}, nil
	}
	if limit <= 0 || limit > domain.DefaultListLimit {
		limit = domain.DefaultListLimit
	}
	rooms, err := retry.Value(ctx, m.policy, "list_by_creator", func(ctx context.Context) ([]domain.Room, error) {
		return m.store.ListByCreator(ctx, creatorID, limit)
	})
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []domain.Room{}
	}
	return rooms, nil
}

// Quota reports how many groups the creator holds and the per-creator limit.
type Quota struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// QuotaFor reads the creator's current usage. The answer is advisory: Create
// enforces the limit atomically on its own.
func (m *Manager) QuotaFor(ctx context.Context, creatorID string) (Quota, error) {
	q := Quota{Limit: m.maxPerCreator, Remaining: m.maxPerCreator}
	if strings.TrimSpace(creatorID) == "" {
		return q, nil
	}
	n, err := retry.Value(ctx, m.policy, "count_by_creator", func(ctx context.Context) (int, error) {
		return m.store.CountByCreator(ctx, creatorID)
	})
	if err != nil {
		return Quota{}, err
	}
	q.Used = n
	q.Remaining = max(m.maxPerCreator-n, 0)
	return q, nil
}

func (m *Manager) Get(ctx context.Context, id string) (domain.Room, error) {
	return retry.Value(ctx, m.policy, "get", func(ctx context.Context) (domain.Room, error) {
		return m.store.Get(ctx, id)
	})
}

// End deletes the group regardless of its presence. Ending a group that is
// already gone succeeds.
func (m *Manager) End(ctx context.Context, id string) error {
	deleted, err := retry.Value(ctx, m.policy, "delete", func(ctx context.Context) (bool, error) {
		return m.store.Delete(ctx, id)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !deleted {
		m.log.Debug().Str("group_id", id).Msg("end on missing group")
		return nil
	}
	metrics.GroupsEnded.Inc()
	m.log.Info().Str("group_id", id).Msg("group ended")
	m.events.Publish(ctx, events.Event{Type: events.TypeEnded, GroupID: id, At: m.Now()})
	return nil
}
