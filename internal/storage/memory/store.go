// Package memory is a process-local GroupStore. A single mutex serializes
// every operation, which gives the same atomicity as a store-side update.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"example.com/groups/internal/domain"
)

var errDuplicateID = errors.New("memory: duplicate group id")

type Store struct {
	mu     sync.Mutex
	groups map[string]domain.Room
	// used holds every id ever inserted so an id can never be reused.
	used map[string]struct{}
}

func New() *Store {
	return &Store{
		groups: make(map[string]domain.Room),
		used:   make(map[string]struct{}),
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func (s *Store) Insert(ctx context.Context, room domain.Room, maxPerCreator int) (domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return domain.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countLocked(room.CreatorID) >= maxPerCreator {
		return domain.Room{}, domain.ErrQuotaExceeded
	}
	if _, ok := s.used[room.ID]; ok {
		return domain.Room{}, errDuplicateID
	}
	room = clone(room)
	s.groups[room.ID] = room
	s.used[room.ID] = struct{}{}
	return clone(room), nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return domain.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.groups[id]
	if !ok {
		return domain.Room{}, domain.ErrNotFound
	}
	return clone(r), nil
}

func (s *Store) ListByCreator(ctx context.Context, creatorID string, limit int) ([]domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := []domain.Room{}
	for _, r := range s.groups {
		if r.CreatorID == creatorID {
			out = append(out, clone(r))
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.Room) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountByCreator(ctx context.Context, creatorID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(creatorID), nil
}

func (s *Store) countLocked(creatorID string) int {
	n := 0
	for _, r := range s.groups {
		if r.CreatorID == creatorID {
			n++
		}
	}
	return n
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[id]
	delete(s.groups, id)
	return ok, nil
}

func (s *Store) AdjustPresence(ctx context.Context, id string, delta int, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.groups[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	r.ActiveUserCount = max(r.ActiveUserCount+delta, 0)
	if at.After(r.LastActiveAt) {
		r.LastActiveAt = at
	}
	s.groups[id] = r
	return r.ActiveUserCount, nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.groups[id]
	if !ok {
		return time.Time{}, domain.ErrNotFound
	}
	if at.After(r.LastActiveAt) {
		r.LastActiveAt = at
	}
	s.groups[id] = r
	return r.LastActiveAt, nil
}

func (s *Store) GetKey(ctx context.Context, id string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.groups[id]
	if !ok {
		return nil, "", domain.ErrNotFound
	}
	return slices.Clone(r.PublicKey), r.KeyDigest, nil
}

func (s *Store) DeleteEmpty(ctx context.Context) ([]string, error) {
	return s.deleteWhere(ctx, func(r domain.Room) bool { return r.ActiveUserCount <= 0 })
}

func (s *Store) DeleteInactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.deleteWhere(ctx, func(r domain.Room) bool {
		return r.ActiveUserCount == domain.AbandonedPresenceMax && r.LastActiveAt.Before(cutoff)
	})
}

func (s *Store) deleteWhere(ctx context.Context, match func(domain.Room) bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for id, r := range s.groups {
		if match(r) {
			delete(s.groups, id)
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// SetLastActive overwrites LastActiveAt without the monotonic guard. It exists
// for tests and maintenance tooling that need to age a room.
func (s *Store) SetLastActive(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.groups[id]
	if !ok {
		return false
	}
	r.LastActiveAt = at
	s.groups[id] = r
	return true
}

func clone(r domain.Room) domain.Room {
	r.Tags = slices.Clone(r.Tags)
	r.PublicKey = slices.Clone(r.PublicKey)
	return r
}
