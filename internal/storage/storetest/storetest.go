// Package storetest is a conformance suite run against every GroupStore
// backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/groups/internal/domain"
	"example.com/groups/internal/keyregistry"
	"example.com/groups/internal/storage"
)

// Base is the reference instant used by the suite. It is millisecond aligned
// so every backend stores it exactly.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewRoom returns an unsaved room owned by creator and created at created.
func NewRoom(creator string, created time.Time) domain.Room {
	key := []byte("pk-" + creator)
	return domain.Room{
		ID:           domain.NewRoomID(),
		Name:         "room",
		Tags:         []string{"a", "b"},
		PublicKey:    key,
		KeyDigest:    keyregistry.Fingerprint(key),
		CreatorID:    creator,
		CreatedAt:    created,
		LastActiveAt: created,
	}
}

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.GroupStore) {
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, newStore(t)) })
	t.Run("Quota", func(t *testing.T) { testQuota(t, newStore(t)) })
	t.Run("ConcurrentQuota", func(t *testing.T) { testConcurrentQuota(t, newStore(t)) })
	t.Run("ListByCreator", func(t *testing.T) { testListByCreator(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("AdjustPresence", func(t *testing.T) { testAdjustPresence(t, newStore(t)) })
	t.Run("ConcurrentPresence", func(t *testing.T) { testConcurrentPresence(t, newStore(t)) })
	t.Run("Touch", func(t *testing.T) { testTouch(t, newStore(t)) })
	t.Run("GetKey", func(t *testing.T) { testGetKey(t, newStore(t)) })
	t.Run("DeleteEmpty", func(t *testing.T) { testDeleteEmpty(t, newStore(t)) })
	t.Run("DeleteInactive", func(t *testing.T) { testDeleteInactive(t, newStore(t)) })
}

func mustInsert(t *testing.T, s storage.GroupStore, r domain.Room) domain.Room {
	t.Helper()
	stored, err := s.Insert(context.Background(), r, domain.MaxRoomsPerCreator)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return stored
}

func mustAdjust(t *testing.T, s storage.GroupStore, id string, delta int, at time.Time) int {
	t.Helper()
	n, err := s.AdjustPresence(context.Background(), id, delta, at)
	if err != nil {
		t.Fatalf("AdjustPresence(%+d): %v", delta, err)
	}
	return n
}

func testInsertGet(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	want := NewRoom("alice", Base)
	stored := mustInsert(t, s, want)
	if stored.ID != want.ID || stored.ActiveUserCount != 0 {
		t.Fatalf("stored = %+v", stored)
	}

	got, err := s.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != want.Name || got.CreatorID != want.CreatorID || string(got.PublicKey) != string(want.PublicKey) {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "a" || got.Tags[1] != "b" {
		t.Fatalf("tags = %v", got.Tags)
	}
	if !got.CreatedAt.Equal(Base) || !got.LastActiveAt.Equal(Base) {
		t.Fatalf("timestamps = %v / %v", got.CreatedAt, got.LastActiveAt)
	}

	if _, err := s.Get(ctx, domain.NewRoomID()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}
}

func testQuota(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	const limit = 3
	for i := range limit {
		if _, err := s.Insert(ctx, NewRoom("bob", Base.Add(time.Duration(i)*time.Second)), limit); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if _, err := s.Insert(ctx, NewRoom("bob", Base.Add(time.Hour)), limit); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("over quota: want ErrQuotaExceeded, got %v", err)
	}
	if n, _ := s.CountByCreator(ctx, "bob"); n != limit {
		t.Fatalf("count = %d, want %d", n, limit)
	}
	if _, err := s.Insert(ctx, NewRoom("carol", Base), limit); err != nil {
		t.Fatalf("other creator affected: %v", err)
	}

	// Freeing a slot makes room for one more.
	rooms, _ := s.ListByCreator(ctx, "bob", 10)
	if _, err := s.Delete(ctx, rooms[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, NewRoom("bob", Base.Add(2*time.Hour)), limit); err != nil {
		t.Fatalf("insert after delete: %v", err)
	}
}

func testConcurrentQuota(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	const attempts = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Insert(ctx, NewRoom("dave", Base.Add(time.Duration(i)*time.Millisecond)), domain.MaxRoomsPerCreator)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("insert: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != domain.MaxRoomsPerCreator || rejected != attempts-domain.MaxRoomsPerCreator {
		t.Fatalf("ok=%d rejected=%d", ok, rejected)
	}
	if n, _ := s.CountByCreator(ctx, "dave"); n != domain.MaxRoomsPerCreator {
		t.Fatalf("count = %d", n)
	}
}

func testListByCreator(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	var ids []string
	for i := range 4 {
		r := mustInsert(t, s, NewRoom("erin", Base.Add(time.Duration(i)*time.Minute)))
		ids = append(ids, r.ID)
	}
	mustInsert(t, s, NewRoom("frank", Base))

	got, err := s.ListByCreator(ctx, "erin", 10)
	if err != nil {
		t.Fatalf("ListByCreator: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for i, r := range got {
		if r.ID != ids[len(ids)-1-i] {
			t.Fatalf("position %d = %s, want newest first", i, r.ID)
		}
	}

	got, _ = s.ListByCreator(ctx, "erin", 2)
	if len(got) != 2 || got[0].ID != ids[3] || got[1].ID != ids[2] {
		t.Fatalf("limit 2 = %v", got)
	}

	got, err = s.ListByCreator(ctx, "nobody", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("unknown creator: %v, %v", got, err)
	}
}

func testDelete(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	r := mustInsert(t, s, NewRoom("gina", Base))
	mustAdjust(t, s, r.ID, 3, Base)

	deleted, err := s.Delete(ctx, r.ID)
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	deleted, err = s.Delete(ctx, r.ID)
	if err != nil || deleted {
		t.Fatalf("second Delete = %v, %v", deleted, err)
	}
	if _, err := s.Get(ctx, r.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	if _, err := s.AdjustPresence(ctx, r.ID, 1, Base); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("join after delete: want ErrNotFound, got %v", err)
	}
	if n, _ := s.CountByCreator(ctx, "gina"); n != 0 {
		t.Fatalf("count after delete = %d", n)
	}
}

func testAdjustPresence(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	r := mustInsert(t, s, NewRoom("hank", Base))

	for i := 1; i <= 3; i++ {
		if n := mustAdjust(t, s, r.ID, 1, Base.Add(time.Duration(i)*time.Second)); n != i {
			t.Fatalf("join %d: count %d", i, n)
		}
	}
	for _, want := range []int{2, 1, 0, 0, 0} {
		if n := mustAdjust(t, s, r.ID, -1, Base.Add(10*time.Second)); n != want {
			t.Fatalf("leave: count %d, want %d", n, want)
		}
	}
	// An out-of-order update never moves LastActiveAt backwards.
	mustAdjust(t, s, r.ID, 1, Base)
	got, _ := s.Get(ctx, r.ID)
	if got.ActiveUserCount != 1 || !got.LastActiveAt.Equal(Base.Add(10*time.Second)) {
		t.Fatalf("after stale join: %+v", got)
	}

	if _, err := s.AdjustPresence(ctx, domain.NewRoomID(), 1, Base); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing room: want ErrNotFound, got %v", err)
	}
}

func testConcurrentPresence(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	r := mustInsert(t, s, NewRoom("ivy", Base))

	var wg sync.WaitGroup
	const joins = 50
	for range joins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AdjustPresence(ctx, r.ID, 1, Base); err != nil {
				t.Errorf("join: %v", err)
			}
		}()
	}
	wg.Wait()

	// Interleave equal numbers of joins and leaves; the count can never
	// reach the clamp, so it must come back to exactly joins.
	const pairs = 40
	for range pairs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := s.AdjustPresence(ctx, r.ID, 1, Base); err != nil {
				t.Errorf("join: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.AdjustPresence(ctx, r.ID, -1, Base); err != nil {
				t.Errorf("leave: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveUserCount != joins {
		t.Fatalf("count = %d, want %d", got.ActiveUserCount, joins)
	}
}

func testTouch(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	r := mustInsert(t, s, NewRoom("jack", Base))

	later := Base.Add(5 * time.Minute)
	at, err := s.Touch(ctx, r.ID, later)
	if err != nil || !at.Equal(later) {
		t.Fatalf("Touch = %v, %v", at, err)
	}
	at, err = s.Touch(ctx, r.ID, Base)
	if err != nil || !at.Equal(later) {
		t.Fatalf("stale Touch = %v, %v; want %v", at, err, later)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.ActiveUserCount != 0 {
		t.Fatalf("Touch changed count: %d", got.ActiveUserCount)
	}
	if _, err := s.Touch(ctx, domain.NewRoomID(), later); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing room: want ErrNotFound, got %v", err)
	}
}

func testGetKey(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	room := NewRoom("kate", Base)
	room.PublicKey = []byte{0x00, 0xff, 0x10, 0x80, 0x00}
	room.KeyDigest = keyregistry.Fingerprint(room.PublicKey)
	mustInsert(t, s, room)

	key, digest, err := s.GetKey(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if string(key) != string(room.PublicKey) || digest != room.KeyDigest {
		t.Fatalf("GetKey = %x %s", key, digest)
	}
	if _, _, err := s.GetKey(ctx, domain.NewRoomID()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing room: want ErrNotFound, got %v", err)
	}
}

func testDeleteEmpty(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	empty := mustInsert(t, s, NewRoom("liam", Base))
	drained := mustInsert(t, s, NewRoom("liam", Base))
	mustAdjust(t, s, drained.ID, 1, Base)
	mustAdjust(t, s, drained.ID, -1, Base)
	busy := mustInsert(t, s, NewRoom("liam", Base))
	mustAdjust(t, s, busy.ID, 1, Base)

	ids, err := s.DeleteEmpty(ctx)
	if err != nil {
		t.Fatalf("DeleteEmpty: %v", err)
	}
	if len(ids) != 2 || !contains(ids, empty.ID) || !contains(ids, drained.ID) {
		t.Fatalf("deleted %v", ids)
	}
	if _, err := s.Get(ctx, busy.ID); err != nil {
		t.Fatalf("busy room gone: %v", err)
	}
	if ids, _ := s.DeleteEmpty(ctx); len(ids) != 0 {
		t.Fatalf("second pass deleted %v", ids)
	}
}

func testDeleteInactive(t *testing.T, s storage.GroupStore) {
	ctx := context.Background()
	cutoff := Base

	atBoundary := mustInsert(t, s, NewRoom("mia", Base.Add(-time.Hour)))
	mustAdjust(t, s, atBoundary.ID, 1, cutoff)

	pastBoundary := mustInsert(t, s, NewRoom("mia", Base.Add(-time.Hour)))
	mustAdjust(t, s, pastBoundary.ID, 1, cutoff.Add(-time.Second))

	pair := mustInsert(t, s, NewRoom("mia", Base.Add(-11*time.Hour)))
	mustAdjust(t, s, pair.ID, 1, cutoff.Add(-10*time.Hour))
	mustAdjust(t, s, pair.ID, 1, cutoff.Add(-10*time.Hour))

	empty := mustInsert(t, s, NewRoom("mia", Base.Add(-time.Hour)))

	ids, err := s.DeleteInactive(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteInactive: %v", err)
	}
	if len(ids) != 1 || ids[0] != pastBoundary.ID {
		t.Fatalf("deleted %v, want only %s", ids, pastBoundary.ID)
	}
	for _, id := range []string{atBoundary.ID, pair.ID, empty.ID} {
		if _, err := s.Get(ctx, id); err != nil {
			t.Fatalf("room %s should survive: %v", id, err)
		}
	}
	if ids, _ := s.DeleteInactive(ctx, cutoff); len(ids) != 0 {
		t.Fatalf("second pass deleted %v", ids)
	}
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
