package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"example.com/groups/internal/domain"
	"example.com/groups/internal/events"
	"example.com/groups/internal/keyregistry"
	"example.com/groups/internal/retry"
	"example.com/groups/internal/storage/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newManager(t *testing.T) (*Manager, *memory.Store, *recorder) {
	t.Helper()
	store := memory.New()
	rec := &recorder{}
	policy := retry.DefaultPolicy()
	m := NewManager(store, keyregistry.New(store, policy), Options{Policy: policy, Events: rec}, zerolog.Nop())

	// each call advances one second so creation order is observable
	var tick atomic.Int64
	base := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	return m, store, rec
}

func TestCreateNormalizes(t *testing.T) {
	m, store, rec := newManager(t)
	ctx := context.Background()

	room, err := m.Create(ctx, CreateInput{
		CreatorID: "u1",
		Name:      "  Study Group  ",
		Tags:      []string{"go", "", "db", "net", "ops", "extra"},
		PublicKey: []byte("pk"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if room.Name != "Study Group" {
		t.Fatalf("Name = %q", room.Name)
	}
	if !slices.Equal(room.Tags, []string{"go", "", "db", "net", "ops"}) {
		t.Fatalf("Tags = %q", room.Tags)
	}
	if room.ActiveUserCount != 0 {
		t.Fatalf("ActiveUserCount = %d", room.ActiveUserCount)
	}
	if !room.CreatedAt.Equal(room.LastActiveAt) {
		t.Fatalf("CreatedAt %v != LastActiveAt %v", room.CreatedAt, room.LastActiveAt)
	}
	if err := domain.ValidateRoomID(room.ID); err != nil {
		t.Fatalf("id %q: %v", room.ID, err)
	}

	got, err := store.Get(ctx, room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.KeyDigest != keyregistry.Fingerprint([]byte("pk")) {
		t.Fatalf("stored digest %q", got.KeyDigest)
	}
	if ty := rec.types(); len(ty) != 1 || ty[0] != events.TypeCreated {
		t.Fatalf("events = %v", ty)
	}
}

func TestCreateLongName(t *testing.T) {
	m, _, _ := newManager(t)
	room, err := m.Create(context.Background(), CreateInput{
		CreatorID: "u1",
		Name:      "abcdefghijklmnopqrstuvwxyz0123456789",
	})
	if err != nil {
		t.Fatal(err)
	}
	if room.Name != "abcdefghijklmnopqrstuvwxyz0123" {
		t.Fatalf("Name = %q", room.Name)
	}
}

func TestCreateValidation(t *testing.T) {
	m, store, rec := newManager(t)
	cases := []struct {
		name  string
		in    CreateInput
		field string
	}{
		{"blank name", CreateInput{CreatorID: "u1", Name: "   "}, "name"},
		{"missing creator", CreateInput{Name: "x"}, "creator_id"},
		{"key too large", CreateInput{CreatorID: "u1", Name: "x", PublicKey: make([]byte, domain.MaxPublicKeyBytes+1)}, "key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Create(context.Background(), tc.in)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if _, ok := ve.Problems()[tc.field]; !ok {
				t.Fatalf("problems %v missing %q", ve.Problems(), tc.field)
			}
		})
	}
	if n, _ := store.CountByCreator(context.Background(), "u1"); n != 0 {
		t.Fatalf("invalid creates stored %d rooms", n)
	}
	if len(rec.types()) != 0 {
		t.Fatalf("invalid creates published events")
	}
}

func TestCreateQuota(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()
	for i := range domain.MaxRoomsPerCreator {
		if _, err := m.Create(ctx, CreateInput{CreatorID: "u1", Name: fmt.Sprintf("room %d", i)}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := m.Create(ctx, CreateInput{CreatorID: "u1", Name: "one too many"}); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("want ErrQuotaExceeded, got %v", err)
	}
	if n, _ := store.CountByCreator(ctx, "u1"); n != domain.MaxRoomsPerCreator {
		t.Fatalf("stored %d rooms", n)
	}
	// other creators are unaffected
	if _, err := m.Create(ctx, CreateInput{CreatorID: "u2", Name: "mine"}); err != nil {
		t.Fatal(err)
	}

	// ending a room frees a slot
	rooms, _ := m.ListByCreator(ctx, "u1", 1)
	if err := m.End(ctx, rooms[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, CreateInput{CreatorID: "u1", Name: "again"}); err != nil {
		t.Fatalf("create after end: %v", err)
	}
}

func TestConcurrentCreateQuota(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(ctx, CreateInput{CreatorID: "racer", Name: fmt.Sprintf("r%d", i)})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrQuotaExceeded):
				rejected.Add(1)
			default:
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != domain.MaxRoomsPerCreator || rejected.Load() != 15 {
		t.Fatalf("ok=%d rejected=%d", ok.Load(), rejected.Load())
	}
	if n, _ := store.CountByCreator(ctx, "racer"); n != domain.MaxRoomsPerCreator {
		t.Fatalf("stored %d rooms", n)
	}
}

func TestCustomQuota(t *testing.T) {
	store := memory.New()
	m := NewManager(store, keyregistry.New(store, retry.DefaultPolicy()), Options{MaxPerCreator: 2}, zerolog.Nop())
	ctx := context.Background()
	for range 2 {
		if _, err := m.Create(ctx, CreateInput{CreatorID: "u", Name: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Create(ctx, CreateInput{CreatorID: "u", Name: "x"}); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("want ErrQuotaExceeded, got %v", err)
	}
}

func TestListByCreator(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	var ids []string
	for i := range 4 {
		r, err := m.Create(ctx, CreateInput{CreatorID: "u1", Name: fmt.Sprintf("room %d", i)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.ID)
	}
	if _, err := m.Create(ctx, CreateInput{CreatorID: "u2", Name: "other"}); err != nil {
		t.Fatal(err)
	}

	rooms, err := m.ListByCreator(ctx, "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 4 {
		t.Fatalf("len = %d", len(rooms))
	}
	for i, r := range rooms {
		if want := ids[len(ids)-1-i]; r.ID != want {
			t.Fatalf("rooms[%d] = %s, want %s (newest first)", i, r.ID, want)
		}
	}

	rooms, _ = m.ListByCreator(ctx, "u1", 2)
	if len(rooms) != 2 || rooms[0].ID != ids[3] {
		t.Fatalf("limit 2: %v", rooms)
	}

	for _, creator := range []string{"", "   ", "nobody"} {
		rooms, err := m.ListByCreator(ctx, creator, 10)
		if err != nil || rooms == nil || len(rooms) != 0 {
			t.Fatalf("ListByCreator(%q) = %v, %v; want empty", creator, rooms, err)
		}
	}
}

func TestGet(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	r, err := m.Create(ctx, CreateInput{CreatorID: "u1", Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, r.ID)
	if err != nil || got.ID != r.ID {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := m.Get(ctx, domain.NewRoomID()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	m, store, rec := newManager(t)
	ctx := context.Background()
	r, err := m.Create(ctx, CreateInput{CreatorID: "u1", Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	// participants do not keep a room alive against an explicit end
	if _, err := store.AdjustPresence(ctx, r.ID, 3, m.Now()); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if err := m.End(ctx, r.ID); err != nil {
			t.Fatalf("End: %v", err)
		}
	}
	if err := m.End(ctx, "nonexistent-id"); err != nil {
		t.Fatalf("End(nonexistent-id): %v", err)
	}
	if _, err := store.Get(ctx, r.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("room still present: %v", err)
	}
	if ty := rec.types(); len(ty) != 2 || ty[1] != events.TypeEnded {
		t.Fatalf("events = %v, want one created and one ended", ty)
	}
}

func TestQuotaFor(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	q, err := m.QuotaFor(ctx, "u1")
	if err != nil || q != (Quota{Used: 0, Limit: 10, Remaining: 10}) {
		t.Fatalf("empty quota = %+v, %v", q, err)
	}
	for range 3 {
		if _, err := m.Create(ctx, CreateInput{CreatorID: "u1", Name: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if q, _ := m.QuotaFor(ctx, "u1"); q != (Quota{Used: 3, Limit: 10, Remaining: 7}) {
		t.Fatalf("quota = %+v", q)
	}
	if q, _ := m.QuotaFor(ctx, "  "); q.Used != 0 || q.Remaining != 10 {
		t.Fatalf("blank creator quota = %+v", q)
	}
}
