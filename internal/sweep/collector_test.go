package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"example.com/groups/internal/domain"
	"example.com/groups/internal/events"
	"example.com/groups/internal/retry"
	"example.com/groups/internal/storage/memory"
)

var now = time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func testPolicy() retry.Policy {
	return retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, Timeout: time.Second}
}

func newCollector(store Store, pub events.Publisher) *Collector {
	c := NewCollector(store, Options{Policy: testPolicy(), Events: pub}, zerolog.Nop())
	c.Now = func() time.Time { return now }
	return c
}

// seed inserts a room with count participants, last active at lastActive.
func seed(t *testing.T, s *memory.Store, count int, lastActive time.Time) string {
	t.Helper()
	ctx := context.Background()
	r := domain.Room{ID: domain.NewRoomID(), Name: "s", CreatorID: "c-" + domain.NewRoomID(), CreatedAt: lastActive, LastActiveAt: lastActive}
	if _, err := s.Insert(ctx, r, domain.MaxRoomsPerCreator); err != nil {
		t.Fatal(err)
	}
	if count > 0 {
		if _, err := s.AdjustPresence(ctx, r.ID, count, lastActive); err != nil {
			t.Fatal(err)
		}
	}
	return r.ID
}

func exists(s *memory.Store, id string) bool {
	_, err := s.Get(context.Background(), id)
	return err == nil
}

func TestSweepAbandonedRoom(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id := seed(t, store, 0, now.Add(-time.Hour))
	for range 3 {
		if _, err := store.AdjustPresence(ctx, id, 1, now.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	for range 2 {
		if _, err := store.AdjustPresence(ctx, id, -1, now.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	store.SetLastActive(id, now.Add(-31*time.Minute))

	res := newCollector(store, nil).Sweep(ctx)
	if res.InactiveGroups != 1 || res.EmptyGroups != 0 || res.Deleted != 1 {
		t.Fatalf("result = %+v", res)
	}
	if exists(store, id) {
		t.Fatal("abandoned room survived")
	}
}

func TestSweepPredicates(t *testing.T) {
	store := memory.New()
	empty := seed(t, store, 0, now)
	boundary := seed(t, store, 1, now.Add(-domain.InactivityThreshold))
	stale := seed(t, store, 1, now.Add(-domain.InactivityThreshold-time.Second))
	fresh := seed(t, store, 1, now.Add(-time.Minute))
	busy := seed(t, store, 2, now.Add(-10*time.Hour))

	rec := &recorder{}
	res := newCollector(store, rec).Sweep(context.Background())
	if res.EmptyErr != nil || res.InactiveErr != nil {
		t.Fatalf("errors: %v, %v", res.EmptyErr, res.InactiveErr)
	}
	if res.EmptyGroups != 1 || res.InactiveGroups != 1 || res.Deleted != 2 {
		t.Fatalf("result = %+v", res)
	}
	for id, want := range map[string]bool{empty: false, boundary: true, stale: false, fresh: true, busy: true} {
		if got := exists(store, id); got != want {
			t.Errorf("room %s exists = %v, want %v", id, got, want)
		}
	}

	if len(rec.events) != 2 {
		t.Fatalf("events = %+v", rec.events)
	}
	byID := map[string]string{}
	for _, ev := range rec.events {
		if ev.Type != events.TypeReclaimed {
			t.Fatalf("event type %q", ev.Type)
		}
		byID[ev.GroupID] = ev.Predicate
	}
	if byID[empty] != domain.PredicateEmpty || byID[stale] != domain.PredicateInactive {
		t.Fatalf("predicates = %v", byID)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	store := memory.New()
	seed(t, store, 0, now)
	seed(t, store, 1, now.Add(-2*time.Hour))

	c := newCollector(store, nil)
	if res := c.Sweep(context.Background()); res.Deleted != 2 {
		t.Fatalf("first sweep = %+v", res)
	}
	if res := c.Sweep(context.Background()); res.Deleted != 0 || res.EmptyGroups != 0 || res.InactiveGroups != 0 {
		t.Fatalf("second sweep = %+v", res)
	}
}

func TestSweepCustomThreshold(t *testing.T) {
	store := memory.New()
	id := seed(t, store, 1, now.Add(-6*time.Minute))
	c := NewCollector(store, Options{InactivityThreshold: 5 * time.Minute, Policy: testPolicy()}, zerolog.Nop())
	c.Now = func() time.Time { return now }
	if res := c.Sweep(context.Background()); res.InactiveGroups != 1 {
		t.Fatalf("result = %+v", res)
	}
	if exists(store, id) {
		t.Fatal("room survived a 5m threshold")
	}
}

// flakyStore fails one predicate and lets the other through.
type flakyStore struct {
	mu            sync.Mutex
	emptyCalls    int
	inactiveCalls int
	failEmpty     bool
	failInactive  bool
}

func (f *flakyStore) DeleteEmpty(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emptyCalls++
	if f.failEmpty {
		// a failed attempt may still have deleted some rows
		return []string{"e-partial"}, errors.New("connection reset")
	}
	return []string{"e1", "e2"}, nil
}

func (f *flakyStore) DeleteInactive(context.Context, time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inactiveCalls++
	if f.failInactive {
		return nil, errors.New("connection reset")
	}
	return []string{"i1"}, nil
}

func TestSweepFailureIsolation(t *testing.T) {
	t.Run("empty fails", func(t *testing.T) {
		fs := &flakyStore{failEmpty: true}
		res := newCollector(fs, nil).Sweep(context.Background())
		if !domain.IsTransient(res.EmptyErr) || res.InactiveErr != nil {
			t.Fatalf("errors: %v, %v", res.EmptyErr, res.InactiveErr)
		}
		if fs.emptyCalls != 2 || fs.inactiveCalls != 1 {
			t.Fatalf("calls: empty=%d inactive=%d", fs.emptyCalls, fs.inactiveCalls)
		}
		// both failed attempts reported their partial deletion
		if res.EmptyGroups != 2 || res.InactiveGroups != 1 || res.Deleted != 3 {
			t.Fatalf("result = %+v", res)
		}
	})

	t.Run("inactive fails", func(t *testing.T) {
		fs := &flakyStore{failInactive: true}
		res := newCollector(fs, nil).Sweep(context.Background())
		if res.EmptyErr != nil || !domain.IsTransient(res.InactiveErr) {
			t.Fatalf("errors: %v, %v", res.EmptyErr, res.InactiveErr)
		}
		if res.EmptyGroups != 2 || res.InactiveGroups != 0 || res.Deleted != 2 {
			t.Fatalf("result = %+v", res)
		}
	})
}

func TestRunSweepsPeriodically(t *testing.T) {
	fs := &flakyStore{}
	c := NewCollector(fs, Options{Interval: 5 * time.Millisecond, Policy: testPolicy()}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		fs.mu.Lock()
		n := fs.emptyCalls
		fs.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d sweeps ran", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunDisabled(t *testing.T) {
	fs := &flakyStore{}
	c := NewCollector(fs, Options{Policy: testPolicy()}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with no interval did not return")
	}
	if fs.emptyCalls != 0 {
		t.Fatalf("disabled loop swept %d times", fs.emptyCalls)
	}
}
