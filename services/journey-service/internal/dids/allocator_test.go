package dids

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
)

type memStore struct {
	mu   sync.Mutex
	dids map[string]*DID
}

func newMemStore(dids ...DID) *memStore {
	s := &memStore{dids: map[string]*DID{}}
	for i := range dids {
		d := dids[i]
		s.dids[d.ID] = &d
	}
	return s
}

func (s *memStore) Candidates(_ context.Context, tenantID, trunk string) ([]DID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DID
	for _, d := range s.dids {
		if d.TenantID == tenantID && d.Trunk == trunk && d.Status == StatusAvailable {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memStore) CompareAndReserve(_ context.Context, id, reservation string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dids[id]
	if !ok || d.Status != StatusAvailable {
		return false, nil
	}
	d.Status = StatusReserved
	d.UsageCount++
	d.Reservation = reservation
	d.ReservedAt = &at
	return true, nil
}

func (s *memStore) CompareAndRelease(_ context.Context, id, reservation string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dids[id]
	if !ok || d.Status != StatusReserved || d.Reservation != reservation {
		return false, nil
	}
	d.Status = StatusAvailable
	d.Reservation = ""
	d.ReservedAt = nil
	return true, nil
}

func (s *memStore) ReservedBefore(_ context.Context, cutoff time.Time, _ int) ([]DID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DID
	for _, d := range s.dids {
		if d.Status == StatusReserved && d.ReservedAt != nil && d.ReservedAt.Before(cutoff) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memStore) get(id string) DID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.dids[id]
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func testAllocator(store Store) *Allocator {
	return NewAllocator(store, clock.NewManual(t0), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func did(id string, usage int64, created time.Time) DID {
	return DID{ID: id, TenantID: "t-1", Trunk: "main", Segment: "twilio-east", Number: "+1555" + id, Status: StatusAvailable, UsageCount: usage, CreatedAt: created}
}

func TestReservePicksLeastUsed(t *testing.T) {
	store := newMemStore(
		did("a", 5, t0.Add(-3*time.Hour)),
		did("b", 1, t0.Add(-1*time.Hour)),
		did("c", 1, t0.Add(-2*time.Hour)),
	)
	alloc := testAllocator(store)

	got, err := alloc.Reserve(context.Background(), "t-1", Selector{Trunk: "main"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got.ID != "c" {
		t.Fatalf("expected oldest of the least used (c), got %s", got.ID)
	}
	if got.Status != StatusReserved || got.UsageCount != 2 {
		t.Fatalf("unexpected reserved did %+v", got)
	}

	next, err := alloc.Reserve(context.Background(), "t-1", Selector{Trunk: "main"})
	if err != nil || next.ID != "b" {
		t.Fatalf("expected b next, got %v %v", next.ID, err)
	}
}

func TestReserveRespectsScope(t *testing.T) {
	other := did("x", 0, t0)
	other.TenantID = "t-2"
	wrongTrunk := did("y", 0, t0)
	wrongTrunk.Trunk = "backup"
	disabled := did("z", 0, t0)
	disabled.Status = StatusDisabled
	vonage := did("v", 0, t0)
	vonage.Segment = "vonage-west"
	store := newMemStore(other, wrongTrunk, disabled, vonage)
	alloc := testAllocator(store)

	if _, err := alloc.Reserve(context.Background(), "t-1", Selector{Trunk: "main", Segment: "twilio-*"}); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", err)
	}
	got, err := alloc.Reserve(context.Background(), "t-1", Selector{Trunk: "main", Segment: "vonage-*"})
	if err != nil || got.ID != "v" {
		t.Fatalf("expected v, got %v %v", got.ID, err)
	}
	if _, err := alloc.Reserve(context.Background(), "t-1", Selector{Trunk: "main", Segment: "[bad"}); !errors.Is(err, ErrBadSelector) {
		t.Fatalf("expected ErrBadSelector, got %v", err)
	}
}

func TestConcurrentReserveSingleDID(t *testing.T) {
	for round := 0; round < 50; round++ {
		store := newMemStore(did("only", 0, t0))
		alloc := testAllocator(store)

		var wg sync.WaitGroup
		results := make(chan error, 2)
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := alloc.Reserve(context.Background(), "t-1", Selector{Trunk: "main"})
				results <- err
			}()
		}
		close(start)
		wg.Wait()
		close(results)

		var ok, exhausted int
		for err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrNotAvailable):
				exhausted++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || exhausted != 1 {
			t.Fatalf("round %d: expected one winner and one NotAvailable, got ok=%d exhausted=%d", round, ok, exhausted)
		}
		if got := store.get("only").UsageCount; got != 1 {
			t.Fatalf("usage count should be 1, got %d", got)
		}
	}
}

func TestReleaseKeepsUsage(t *testing.T) {
	store := newMemStore(did("a", 3, t0))
	alloc := testAllocator(store)
	ctx := context.Background()

	held, err := alloc.Reserve(ctx, "t-1", Selector{Trunk: "main"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if held.Reservation == "" {
		t.Fatal("expected a reservation token")
	}
	if err := alloc.Release(ctx, "a", held.Reservation); err != nil {
		t.Fatalf("release: %v", err)
	}
	got := store.get("a")
	if got.Status != StatusAvailable || got.UsageCount != 4 {
		t.Fatalf("expected available with usage 4, got %+v", got)
	}
	if err := alloc.Release(ctx, "a", held.Reservation); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}
	if err := alloc.ReleaseQuietly(ctx, "a", held.Reservation); err != nil {
		t.Fatalf("quiet release should ignore ErrNotReserved: %v", err)
	}
}

func TestSweeperReleasesStaleReservations(t *testing.T) {
	store := newMemStore(did("old", 0, t0), did("fresh", 0, t0))
	clk := clock.NewManual(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alloc := NewAllocator(store, clk, logger)
	ctx := context.Background()

	if _, err := alloc.Reserve(ctx, "t-1", Selector{Trunk: "main"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(20 * time.Minute)
	if _, err := alloc.Reserve(ctx, "t-1", Selector{Trunk: "main"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(15 * time.Minute)

	sweeper := NewSweeper(store, alloc, clk, logger, SweeperConfig{MaxHold: 30 * time.Minute})
	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released, got %d", n)
	}
	reserved := 0
	for _, id := range []string{"old", "fresh"} {
		if store.get(id).Status == StatusReserved {
			reserved++
		}
	}
	if reserved != 1 {
		t.Fatalf("expected exactly one DID still reserved, got %d", reserved)
	}
}

func TestLateReleaseKeepsNewerReservation(t *testing.T) {
	store := newMemStore(did("d1", 0, t0))
	clk := clock.NewManual(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alloc := NewAllocator(store, clk, logger)
	sweeper := NewSweeper(store, alloc, clk, logger, SweeperConfig{MaxHold: 30 * time.Minute})
	ctx := context.Background()

	first, err := alloc.Reserve(ctx, "t-1", Selector{Trunk: "main"})
	if err != nil {
		t.Fatalf("reserve first: %v", err)
	}
	clk.Advance(31 * time.Minute)
	if n, err := sweeper.SweepOnce(ctx); err != nil || n != 1 {
		t.Fatalf("expected the stale hold swept, got %d %v", n, err)
	}
	second, err := alloc.Reserve(ctx, "t-1", Selector{Trunk: "main"})
	if err != nil || second.ID != "d1" {
		t.Fatalf("reserve second: %v %v", second.ID, err)
	}

	// the first call's outcome arrives after the sweep
	if err := alloc.Release(ctx, first.ID, first.Reservation); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved for the swept hold, got %v", err)
	}
	if err := alloc.ReleaseQuietly(ctx, first.ID, first.Reservation); err != nil {
		t.Fatalf("quiet release: %v", err)
	}
	if got := store.get("d1"); got.Status != StatusReserved || got.Reservation != second.Reservation {
		t.Fatalf("second hold must survive, got %+v", got)
	}
	if _, err := alloc.Reserve(ctx, "t-1", Selector{Trunk: "main"}); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable while the second call is live, got %v", err)
	}

	if err := alloc.Release(ctx, second.ID, second.Reservation); err != nil {
		t.Fatalf("release second: %v", err)
	}
}

func TestSweepSkipsReservationTakenOverMeanwhile(t *testing.T) {
	store := newMemStore(did("d1", 0, t0))
	clk := clock.NewManual(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alloc := NewAllocator(store, clk, logger)
	ctx := context.Background()

	first, err := alloc.Reserve(ctx, "t-1", Selector{Trunk: "main"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(31 * time.Minute)
	stale, err := store.ReservedBefore(ctx, clk.Now().Add(-30*time.Minute), 10)
	if err != nil || len(stale) != 1 {
		t.Fatalf("list stale: %v %v", stale, err)
	}

	// between the listing and the release the call ends and the DID is reserved again
	if err := alloc.Release(ctx, first.ID, first.Reservation); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := alloc.Reserve(ctx, "t-1", Selector{Trunk: "main"})
	if err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	if err := alloc.Release(ctx, stale[0].ID, stale[0].Reservation); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("expected the listed hold to be gone, got %v", err)
	}
	if got := store.get("d1"); got.Reservation != second.Reservation {
		t.Fatalf("newer hold was released: %+v", got)
	}
}
