package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/dids"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/journey"
)

type lease struct {
	owner   string
	expires time.Time
}

type memStore struct {
	mu          sync.Mutex
	journeys    map[string]journey.Journey
	enrollments map[string]journey.Enrollment
	contacts    map[string]journey.Contact
	leases      map[string]lease
	history     []journey.StepRecord
	actions     []journey.Action

	failDue    int
	failCommit error
	// failLoad is returned by Claim after the lease has been taken.
	failLoad error
}

func newMemStore() *memStore {
	return &memStore{
		journeys:    map[string]journey.Journey{},
		enrollments: map[string]journey.Enrollment{},
		contacts:    map[string]journey.Contact{},
		leases:      map[string]lease{},
	}
}

func (m *memStore) claimable(e journey.Enrollment, now time.Time) bool {
	if !e.Ready(now) || m.journeys[e.JourneyID].Status != journey.JourneyActive {
		return false
	}
	l, held := m.leases[e.ID]
	return !held || !l.expires.After(now)
}

func (m *memStore) DueEnrollments(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDue > 0 {
		m.failDue--
		return nil, errors.New("connection refused")
	}
	var ids []string
	for id, e := range m.enrollments {
		if m.claimable(e, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) Claim(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (Work, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || !m.claimable(e, now) {
		return Work{}, ErrLeaseContention
	}
	m.leases[id] = lease{owner: owner, expires: now.Add(ttl)}
	if m.failLoad != nil {
		return Work{}, m.failLoad
	}
	c, ok := m.contacts[e.ContactID]
	if !ok {
		return Work{Journey: m.journeys[e.JourneyID], Enrollment: e}, ErrContactMissing
	}
	return Work{Journey: m.journeys[e.JourneyID], Enrollment: e, Contact: c}, nil
}

func (m *memStore) Commit(_ context.Context, owner string, expectedVersion int64, res journey.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit != nil {
		return m.failCommit
	}
	id := res.Enrollment.ID
	cur := m.enrollments[id]
	if m.leases[id].owner != owner || cur.Version != expectedVersion {
		return ErrLeaseLost
	}
	next := res.Enrollment
	next.Version = expectedVersion + 1
	m.enrollments[id] = next
	m.history = append(m.history, res.Record)
	m.actions = append(m.actions, res.Actions...)
	return nil
}

func (m *memStore) Release(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[id].owner == owner {
		delete(m.leases, id)
	}
	return nil
}

func (m *memStore) JourneyActive(_ context.Context, journeyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.journeys[journeyID].Status == journey.JourneyActive, nil
}

func (m *memStore) enroll(j journey.Journey, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journeys[j.ID] = j
	contactID := "c-" + id
	m.contacts[contactID] = journey.Contact{ID: contactID, TenantID: "t-1", Phone: "+1555" + id, Attributes: map[string]string{"first_name": "Ada"}}
	m.enrollments[id] = journey.Enrollment{
		ID: id, TenantID: "t-1", JourneyID: j.ID, ContactID: contactID,
		CurrentNode: j.Entry, Status: journey.EnrollmentActive, Day: 1,
	}
}

func (m *memStore) messages() []journey.SendMessageAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []journey.SendMessageAction
	for _, a := range m.actions {
		if msg, ok := a.(journey.SendMessageAction); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (m *memStore) get(id string) journey.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrollments[id]
}

// guardStepper fails the test if one enrollment is stepped by two goroutines at once.
type guardStepper struct {
	t        *testing.T
	inner    Stepper
	mu       sync.Mutex
	inFlight map[string]bool
}

func (g *guardStepper) Step(ctx context.Context, j journey.Journey, e journey.Enrollment, c journey.Contact, now time.Time) (journey.StepResult, error) {
	g.mu.Lock()
	if g.inFlight[e.ID] {
		g.mu.Unlock()
		g.t.Errorf("enrollment %s stepped concurrently", e.ID)
		return journey.StepResult{}, errors.New("concurrent step")
	}
	g.inFlight[e.ID] = true
	g.mu.Unlock()

	time.Sleep(time.Millisecond)
	res, err := g.inner.Step(ctx, j, e, c, now)

	g.mu.Lock()
	delete(g.inFlight, e.ID)
	g.mu.Unlock()
	return res, err
}

type oneDID struct {
	mu       sync.Mutex
	free     bool
	released []string
}

func (o *oneDID) Reserve(context.Context, string, dids.Selector) (dids.DID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.free {
		return dids.DID{}, dids.ErrNotAvailable
	}
	o.free = false
	return dids.DID{ID: "d-1", Number: "+15550100", Trunk: "main", Reservation: "r-1"}, nil
}

func (o *oneDID) ReleaseQuietly(_ context.Context, id, reservation string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reservation != "r-1" {
		return nil
	}
	o.free = true
	o.released = append(o.released, id)
	return nil
}

var start = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestScheduler(store Store, alloc *oneDID, clk clock.Clock, owner string, maxHops int) *Scheduler {
	if alloc == nil {
		alloc = &oneDID{}
	}
	exec := journey.NewExecutor(alloc, journey.DefaultRetryPolicy(), discard())
	return NewScheduler(store, exec, alloc, clk, discard(), Config{
		Workers:      4,
		MaxHops:      maxHops,
		RetryInitial: time.Millisecond,
		Owner:        owner,
	})
}

func buildJourney(id string, nodes ...journey.Node) journey.Journey {
	j := journey.Journey{ID: id, TenantID: "t-1", Name: id, Status: journey.JourneyActive, Timezone: "UTC", Nodes: map[journey.NodeID]journey.Node{}}
	for i, n := range nodes {
		if i == 0 {
			j.Entry = n.ID
		}
		j.Nodes[n.ID] = n
	}
	return j
}

func TestDelayIsNotRunEarly(t *testing.T) {
	store := newMemStore()
	store.enroll(buildJourney("j-delay",
		journey.Node{ID: "day1", Day: 1, Config: journey.SendMessage{Template: "day {{.Day}}", Next: "wait"}},
		journey.Node{ID: "wait", Config: journey.TimeDelay{Duration: 48 * time.Hour, Next: "day3"}},
		journey.Node{ID: "day3", Day: 3, Config: journey.SendMessage{Template: "day {{.Day}}", Next: "end"}},
		journey.Node{ID: "end", Config: journey.Exit{}},
	), "e-1")
	clk := clock.NewManual(start)
	s := newTestScheduler(store, nil, clk, "w-1", 16)

	if n, err := s.PollOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("first poll: n=%d err=%v", n, err)
	}
	e := store.get("e-1")
	if e.CurrentNode != "day3" || e.Day != 3 || !e.DueAt.Equal(start.Add(48*time.Hour)) {
		t.Fatalf("unexpected enrollment after delay: %+v", e)
	}
	if msgs := store.messages(); len(msgs) != 1 || msgs[0].Content != "day 1" {
		t.Fatalf("expected the day 1 message only, got %+v", msgs)
	}

	clk.Advance(47 * time.Hour)
	if n, err := s.PollOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("poll before due: n=%d err=%v", n, err)
	}
	if len(store.messages()) != 1 {
		t.Fatal("node executed before its due time")
	}

	clk.Advance(time.Hour)
	if n, err := s.PollOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("poll at due: n=%d err=%v", n, err)
	}
	msgs := store.messages()
	if len(msgs) != 2 || msgs[1].Content != "day 3" || msgs[1].Day != 3 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if e := store.get("e-1"); e.Status != journey.EnrollmentCompleted {
		t.Fatalf("expected completion, got %s", e.Status)
	}
	if len(store.history) != 4 {
		t.Fatalf("expected a history row per step, got %d", len(store.history))
	}
}

func TestConcurrentSchedulersNeverShareAnEnrollment(t *testing.T) {
	store := newMemStore()
	j := buildJourney("j-hello",
		journey.Node{ID: "hello", Config: journey.SendMessage{Template: "hi", Next: "end"}},
		journey.Node{ID: "end", Config: journey.Exit{}},
	)
	for i := range 30 {
		store.enroll(j, "e-"+string(rune('a'+i)))
	}
	clk := clock.NewManual(start)
	exec := journey.NewExecutor(&oneDID{}, journey.DefaultRetryPolicy(), discard())
	guard := &guardStepper{t: t, inner: exec, inFlight: map[string]bool{}}

	var wg sync.WaitGroup
	for w := range 3 {
		s := NewScheduler(store, guard, nil, clk, discard(), Config{Workers: 4, Owner: "w-" + string(rune('0'+w))})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 3 {
				if _, err := s.PollOnce(context.Background()); err != nil {
					t.Errorf("poll: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	perEnrollment := map[string]int{}
	for _, m := range store.messages() {
		perEnrollment[m.EnrollmentID]++
	}
	if len(perEnrollment) != 30 {
		t.Fatalf("expected every enrollment to run, got %d", len(perEnrollment))
	}
	for id, n := range perEnrollment {
		if n != 1 {
			t.Fatalf("enrollment %s sent %d messages", id, n)
		}
	}
}

func TestHeldLeaseIsSkippedUntilExpiry(t *testing.T) {
	store := newMemStore()
	store.enroll(buildJourney("j-1", journey.Node{ID: "end", Config: journey.Exit{}}), "e-1")
	store.leases["e-1"] = lease{owner: "crashed", expires: start.Add(2 * time.Minute)}
	clk := clock.NewManual(start)
	s := newTestScheduler(store, nil, clk, "w-1", 4)

	if n, _ := s.PollOnce(context.Background()); n != 0 {
		t.Fatalf("held enrollment must be skipped, got %d", n)
	}
	clk.Advance(2 * time.Minute)
	if n, _ := s.PollOnce(context.Background()); n != 1 {
		t.Fatalf("expired lease should be reclaimed, got %d", n)
	}
	if store.get("e-1").Status != journey.EnrollmentCompleted {
		t.Fatal("expected the enrollment to finish")
	}
}

func TestCancelledJourneyIsNotPolled(t *testing.T) {
	store := newMemStore()
	j := buildJourney("j-1", journey.Node{ID: "hello", Config: journey.SendMessage{Template: "hi"}})
	j.Status = journey.JourneyCancelled
	store.enroll(j, "e-1")
	s := newTestScheduler(store, nil, clock.NewManual(start), "w-1", 4)

	if n, _ := s.PollOnce(context.Background()); n != 0 || len(store.messages()) != 0 {
		t.Fatal("cancelled journey must not execute")
	}
}

func TestCallDeferredWhilePoolExhausted(t *testing.T) {
	store := newMemStore()
	store.enroll(buildJourney("j-call",
		journey.Node{ID: "call", Config: journey.MakeCall{Trunk: "main", Next: "end"}},
		journey.Node{ID: "end", Config: journey.Exit{}},
	), "e-1")
	alloc := &oneDID{}
	clk := clock.NewManual(start)
	s := newTestScheduler(store, alloc, clk, "w-1", 4)

	for range 3 {
		if _, err := s.PollOnce(context.Background()); err != nil {
			t.Fatalf("poll: %v", err)
		}
		e := store.get("e-1")
		if e.CurrentNode != "call" || len(store.actions) != 0 {
			t.Fatalf("deferred call advanced: %+v", e)
		}
		clk.Set(*e.DueAt)
	}
	if got := store.get("e-1").Attempts; got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	alloc.free = true
	if _, err := s.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	calls := 0
	for _, a := range store.actions {
		if _, ok := a.(journey.PlaceCallAction); ok {
			calls++
		}
	}
	if calls != 1 || store.get("e-1").Status != journey.EnrollmentCompleted {
		t.Fatalf("expected one call and completion, got %d calls %+v", calls, store.get("e-1"))
	}
}

func TestFailedCommitReleasesReservedDID(t *testing.T) {
	store := newMemStore()
	store.enroll(buildJourney("j-call",
		journey.Node{ID: "call", Config: journey.MakeCall{Trunk: "main"}},
	), "e-1")
	store.failCommit = ErrLeaseLost
	alloc := &oneDID{free: true}
	s := newTestScheduler(store, alloc, clock.NewManual(start), "w-1", 4)

	if _, err := s.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(alloc.released) != 1 || alloc.released[0] != "d-1" || !alloc.free {
		t.Fatalf("expected the did to be released, got %v", alloc.released)
	}
	if e := store.get("e-1"); e.CurrentNode != "call" || e.Version != 0 {
		t.Fatalf("enrollment must be untouched, got %+v", e)
	}
}

func TestTransientStoreErrorsAreRetried(t *testing.T) {
	store := newMemStore()
	store.enroll(buildJourney("j-1", journey.Node{ID: "end", Config: journey.Exit{}}), "e-1")
	store.failDue = 2
	s := newTestScheduler(store, nil, clock.NewManual(start), "w-1", 4)

	if n, err := s.PollOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected retry to succeed: n=%d err=%v", n, err)
	}

	store.failDue = 5
	if _, err := s.PollOnce(context.Background()); err == nil {
		t.Fatal("expected error after retries are exhausted")
	}
}

func TestMaxHopsBoundsOneClaim(t *testing.T) {
	store := newMemStore()
	store.enroll(buildJourney("j-loop",
		journey.Node{ID: "spin", Config: journey.Branch{Default: "spin"}},
	), "e-1")
	s := newTestScheduler(store, nil, clock.NewManual(start), "w-1", 5)

	if _, err := s.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(store.history) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(store.history))
	}
	if _, held := store.leases["e-1"]; held {
		t.Fatal("lease must be released after the claim")
	}
	if e := store.get("e-1"); e.Version != 5 {
		t.Fatalf("expected version 5, got %d", e.Version)
	}
}

func TestMissingContactRemovesEnrollment(t *testing.T) {
	store := newMemStore()
	store.enroll(buildJourney("j-1",
		journey.Node{ID: "hello", Config: journey.SendMessage{Template: "hi", Next: "end"}},
		journey.Node{ID: "end", Config: journey.Exit{}},
	), "e-1")
	delete(store.contacts, "c-e-1")
	clk := clock.NewManual(start)
	s := newTestScheduler(store, nil, clk, "w-1", 4)

	if n, err := s.PollOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("poll: n=%d err=%v", n, err)
	}
	e := store.get("e-1")
	if e.Status != journey.EnrollmentRemoved || e.Reason != "contact no longer exists" {
		t.Fatalf("expected removal, got %+v", e)
	}
	if len(store.messages()) != 0 {
		t.Fatal("no message may be sent without a contact")
	}
	if _, held := store.leases["e-1"]; held {
		t.Fatal("lease must be released after the removal")
	}

	clk.Advance(time.Hour)
	if n, err := s.PollOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("removed enrollment must not be claimed again: n=%d err=%v", n, err)
	}
}

func TestClaimLoadFailureReleasesLease(t *testing.T) {
	store := newMemStore()
	store.enroll(buildJourney("j-1", journey.Node{ID: "end", Config: journey.Exit{}}), "e-1")
	store.failLoad = errors.New("decode journey j-1: unexpected end of JSON input")
	s := newTestScheduler(store, nil, clock.NewManual(start), "w-1", 4)

	if n, err := s.PollOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("poll: n=%d err=%v", n, err)
	}
	if _, held := store.leases["e-1"]; held {
		t.Fatal("lease must be released when the claim fails")
	}

	store.failLoad = nil
	if n, err := s.PollOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("next poll should run the enrollment without waiting for the lease ttl: n=%d err=%v", n, err)
	}
}
