package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/reachflow/libs/clock"
	otelx "github.com/md-rashed-zaman/reachflow/libs/otel"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/journey"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrLeaseContention means another worker holds the enrollment or it is no longer due.
	ErrLeaseContention = errors.New("enrollment lease held elsewhere")
	// ErrLeaseLost means a commit found the lease taken over or the version moved on.
	ErrLeaseLost = errors.New("enrollment lease lost")
	// ErrContactMissing means the enrollment's contact no longer exists. Claim returns it
	// with the lease held and Work carrying the journey and enrollment.
	ErrContactMissing = errors.New("enrollment contact missing")
)

// Work is everything one claimed enrollment needs to execute.
type Work struct {
	Journey    journey.Journey
	Enrollment journey.Enrollment
	Contact    journey.Contact
}

// Store is the persistence the scheduler needs. Claim and Commit are conditional updates:
// a claim succeeds only for an active, due enrollment whose lease is free or expired, and a
// commit succeeds only while owner still holds the lease at expectedVersion.
type Store interface {
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]string, error)
	Claim(ctx context.Context, enrollmentID, owner string, now time.Time, ttl time.Duration) (Work, error)
	// Commit persists the step result, its history record and its actions atomically and
	// bumps the version.
	Commit(ctx context.Context, owner string, expectedVersion int64, res journey.StepResult) error
	Release(ctx context.Context, enrollmentID, owner string) error
	JourneyActive(ctx context.Context, journeyID string) (bool, error)
}

// Stepper executes one node of an enrollment.
type Stepper interface {
	Step(ctx context.Context, j journey.Journey, e journey.Enrollment, c journey.Contact, now time.Time) (journey.StepResult, error)
}

// Releaser returns a DID that was reserved for a step that never committed.
type Releaser interface {
	ReleaseQuietly(ctx context.Context, didID, reservation string) error
}

type Config struct {
	Interval  time.Duration
	LeaseTTL  time.Duration
	Workers   int
	BatchSize int
	// MaxHops bounds how many consecutive ready-now steps one claim executes.
	MaxHops int
	// RetryInitial is the first backoff interval when polling the store fails.
	RetryInitial time.Duration
	Owner        string
}

type Scheduler struct {
	store    Store
	stepper  Stepper
	releaser Releaser
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config
}

func NewScheduler(store Store, stepper Stepper, releaser Releaser, clk clock.Clock, logger *slog.Logger, cfg Config) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 16
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = host + "-" + uuid.NewString()
	}
	return &Scheduler{
		store:    store,
		stepper:  stepper,
		releaser: releaser,
		clock:    clk,
		logger:   logger.With("owner", cfg.Owner),
		cfg:      cfg,
	}
}

func (s *Scheduler) Owner() string { return s.cfg.Owner }

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PollOnce(ctx); err != nil {
				s.logger.Error("scheduler poll failed", "err", err)
			}
		}
	}
}

// PollOnce claims and executes one batch of due enrollments and returns how many executed
// at least one step. Failures of single enrollments are logged and left for a later poll.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	ids, err := backoff.Retry(ctx, func() ([]string, error) {
		return s.store.DueEnrollments(ctx, now, s.cfg.BatchSize)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	if err != nil {
		return 0, fmt.Errorf("list due enrollments: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var executed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			steps, err := s.process(ctx, id)
			if err != nil {
				s.logger.Error("enrollment step failed", "enrollment_id", id, "err", err)
			}
			if steps > 0 {
				executed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(executed.Load()), nil
}

// process runs up to MaxHops steps of one enrollment under a lease.
func (s *Scheduler) process(ctx context.Context, id string) (int, error) {
	ctx, span := otelx.Tracer("scheduler").Start(ctx, "scheduler.enrollment", trace.WithAttributes(
		attribute.String("enrollment.id", id),
	))
	defer span.End()

	work, err := s.store.Claim(ctx, id, s.cfg.Owner, s.clock.Now(), s.cfg.LeaseTTL)
	if errors.Is(err, ErrLeaseContention) {
		s.logger.Debug("enrollment skipped; lease contention", "enrollment_id", id)
		return 0, nil
	}
	// the lease may have been taken before the claim failed to load its work
	defer s.release(ctx, id)
	if errors.Is(err, ErrContactMissing) {
		return s.remove(ctx, work, "contact no longer exists")
	}
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("claim: %w", err)
	}

	e := work.Enrollment
	steps := 0
	for hop := 0; hop < s.cfg.MaxHops; hop++ {
		now := s.clock.Now()
		if !e.Ready(now) {
			break
		}
		if hop > 0 {
			active, err := s.store.JourneyActive(ctx, e.JourneyID)
			if err != nil {
				return steps, fmt.Errorf("journey status: %w", err)
			}
			if !active {
				break
			}
		}

		res, err := s.stepper.Step(ctx, work.Journey, e, work.Contact, now)
		if err != nil {
			span.RecordError(err)
			return steps, fmt.Errorf("step %s: %w", e.CurrentNode, err)
		}
		if err := s.store.Commit(ctx, s.cfg.Owner, e.Version, res); err != nil {
			s.releaseReserved(ctx, res.Actions)
			if errors.Is(err, ErrLeaseLost) {
				s.logger.Warn("enrollment lease lost before commit", "enrollment_id", id, "node_id", e.CurrentNode)
				return steps, nil
			}
			span.RecordError(err)
			return steps, fmt.Errorf("commit: %w", err)
		}
		steps++
		s.logger.Debug("enrollment step committed",
			"enrollment_id", id, "node_id", res.Record.NodeID, "outcome", res.Record.Outcome, "day", res.Enrollment.Day)

		e = res.Enrollment
		e.Version++
	}
	span.SetAttributes(attribute.Int("enrollment.steps", steps))
	return steps, nil
}

// remove commits the enrollment as removed so it is not claimed again.
func (s *Scheduler) remove(ctx context.Context, work Work, reason string) (int, error) {
	e := work.Enrollment
	res := journey.Removal(work.Journey, e, reason, s.clock.Now())
	if err := s.store.Commit(ctx, s.cfg.Owner, e.Version, res); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return 0, nil
		}
		return 0, fmt.Errorf("commit removal: %w", err)
	}
	s.logger.Warn("enrollment removed", "enrollment_id", e.ID, "reason", reason)
	return 1, nil
}

func (s *Scheduler) release(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.Release(ctx, id, s.cfg.Owner); err != nil {
		s.logger.Warn("enrollment lease release failed", "enrollment_id", id, "err", err)
	}
}

// releaseReserved frees DIDs reserved by a step whose commit failed, since the call it was
// reserved for will never be dispatched.
func (s *Scheduler) releaseReserved(ctx context.Context, actions []journey.Action) {
	if s.releaser == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, a := range actions {
		call, ok := a.(journey.PlaceCallAction)
		if !ok {
			continue
		}
		if err := s.releaser.ReleaseQuietly(ctx, call.DIDID, call.Reservation); err != nil {
			s.logger.Error("did release after failed commit", "did_id", call.DIDID, "err", err)
		}
	}
}
