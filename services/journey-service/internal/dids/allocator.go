package dids

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/reachflow/libs/clock"
	otelx "github.com/md-rashed-zaman/reachflow/libs/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store is the persistence the allocator needs. The two compare-and-set methods must be
// atomic against the store: they report false when the DID was not in the expected status.
type Store interface {
	// Candidates lists available DIDs of the tenant on the trunk.
	Candidates(ctx context.Context, tenantID, trunk string) ([]DID, error)
	// CompareAndReserve flips available to reserved under the reservation token and
	// increments the usage count.
	CompareAndReserve(ctx context.Context, id, reservation string, at time.Time) (bool, error)
	// CompareAndRelease flips reserved back to available, only while the DID is still held
	// under reservation. The usage count is left alone.
	CompareAndRelease(ctx context.Context, id, reservation string) (bool, error)
}

type Allocator struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewAllocator(store Store, clk clock.Clock, logger *slog.Logger) *Allocator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Allocator{store: store, clock: clk, logger: logger}
}

// Reserve claims the fairest available DID matching sel. Losing a compare-and-set to a
// concurrent caller moves on to the next candidate; ErrNotAvailable is returned once the
// candidates are exhausted.
func (a *Allocator) Reserve(ctx context.Context, tenantID string, sel Selector) (DID, error) {
	ctx, span := otelx.Tracer("dids").Start(ctx, "dids.reserve", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("did.trunk", sel.Trunk),
		attribute.String("did.segment", sel.Segment),
	))
	defer span.End()

	if err := sel.Validate(); err != nil {
		return DID{}, err
	}
	candidates, err := a.store.Candidates(ctx, tenantID, sel.Trunk)
	if err != nil {
		span.RecordError(err)
		return DID{}, fmt.Errorf("list candidates: %w", err)
	}
	candidates = slices.DeleteFunc(candidates, func(d DID) bool {
		return d.Status != StatusAvailable || !sel.matches(d.Segment)
	})
	slices.SortStableFunc(candidates, fairer)

	for _, d := range candidates {
		now := a.clock.Now()
		token := uuid.NewString()
		ok, err := a.store.CompareAndReserve(ctx, d.ID, token, now)
		if err != nil {
			span.RecordError(err)
			return DID{}, fmt.Errorf("reserve %s: %w", d.ID, err)
		}
		if !ok {
			a.logger.Debug("did reservation lost race", "did_id", d.ID)
			continue
		}
		d.Status = StatusReserved
		d.UsageCount++
		d.Reservation = token
		d.ReservedAt = &now
		span.SetAttributes(attribute.String("did.id", d.ID))
		return d, nil
	}
	return DID{}, ErrNotAvailable
}

// Release ends the hold identified by reservation. It returns ErrNotReserved when that hold
// is already over: released, swept, disabled, or replaced by a newer reservation.
func (a *Allocator) Release(ctx context.Context, didID, reservation string) error {
	if reservation == "" {
		return ErrNotReserved
	}
	ok, err := a.store.CompareAndRelease(ctx, didID, reservation)
	if err != nil {
		return fmt.Errorf("release %s: %w", didID, err)
	}
	if !ok {
		return ErrNotReserved
	}
	return nil
}

// ReleaseQuietly releases the hold and swallows ErrNotReserved.
func (a *Allocator) ReleaseQuietly(ctx context.Context, didID, reservation string) error {
	if err := a.Release(ctx, didID, reservation); err != nil && !errors.Is(err, ErrNotReserved) {
		return err
	}
	return nil
}
