package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/libs/db"
	otelx "github.com/md-rashed-zaman/reachflow/libs/otel"
	"github.com/md-rashed-zaman/reachflow/libs/outbox"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidRange   = errors.New("invalid date range")
	ErrNotFound       = errors.New("not found")
	ErrSlotNotOffered = errors.New("requested time is not an offered slot")
	ErrConflictLost   = errors.New("slot no longer available")
	ErrInvalid        = errors.New("invalid request")
	ErrNotCancellable = errors.New("booking cannot be cancelled")
)

// DefaultMaxRangeDays bounds a single slot query.
const DefaultMaxRangeDays = 62

const (
	EventBookingCreated   = "booking.calendar_event.created.v1"
	EventBookingCancelled = "booking.calendar_event.cancelled.v1"
)

// Store is the read side plus a transaction entry point. Lookups return pgx.ErrNoRows for
// missing records.
type Store interface {
	EventType(ctx context.Context, id string) (model.EventType, error)
	Rules(ctx context.Context, eventTypeID string) ([]model.Availability, error)
	// Bookings returns scheduled bookings overlapping [from, to) that belong to the event type
	// or to one of the assignees.
	Bookings(ctx context.Context, tenantID, eventTypeID string, assignees []string, from, to time.Time) ([]model.CalendarEvent, error)
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the write side used by confirmations, cancellations and admin updates.
type Tx interface {
	// LockSlot serialises confirmations for the event type and the assignee until commit.
	LockSlot(ctx context.Context, eventTypeID, assigneeID string) error
	Bookings(ctx context.Context, tenantID, eventTypeID string, assignees []string, from, to time.Time) ([]model.CalendarEvent, error)
	InsertBooking(ctx context.Context, ev *model.CalendarEvent) error
	BookingForUpdate(ctx context.Context, tenantID, id string) (model.CalendarEvent, error)
	CancelBooking(ctx context.Context, tenantID, id string, at time.Time) error
	LockIdempotencyKey(ctx context.Context, tenantID, key string) (bookingID string, err error)
	FinalizeIdempotency(ctx context.Context, tenantID, key, bookingID string) error
	SaveEventType(ctx context.Context, et model.EventType) error
	SaveAvailability(ctx context.Context, tenantID string, rule model.Availability) error
	EventTypeExists(ctx context.Context, tenantID, id string) (bool, error)
	Emit(ctx context.Context, evt outbox.Event) error
}

type Config struct {
	MaxRangeDays int
}

type Service struct {
	store        Store
	clock        clock.Clock
	logger       *slog.Logger
	maxRangeDays int
}

func NewService(store Store, clk clock.Clock, logger *slog.Logger, cfg Config) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.MaxRangeDays <= 0 {
		cfg.MaxRangeDays = DefaultMaxRangeDays
	}
	return &Service{store: store, clock: clk, logger: logger, maxRangeDays: cfg.MaxRangeDays}
}

// ListSlots returns the open slots of an event type over the inclusive civil date range.
// An empty result is not an error.
func (s *Service) ListSlots(ctx context.Context, eventTypeID string, from, to clock.Date) ([]model.Slot, error) {
	if from.IsZero() || to.IsZero() || from.After(to) {
		return nil, ErrInvalidRange
	}
	if from.DaysUntil(to)+1 > s.maxRangeDays {
		return nil, fmt.Errorf("%w: at most %d days", ErrInvalidRange, s.maxRangeDays)
	}

	et, rules, err := s.load(ctx, eventTypeID)
	if err != nil {
		return nil, err
	}
	loc, err := et.Location()
	if err != nil {
		return nil, err
	}
	windowStart, windowEnd := availability.Window(from, to, loc)
	bookings, err := s.store.Bookings(ctx, et.TenantID, et.ID, assignees(rules), windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}
	return availability.Generate(et, rules, bookings, from, to, s.clock.Now())
}

type ConfirmRequest struct {
	EventTypeID    string
	SlotStart      time.Time
	AssigneeID     string
	ContactName    string
	ContactPhone   string
	IdempotencyKey string
}

// Confirmation is the booking produced by Confirm. Replayed is set when an idempotency key
// matched an earlier confirmation.
type Confirmation struct {
	Booking  model.CalendarEvent
	Replayed bool
}

// Confirm re-checks that the requested slot is offered and still free, then records the
// booking and its outbox event in one transaction.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	ctx, span := otelx.Tracer("booking").Start(ctx, "booking.confirm", trace.WithAttributes(
		attribute.String("event_type.id", req.EventTypeID),
		attribute.String("assignee.id", req.AssigneeID),
	))
	defer span.End()

	req.ContactName = strings.TrimSpace(req.ContactName)
	if req.ContactName == "" || req.SlotStart.IsZero() {
		return Confirmation{}, fmt.Errorf("%w: contact_name and slot_start are required", ErrInvalid)
	}

	et, rules, err := s.load(ctx, req.EventTypeID)
	if err != nil {
		return Confirmation{}, err
	}
	slot, ok, err := availability.Offered(et, rules, req.SlotStart, req.AssigneeID)
	if err != nil {
		return Confirmation{}, err
	}
	if !ok || slot.Start.Before(s.clock.Now()) {
		return Confirmation{}, ErrSlotNotOffered
	}

	var out Confirmation
	err = s.store.InTx(ctx, func(tx Tx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.LockIdempotencyKey(ctx, et.TenantID, req.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("lock idempotency key: %w", err)
			}
			if existing != "" {
				prev, err := tx.BookingForUpdate(ctx, et.TenantID, existing)
				if err != nil {
					return err
				}
				out = Confirmation{Booking: prev, Replayed: true}
				return nil
			}
		}

		if err := tx.LockSlot(ctx, et.ID, slot.AssigneeID); err != nil {
			return fmt.Errorf("lock slot: %w", err)
		}
		current, err := tx.Bookings(ctx, et.TenantID, et.ID, nonEmpty(slot.AssigneeID), slot.Start, slot.End)
		if err != nil {
			return fmt.Errorf("load bookings: %w", err)
		}
		if availability.Blocked(slot, current, et.ID) {
			return ErrConflictLost
		}

		ev := &model.CalendarEvent{
			ID:           uuid.NewString(),
			TenantID:     et.TenantID,
			EventTypeID:  et.ID,
			AssigneeID:   slot.AssigneeID,
			ContactName:  req.ContactName,
			ContactPhone: strings.TrimSpace(req.ContactPhone),
			Start:        slot.Start,
			End:          slot.End,
			Status:       model.StatusScheduled,
			CreatedAt:    s.clock.Now(),
		}
		if err := tx.InsertBooking(ctx, ev); err != nil {
			if db.IsExclusionViolation(err) {
				return ErrConflictLost
			}
			return fmt.Errorf("insert booking: %w", err)
		}
		evt, err := outbox.NewEvent("calendar_event", ev.ID, EventBookingCreated, bookingPayload(*ev))
		if err != nil {
			return err
		}
		if err := tx.Emit(ctx, evt); err != nil {
			return fmt.Errorf("write outbox event: %w", err)
		}
		if req.IdempotencyKey != "" {
			if err := tx.FinalizeIdempotency(ctx, et.TenantID, req.IdempotencyKey, ev.ID); err != nil {
				return fmt.Errorf("finalize idempotency key: %w", err)
			}
		}
		out = Confirmation{Booking: *ev}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflictLost) {
			s.logger.Info("booking conflict", "event_type_id", et.ID, "assignee_id", slot.AssigneeID, "start", slot.Start)
		}
		span.RecordError(err)
		return Confirmation{}, err
	}
	return out, nil
}

// Cancel marks a scheduled booking cancelled. Cancelling an already cancelled booking returns
// it unchanged.
func (s *Service) Cancel(ctx context.Context, tenantID, bookingID string) (model.CalendarEvent, error) {
	var out model.CalendarEvent
	err := s.store.InTx(ctx, func(tx Tx) error {
		ev, err := tx.BookingForUpdate(ctx, tenantID, bookingID)
		if err != nil {
			if db.IsNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		if ev.Status == model.StatusCancelled {
			out = ev
			return nil
		}
		if ev.Status != model.StatusScheduled {
			return ErrNotCancellable
		}

		now := s.clock.Now()
		if err := tx.CancelBooking(ctx, tenantID, ev.ID, now); err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}
		ev.Status = model.StatusCancelled
		ev.CancelledAt = &now

		evt, err := outbox.NewEvent("calendar_event", ev.ID, EventBookingCancelled, bookingPayload(ev))
		if err != nil {
			return err
		}
		if err := tx.Emit(ctx, evt); err != nil {
			return fmt.Errorf("write outbox event: %w", err)
		}
		out = ev
		return nil
	})
	return out, err
}

// SaveEventType creates or replaces an event type. Replacing another tenant's event type
// returns ErrNotFound.
func (s *Service) SaveEventType(ctx context.Context, et model.EventType) (model.EventType, error) {
	if err := et.Validate(); err != nil {
		return model.EventType{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if et.ID == "" {
		et.ID = uuid.NewString()
	}
	err := s.store.InTx(ctx, func(tx Tx) error {
		return tx.SaveEventType(ctx, et)
	})
	return et, err
}

// SaveAvailability creates or replaces an availability rule of an existing event type. A rule
// id that belongs to another tenant or event type returns ErrNotFound.
func (s *Service) SaveAvailability(ctx context.Context, tenantID string, rule model.Availability) (model.Availability, error) {
	if err := rule.Validate(); err != nil {
		return model.Availability{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	err := s.store.InTx(ctx, func(tx Tx) error {
		ok, err := tx.EventTypeExists(ctx, tenantID, rule.EventTypeID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return tx.SaveAvailability(ctx, tenantID, rule)
	})
	return rule, err
}

func (s *Service) load(ctx context.Context, eventTypeID string) (model.EventType, []model.Availability, error) {
	et, err := s.store.EventType(ctx, eventTypeID)
	if err != nil {
		if db.IsNotFound(err) {
			return model.EventType{}, nil, ErrNotFound
		}
		return model.EventType{}, nil, fmt.Errorf("load event type: %w", err)
	}
	rules, err := s.store.Rules(ctx, et.ID)
	if err != nil {
		return model.EventType{}, nil, fmt.Errorf("load availability: %w", err)
	}
	return et, rules, nil
}

func assignees(rules []model.Availability) []string {
	seen := make(map[string]struct{}, len(rules))
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.AssigneeID == "" {
			continue
		}
		if _, ok := seen[r.AssigneeID]; ok {
			continue
		}
		seen[r.AssigneeID] = struct{}{}
		out = append(out, r.AssigneeID)
	}
	return out
}

func nonEmpty(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

func bookingPayload(ev model.CalendarEvent) map[string]any {
	payload := map[string]any{
		"calendar_event_id": ev.ID,
		"tenant_id":         ev.TenantID,
		"event_type_id":     ev.EventTypeID,
		"assignee_id":       ev.AssigneeID,
		"contact_phone":     ev.ContactPhone,
		"start_time":        ev.Start.UTC().Format(time.RFC3339),
		"end_time":          ev.End.UTC().Format(time.RFC3339),
		"status":            string(ev.Status),
	}
	if ev.CancelledAt != nil {
		payload["cancelled_at"] = ev.CancelledAt.UTC().Format(time.RFC3339)
	}
	return payload
}
