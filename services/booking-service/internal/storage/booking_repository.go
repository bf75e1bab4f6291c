package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/libs/db"
	"github.com/md-rashed-zaman/reachflow/libs/outbox"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/model"
)

type BookingRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewBookingRepository(pool *db.Pool, outboxRepo *outbox.Repository) *BookingRepository {
	return &BookingRepository{pool: pool, outbox: outboxRepo}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *BookingRepository) EventType(ctx context.Context, id string) (model.EventType, error) {
	var et model.EventType
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, tenant_id, name, duration_minutes, timezone
		FROM event_types
		WHERE id = $1
	`, id).Scan(&et.ID, &et.TenantID, &et.Name, &et.DurationMinutes, &et.Timezone)
	return et, err
}

func (r *BookingRepository) Rules(ctx context.Context, eventTypeID string) ([]model.Availability, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, event_type_id::text, COALESCE(assignee_id, ''), weekly, start_date, end_date, blocked_dates, active
		FROM availability_rules
		WHERE event_type_id = $1
		ORDER BY position ASC, created_at ASC
	`, eventTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.Availability
	for rows.Next() {
		var (
			rule      model.Availability
			weekly    []byte
			startDate *time.Time
			endDate   *time.Time
			blocked   []time.Time
		)
		if err := rows.Scan(&rule.ID, &rule.EventTypeID, &rule.AssigneeID, &weekly, &startDate, &endDate, &blocked, &rule.Active); err != nil {
			return nil, err
		}
		if rule.Weekly, err = decodeWeekly(weekly); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		rule.StartDate = optionalDate(startDate)
		rule.EndDate = optionalDate(endDate)
		if len(blocked) > 0 {
			rule.Blocked = make(map[clock.Date]struct{}, len(blocked))
			for _, d := range blocked {
				rule.Blocked[clock.DateOf(d)] = struct{}{}
			}
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

func (r *BookingRepository) Bookings(ctx context.Context, tenantID, eventTypeID string, assignees []string, from, to time.Time) ([]model.CalendarEvent, error) {
	return listScheduled(ctx, r.pool, tenantID, eventTypeID, assignees, from, to)
}

func (r *BookingRepository) InTx(ctx context.Context, fn func(booking.Tx) error) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		return fn(&bookingTx{tx: tx, outbox: r.outbox})
	})
}

type bookingTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

// LockSlot takes transaction-scoped advisory locks so concurrent confirmations for the same
// event type or assignee re-check availability one at a time.
func (t *bookingTx) LockSlot(ctx context.Context, eventTypeID, assigneeID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "event_type:"+eventTypeID); err != nil {
		return err
	}
	if assigneeID == "" {
		return nil
	}
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "assignee:"+assigneeID)
	return err
}

func (t *bookingTx) Bookings(ctx context.Context, tenantID, eventTypeID string, assignees []string, from, to time.Time) ([]model.CalendarEvent, error) {
	return listScheduled(ctx, t.tx, tenantID, eventTypeID, assignees, from, to)
}

func (t *bookingTx) InsertBooking(ctx context.Context, ev *model.CalendarEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO calendar_events
			(id, tenant_id, event_type_id, assignee_id, contact_name, contact_phone, start_time, end_time, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
	`, ev.ID, ev.TenantID, ev.EventTypeID, ev.AssigneeID, ev.ContactName, ev.ContactPhone,
		ev.Start, ev.End, string(ev.Status), ev.CreatedAt)
	return err
}

func (t *bookingTx) BookingForUpdate(ctx context.Context, tenantID, id string) (model.CalendarEvent, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+calendarEventColumns+`
		FROM calendar_events
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, id, tenantID)
	return scanCalendarEvent(row)
}

func (t *bookingTx) CancelBooking(ctx context.Context, tenantID, id string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE calendar_events
		SET status = 'cancelled',
			cancelled_at = $3
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID, at)
	return err
}

// LockIdempotencyKey inserts the key if needed and locks its row; it returns the booking id
// recorded by an earlier confirmation, or "".
func (t *bookingTx) LockIdempotencyKey(ctx context.Context, tenantID, key string) (string, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (tenant_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`, tenantID, key)
	if err != nil {
		return "", err
	}
	var bookingID string
	err = t.tx.QueryRow(ctx, `
		SELECT COALESCE(calendar_event_id::text, '')
		FROM booking_idempotency_keys
		WHERE tenant_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, tenantID, key).Scan(&bookingID)
	return bookingID, err
}

func (t *bookingTx) FinalizeIdempotency(ctx context.Context, tenantID, key, bookingID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET calendar_event_id = $3,
			updated_at = now()
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key, bookingID)
	return err
}

// SaveEventType upserts the event type. An id owned by another tenant is reported as
// booking.ErrNotFound.
func (t *bookingTx) SaveEventType(ctx context.Context, et model.EventType) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO event_types (id, tenant_id, name, duration_minutes, timezone)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			duration_minutes = EXCLUDED.duration_minutes,
			timezone = EXCLUDED.timezone,
			updated_at = now()
		WHERE event_types.tenant_id = EXCLUDED.tenant_id
	`, et.ID, et.TenantID, et.Name, et.DurationMinutes, et.Timezone)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrNotFound
	}
	return nil
}

// SaveAvailability upserts the rule. An existing rule is only replaced when it belongs to the
// same event type of the same tenant; otherwise booking.ErrNotFound is returned.
func (t *bookingTx) SaveAvailability(ctx context.Context, tenantID string, rule model.Availability) error {
	weekly, err := encodeWeekly(rule.Weekly)
	if err != nil {
		return err
	}
	blocked := make([]time.Time, 0, len(rule.Blocked))
	for d := range rule.Blocked {
		blocked = append(blocked, d.Midnight(time.UTC))
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO availability_rules (id, event_type_id, assignee_id, weekly, start_date, end_date, blocked_dates, active)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET assignee_id = EXCLUDED.assignee_id,
			weekly = EXCLUDED.weekly,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			blocked_dates = EXCLUDED.blocked_dates,
			active = EXCLUDED.active,
			updated_at = now()
		WHERE availability_rules.event_type_id = EXCLUDED.event_type_id
			AND availability_rules.event_type_id IN (SELECT id FROM event_types WHERE tenant_id = $9)
	`, rule.ID, rule.EventTypeID, rule.AssigneeID, weekly, dateArg(rule.StartDate), dateArg(rule.EndDate), blocked, rule.Active, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrNotFound
	}
	return nil
}

func (t *bookingTx) EventTypeExists(ctx context.Context, tenantID, id string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM event_types WHERE id = $1 AND tenant_id = $2)
	`, id, tenantID).Scan(&ok)
	return ok, err
}

func (t *bookingTx) Emit(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

const calendarEventColumns = `id::text, tenant_id, event_type_id::text, COALESCE(assignee_id, ''), contact_name, contact_phone,
			start_time, end_time, status, cancelled_at, created_at`

func listScheduled(ctx context.Context, q querier, tenantID, eventTypeID string, assignees []string, from, to time.Time) ([]model.CalendarEvent, error) {
	if assignees == nil {
		assignees = []string{}
	}
	rows, err := q.Query(ctx, `
		SELECT `+calendarEventColumns+`
		FROM calendar_events
		WHERE tenant_id = $1
			AND status = 'scheduled'
			AND (event_type_id = $2 OR assignee_id = ANY($3))
			AND start_time < $5
			AND end_time > $4
		ORDER BY start_time ASC
	`, tenantID, eventTypeID, assignees, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CalendarEvent
	for rows.Next() {
		ev, err := scanCalendarEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanCalendarEvent(row pgx.Row) (model.CalendarEvent, error) {
	var (
		ev     model.CalendarEvent
		status string
	)
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.EventTypeID, &ev.AssigneeID, &ev.ContactName, &ev.ContactPhone,
		&ev.Start, &ev.End, &status, &ev.CancelledAt, &ev.CreatedAt)
	if err != nil {
		return model.CalendarEvent{}, err
	}
	ev.Status = model.BookingStatus(status)
	return ev, nil
}

// dayWindowJSON is the stored form of one weekday; the weekly column is a 7 element array
// indexed like time.Weekday.
type dayWindowJSON struct {
	Enabled bool            `json:"enabled"`
	Start   clock.TimeOfDay `json:"start_time"`
	End     clock.TimeOfDay `json:"end_time"`
}

func encodeWeekly(w model.WeeklySchedule) ([]byte, error) {
	days := make([]*dayWindowJSON, len(w))
	for i, entry := range w {
		if entry == nil {
			continue
		}
		days[i] = &dayWindowJSON{Enabled: entry.Enabled, Start: entry.Start, End: entry.End}
	}
	return json.Marshal(days)
}

func decodeWeekly(raw []byte) (model.WeeklySchedule, error) {
	var w model.WeeklySchedule
	if len(raw) == 0 {
		return w, nil
	}
	var days []*dayWindowJSON
	if err := json.Unmarshal(raw, &days); err != nil {
		return w, fmt.Errorf("decode weekly schedule: %w", err)
	}
	if len(days) > len(w) {
		return w, fmt.Errorf("weekly schedule has %d entries", len(days))
	}
	for i, d := range days {
		if d == nil {
			continue
		}
		w[i] = &model.DayWindow{Enabled: d.Enabled, Start: d.Start, End: d.End}
	}
	return w, nil
}

func optionalDate(t *time.Time) *clock.Date {
	if t == nil {
		return nil
	}
	d := clock.DateOf(*t)
	return &d
}

func dateArg(d *clock.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Midnight(time.UTC)
	return &t
}
