package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/model"
)

type stubService struct {
	slots      []model.Slot
	err        error
	confirmed  booking.ConfirmRequest
	replayed   bool
	savedRule  model.Availability
	savedTypes []model.EventType
}

func (s *stubService) ListSlots(_ context.Context, _ string, _, _ clock.Date) ([]model.Slot, error) {
	return s.slots, s.err
}

func (s *stubService) Confirm(_ context.Context, req booking.ConfirmRequest) (booking.Confirmation, error) {
	s.confirmed = req
	if s.err != nil {
		return booking.Confirmation{}, s.err
	}
	return booking.Confirmation{
		Booking: model.CalendarEvent{
			ID:          "ce-1",
			EventTypeID: req.EventTypeID,
			Start:       req.SlotStart,
			End:         req.SlotStart.Add(30 * time.Minute),
			Status:      model.StatusScheduled,
		},
		Replayed: s.replayed,
	}, nil
}

func (s *stubService) Cancel(_ context.Context, _ string, id string) (model.CalendarEvent, error) {
	if s.err != nil {
		return model.CalendarEvent{}, s.err
	}
	now := time.Now()
	return model.CalendarEvent{ID: id, Status: model.StatusCancelled, CancelledAt: &now}, nil
}

func (s *stubService) SaveEventType(_ context.Context, et model.EventType) (model.EventType, error) {
	if s.err != nil {
		return model.EventType{}, s.err
	}
	et.ID = "et-new"
	s.savedTypes = append(s.savedTypes, et)
	return et, nil
}

func (s *stubService) SaveAvailability(_ context.Context, _ string, rule model.Availability) (model.Availability, error) {
	if s.err != nil {
		return model.Availability{}, s.err
	}
	rule.ID = "r-new"
	s.savedRule = rule
	return rule, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSlotsResponse(t *testing.T) {
	nine := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubService{slots: []model.Slot{{Start: nine, End: nine.Add(30 * time.Minute), AssigneeID: "a-1"}}}
	h := NewBookingHandler(svc, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots?event_type_id=et-1&range_start=2024-01-01&range_end=2024-01-07", nil)
	rec := httptest.NewRecorder()
	h.Slots(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []slotItem
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Start != "2024-01-01T09:00:00Z" || got[0].AssigneeID != "a-1" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestSlotsEmptyIsArray(t *testing.T) {
	h := NewBookingHandler(&stubService{}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots?event_type_id=et-1&range_start=2024-01-01&range_end=2024-01-01", nil)
	rec := httptest.NewRecorder()
	h.Slots(rec, req)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestServiceErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{booking.ErrInvalidRange, http.StatusBadRequest},
		{booking.ErrNotFound, http.StatusNotFound},
		{booking.ErrConflictLost, http.StatusConflict},
		{booking.ErrSlotNotOffered, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := NewBookingHandler(&stubService{err: tc.err}, discardLogger())
		body := `{"event_type_id":"et-1","slot_start":"2024-01-01T09:00:00Z","contact_name":"Ada"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Book(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestBookConflictMessage(t *testing.T) {
	h := NewBookingHandler(&stubService{err: booking.ErrConflictLost}, discardLogger())
	body := `{"event_type_id":"et-1","slot_start":"2024-01-01T09:00:00Z","contact_name":"Ada"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Book(rec, req)

	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["error"] != "slot no longer available" {
		t.Fatalf("unexpected error body %v", got)
	}
}

func TestBookPassesIdempotencyKey(t *testing.T) {
	svc := &stubService{replayed: true}
	h := NewBookingHandler(svc, discardLogger())
	body := `{"event_type_id":"et-1","slot_start":"2024-01-01T09:00:00Z","assignee_id":" a-1 ","contact_name":"Ada"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "k-1")
	rec := httptest.NewRecorder()
	h.Book(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", rec.Code)
	}
	if svc.confirmed.IdempotencyKey != "k-1" || svc.confirmed.AssigneeID != "a-1" {
		t.Fatalf("unexpected confirm request %+v", svc.confirmed)
	}
}

func TestBookRejectsBadInput(t *testing.T) {
	h := NewBookingHandler(&stubService{}, discardLogger())
	for _, body := range []string{`{`, `{"slot_start":"2024-01-01T09:00:00Z"}`, `{"event_type_id":"et-1","slot_start":"monday"}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/public/book", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Book(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestCancelRequiresTenant(t *testing.T) {
	h := NewBookingHandler(&stubService{}, discardLogger())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings/cancel", strings.NewReader(`{"calendar_event_id":"ce-1"}`))
	rec := httptest.NewRecorder()
	h.Cancel(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/bookings/cancel", strings.NewReader(`{"calendar_event_id":"ce-1"}`))
	req.Header.Set("X-Tenant-Id", "t-1")
	rec = httptest.NewRecorder()
	h.Cancel(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"cancelled"`) {
		t.Fatalf("expected cancelled booking, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPutAvailabilityParsesWeekdays(t *testing.T) {
	svc := &stubService{}
	h := NewAdminHandler(svc, discardLogger())
	body := `{"event_type_id":"et-1","weekly":{"Monday":{"enabled":true,"start_time":"09:00","end_time":"17:00"}},"blocked_dates":["2024-01-01"]}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/availability", strings.NewReader(body))
	req.Header.Set("X-Tenant-Id", "t-1")
	rec := httptest.NewRecorder()
	h.PutAvailability(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	win, ok := svc.savedRule.Weekly.For(time.Monday)
	if !ok || win.Start != clock.NewTimeOfDay(9, 0) || win.End != clock.NewTimeOfDay(17, 0) {
		t.Fatalf("unexpected monday window %+v", svc.savedRule.Weekly[time.Monday])
	}
	if !svc.savedRule.Active || !svc.savedRule.IsBlocked(clock.NewDate(2024, time.January, 1)) {
		t.Fatalf("unexpected rule %+v", svc.savedRule)
	}

	bad := `{"event_type_id":"et-1","weekly":{"Mondy":{"enabled":true,"start_time":"09:00","end_time":"17:00"}}}`
	req = httptest.NewRequest(http.MethodPut, "/api/v1/availability", strings.NewReader(bad))
	req.Header.Set("X-Tenant-Id", "t-1")
	rec = httptest.NewRecorder()
	h.PutAvailability(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown weekday, got %d", rec.Code)
	}
}

func TestPutEventTypeMapsInvalid(t *testing.T) {
	h := NewAdminHandler(&stubService{err: booking.ErrInvalid}, discardLogger())
	req := httptest.NewRequest(http.MethodPut, "/api/v1/event-types", strings.NewReader(`{"duration_minutes":0}`))
	req.Header.Set("X-Tenant-Id", "t-1")
	rec := httptest.NewRecorder()
	h.PutEventType(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPutAvailabilityForeignRuleIsNotFound(t *testing.T) {
	h := NewAdminHandler(&stubService{err: booking.ErrNotFound}, discardLogger())
	body := `{"id":"r-other","event_type_id":"et-1","weekly":{}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/availability", strings.NewReader(body))
	req.Header.Set("X-Tenant-Id", "t-1")
	rec := httptest.NewRecorder()
	h.PutAvailability(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
