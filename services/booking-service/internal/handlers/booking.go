package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/libs/httpx"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/model"
)

// BookingService is the subset of booking.Service the HTTP layer needs.
type BookingService interface {
	ListSlots(ctx context.Context, eventTypeID string, from, to clock.Date) ([]model.Slot, error)
	Confirm(ctx context.Context, req booking.ConfirmRequest) (booking.Confirmation, error)
	Cancel(ctx context.Context, tenantID, bookingID string) (model.CalendarEvent, error)
}

type BookingHandler struct {
	svc    BookingService
	logger *slog.Logger
}

func NewBookingHandler(svc BookingService, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, logger: logger}
}

type slotItem struct {
	Start      string `json:"start"`
	End        string `json:"end"`
	AssigneeID string `json:"assignee_id,omitempty"`
}

type confirmRequest struct {
	EventTypeID  string `json:"event_type_id"`
	SlotStart    string `json:"slot_start"`
	AssigneeID   string `json:"assignee_id"`
	ContactName  string `json:"contact_name"`
	ContactPhone string `json:"contact_phone"`
}

type calendarEventResponse struct {
	CalendarEventID string `json:"calendar_event_id"`
	EventTypeID     string `json:"event_type_id"`
	AssigneeID      string `json:"assignee_id,omitempty"`
	Start           string `json:"start"`
	End             string `json:"end"`
	Status          string `json:"status"`
	CancelledAt     string `json:"cancelled_at,omitempty"`
}

type cancelRequest struct {
	CalendarEventID string `json:"calendar_event_id"`
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	eventTypeID := strings.TrimSpace(q.Get("event_type_id"))
	if eventTypeID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "event_type_id is required")
		return
	}
	from, err := clock.ParseDate(strings.TrimSpace(q.Get("range_start")))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid range_start")
		return
	}
	to, err := clock.ParseDate(strings.TrimSpace(q.Get("range_end")))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid range_end")
		return
	}

	slots, err := h.svc.ListSlots(r.Context(), eventTypeID, from, to)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		resp = append(resp, slotItem{
			Start:      s.Start.UTC().Format(time.RFC3339),
			End:        s.End.UTC().Format(time.RFC3339),
			AssigneeID: s.AssigneeID,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.EventTypeID = strings.TrimSpace(req.EventTypeID)
	if req.EventTypeID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "event_type_id is required")
		return
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.SlotStart))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid slot_start")
		return
	}

	conf, err := h.svc.Confirm(r.Context(), booking.ConfirmRequest{
		EventTypeID:    req.EventTypeID,
		SlotStart:      start,
		AssigneeID:     strings.TrimSpace(req.AssigneeID),
		ContactName:    req.ContactName,
		ContactPhone:   req.ContactPhone,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if conf.Replayed {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, toCalendarEventResponse(conf.Booking))
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.CalendarEventID = strings.TrimSpace(req.CalendarEventID)
	if req.CalendarEventID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "calendar_event_id is required")
		return
	}

	ev, err := h.svc.Cancel(r.Context(), tenantID, req.CalendarEventID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCalendarEventResponse(ev))
}

func (h *BookingHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrInvalidRange), errors.Is(err, booking.ErrInvalid):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, booking.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, booking.ErrConflictLost):
		httpx.WriteError(w, http.StatusConflict, booking.ErrConflictLost.Error())
	case errors.Is(err, booking.ErrNotCancellable):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, booking.ErrSlotNotOffered):
		httpx.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("booking request failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func toCalendarEventResponse(ev model.CalendarEvent) calendarEventResponse {
	resp := calendarEventResponse{
		CalendarEventID: ev.ID,
		EventTypeID:     ev.EventTypeID,
		AssigneeID:      ev.AssigneeID,
		Start:           ev.Start.UTC().Format(time.RFC3339),
		End:             ev.End.UTC().Format(time.RFC3339),
		Status:          string(ev.Status),
	}
	if ev.CancelledAt != nil {
		resp.CancelledAt = ev.CancelledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func tenantFrom(r *http.Request) string {
	if id := httpx.TenantFromRequest(r); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("tenant_id"))
}
