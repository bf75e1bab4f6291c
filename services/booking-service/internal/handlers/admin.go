package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/libs/httpx"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/model"
)

type AdminService interface {
	SaveEventType(ctx context.Context, et model.EventType) (model.EventType, error)
	SaveAvailability(ctx context.Context, tenantID string, rule model.Availability) (model.Availability, error)
}

type AdminHandler struct {
	svc    AdminService
	errs   *BookingHandler
	logger *slog.Logger
}

func NewAdminHandler(svc AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, errs: &BookingHandler{logger: logger}, logger: logger}
}

type eventTypeRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	Timezone        string `json:"timezone"`
}

type dayWindowRequest struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type availabilityRequest struct {
	ID           string                      `json:"id"`
	EventTypeID  string                      `json:"event_type_id"`
	AssigneeID   string                      `json:"assignee_id"`
	Weekly       map[string]dayWindowRequest `json:"weekly"`
	StartDate    string                      `json:"start_date"`
	EndDate      string                      `json:"end_date"`
	BlockedDates []string                    `json:"blocked_dates"`
	Active       *bool                       `json:"active"`
}

func (h *AdminHandler) PutEventType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}
	var req eventTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	et, err := h.svc.SaveEventType(r.Context(), model.EventType{
		ID:              strings.TrimSpace(req.ID),
		TenantID:        tenantID,
		Name:            strings.TrimSpace(req.Name),
		DurationMinutes: req.DurationMinutes,
		Timezone:        strings.TrimSpace(req.Timezone),
	})
	if err != nil {
		h.errs.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, eventTypeRequest{
		ID:              et.ID,
		Name:            et.Name,
		DurationMinutes: et.DurationMinutes,
		Timezone:        et.Timezone,
	})
}

func (h *AdminHandler) PutAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rule, err := req.toModel()
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := h.svc.SaveAvailability(r.Context(), tenantID, rule)
	if err != nil {
		h.errs.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": saved.ID})
}

// weekdayByName maps lower-case English day names to time.Weekday.
var weekdayByName = func() map[string]time.Weekday {
	m := make(map[string]time.Weekday, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		m[strings.ToLower(d.String())] = d
	}
	return m
}()

func (req availabilityRequest) toModel() (model.Availability, error) {
	rule := model.Availability{
		ID:          strings.TrimSpace(req.ID),
		EventTypeID: strings.TrimSpace(req.EventTypeID),
		AssigneeID:  strings.TrimSpace(req.AssigneeID),
		Active:      req.Active == nil || *req.Active,
	}
	for name, day := range req.Weekly {
		wd, ok := weekdayByName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return model.Availability{}, fmt.Errorf("unknown weekday %q", name)
		}
		start, err := clock.ParseTimeOfDay(day.StartTime)
		if err != nil && day.Enabled {
			return model.Availability{}, fmt.Errorf("%s: %w", name, err)
		}
		end, err := clock.ParseTimeOfDay(day.EndTime)
		if err != nil && day.Enabled {
			return model.Availability{}, fmt.Errorf("%s: %w", name, err)
		}
		rule.Weekly[wd] = &model.DayWindow{Enabled: day.Enabled, Start: start, End: end}
	}
	var err error
	if rule.StartDate, err = parseOptionalDate(req.StartDate); err != nil {
		return model.Availability{}, fmt.Errorf("start_date: %w", err)
	}
	if rule.EndDate, err = parseOptionalDate(req.EndDate); err != nil {
		return model.Availability{}, fmt.Errorf("end_date: %w", err)
	}
	if len(req.BlockedDates) > 0 {
		rule.Blocked = make(map[clock.Date]struct{}, len(req.BlockedDates))
		for _, raw := range req.BlockedDates {
			d, err := clock.ParseDate(strings.TrimSpace(raw))
			if err != nil {
				return model.Availability{}, fmt.Errorf("blocked_dates: %w", err)
			}
			rule.Blocked[d] = struct{}{}
		}
	}
	return rule, nil
}

func parseOptionalDate(raw string) (*clock.Date, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := clock.ParseDate(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
