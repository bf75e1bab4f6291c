package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/libs/httpx"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/journey"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/storage"
)

type JourneyStore interface {
	SaveJourney(ctx context.Context, j journey.Journey) error
	GetJourney(ctx context.Context, tenantID, id string) (journey.Journey, error)
	CancelJourney(ctx context.Context, tenantID, id string, at time.Time) error
	UpsertContact(ctx context.Context, c journey.Contact) error
}

type EnrollmentStore interface {
	Enroll(ctx context.Context, tenantID, journeyID, contactID string, now time.Time) (journey.Enrollment, error)
	GetEnrollment(ctx context.Context, tenantID, id string) (journey.Enrollment, error)
	History(ctx context.Context, tenantID, enrollmentID string) ([]journey.StepRecord, error)
}

type JourneyHandler struct {
	journeys    JourneyStore
	enrollments EnrollmentStore
	clock       clock.Clock
	logger      *slog.Logger
}

func NewJourneyHandler(journeys JourneyStore, enrollments EnrollmentStore, clk clock.Clock, logger *slog.Logger) *JourneyHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &JourneyHandler{journeys: journeys, enrollments: enrollments, clock: clk, logger: logger}
}

type validationResponse struct {
	Error  string               `json:"error"`
	Fields []journey.FieldError `json:"fields"`
}

// Journeys serves GET (by id) and PUT (create or replace) on /api/v1/journeys.
func (h *JourneyHandler) Journeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getJourney(w, r)
	case http.MethodPut:
		h.putJourney(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *JourneyHandler) putJourney(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var j journey.Journey
	if err := json.Unmarshal(body, &j); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || !json.Valid(body) {
			httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		httpx.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := j.Validate(); err != nil {
		var verr *journey.ValidationError
		if errors.As(err, &verr) {
			httpx.WriteJSON(w, http.StatusUnprocessableEntity, validationResponse{Error: "invalid journey", Fields: verr.Fields})
			return
		}
		httpx.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	j.ID = strings.TrimSpace(j.ID)
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.TenantID = tenantID
	j.Status = journey.JourneyActive
	j.UpdatedAt = h.clock.Now()
	if err := h.journeys.SaveJourney(r.Context(), j); err != nil {
		h.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, j)
}

func (h *JourneyHandler) getJourney(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if tenantID == "" || id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "tenant and id are required")
		return
	}
	j, err := h.journeys.GetJourney(r.Context(), tenantID, id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, j)
}

func (h *JourneyHandler) CancelJourney(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}
	var req struct {
		JourneyID string `json:"journey_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.JourneyID) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "journey_id is required")
		return
	}
	if err := h.journeys.CancelJourney(r.Context(), tenantID, strings.TrimSpace(req.JourneyID), h.clock.Now()); err != nil {
		h.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"journey_id": req.JourneyID, "status": string(journey.JourneyCancelled)})
}

type contactRequest struct {
	ID         string            `json:"id"`
	Phone      string            `json:"phone"`
	Attributes map[string]string `json:"attributes"`
}

func (h *JourneyHandler) PutContact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Attributes == nil {
		req.Attributes = map[string]string{}
	}
	c := journey.Contact{ID: req.ID, TenantID: tenantID, Phone: strings.TrimSpace(req.Phone), Attributes: req.Attributes}
	if err := h.journeys.UpsertContact(r.Context(), c); err != nil {
		h.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, contactRequest{ID: c.ID, Phone: c.Phone, Attributes: c.Attributes})
}

type enrollmentResponse struct {
	EnrollmentID string         `json:"enrollment_id"`
	JourneyID    string         `json:"journey_id"`
	ContactID    string         `json:"contact_id"`
	CurrentNode  string         `json:"current_node"`
	Status       string         `json:"status"`
	Day          int            `json:"day"`
	Attempts     int            `json:"attempts"`
	DueAt        string         `json:"due_at,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	History      []stepResponse `json:"history,omitempty"`
}

type stepResponse struct {
	NodeID   string `json:"node_id"`
	Kind     string `json:"kind"`
	Day      int    `json:"day"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
	Executed string `json:"executed_at"`
}

// Enrollments serves POST (enroll a contact) and GET (status with history).
func (h *JourneyHandler) Enrollments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.enroll(w, r)
	case http.MethodGet:
		h.getEnrollment(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *JourneyHandler) enroll(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}
	var req struct {
		JourneyID string `json:"journey_id"`
		ContactID string `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.JourneyID = strings.TrimSpace(req.JourneyID)
	req.ContactID = strings.TrimSpace(req.ContactID)
	if req.JourneyID == "" || req.ContactID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "journey_id and contact_id are required")
		return
	}
	e, err := h.enrollments.Enroll(r.Context(), tenantID, req.JourneyID, req.ContactID, h.clock.Now())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toEnrollmentResponse(e, nil))
}

func (h *JourneyHandler) getEnrollment(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if tenantID == "" || id == "" {
		httpx.WriteError(w, http.StatusBadRequest, "tenant and id are required")
		return
	}
	e, err := h.enrollments.GetEnrollment(r.Context(), tenantID, id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	history, err := h.enrollments.History(r.Context(), tenantID, id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toEnrollmentResponse(e, history))
}

func toEnrollmentResponse(e journey.Enrollment, history []journey.StepRecord) enrollmentResponse {
	resp := enrollmentResponse{
		EnrollmentID: e.ID,
		JourneyID:    e.JourneyID,
		ContactID:    e.ContactID,
		CurrentNode:  string(e.CurrentNode),
		Status:       string(e.Status),
		Day:          e.Day,
		Attempts:     e.Attempts,
		Reason:       e.Reason,
	}
	if e.DueAt != nil {
		resp.DueAt = e.DueAt.UTC().Format(time.RFC3339)
	}
	for _, rec := range history {
		resp.History = append(resp.History, stepResponse{
			NodeID:   string(rec.NodeID),
			Kind:     string(rec.Kind),
			Day:      rec.DayLabel,
			Outcome:  string(rec.Outcome),
			Detail:   rec.Detail,
			Executed: rec.At.UTC().Format(time.RFC3339),
		})
	}
	return resp
}

func (h *JourneyHandler) writeStoreError(w http.ResponseWriter, err error) {
	writeStoreError(w, h.logger, err)
}

func writeStoreError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrJourneyInactive), errors.Is(err, storage.ErrAlreadyEnrolled):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("journey request failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func tenantFrom(r *http.Request) string {
	if id := httpx.TenantFromRequest(r); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("tenant_id"))
}
