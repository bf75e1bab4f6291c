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
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/dids"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/journey"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/storage"
)

type stubStore struct {
	saved     []journey.Journey
	cancelled string
	contacts  []journey.Contact
	enrollErr error
	imported  []dids.DID
	disabled  string
	list      []dids.DID
	err       error
}

func (s *stubStore) SaveJourney(_ context.Context, j journey.Journey) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, j)
	return nil
}

func (s *stubStore) GetJourney(_ context.Context, _, id string) (journey.Journey, error) {
	for _, j := range s.saved {
		if j.ID == id {
			return j, nil
		}
	}
	return journey.Journey{}, storage.ErrNotFound
}

func (s *stubStore) CancelJourney(_ context.Context, _, id string, _ time.Time) error {
	if s.err != nil {
		return s.err
	}
	s.cancelled = id
	return nil
}

func (s *stubStore) UpsertContact(_ context.Context, c journey.Contact) error {
	s.contacts = append(s.contacts, c)
	return nil
}

func (s *stubStore) Enroll(_ context.Context, tenantID, journeyID, contactID string, now time.Time) (journey.Enrollment, error) {
	if s.enrollErr != nil {
		return journey.Enrollment{}, s.enrollErr
	}
	return journey.Enrollment{
		ID: "e-1", TenantID: tenantID, JourneyID: journeyID, ContactID: contactID,
		CurrentNode: "hello", Status: journey.EnrollmentActive, Day: 1, EnrolledAt: now,
	}, nil
}

func (s *stubStore) GetEnrollment(_ context.Context, _, id string) (journey.Enrollment, error) {
	due := time.Date(2024, 5, 8, 9, 0, 0, 0, time.UTC)
	return journey.Enrollment{ID: id, CurrentNode: "day3", Status: journey.EnrollmentActive, Day: 3, DueAt: &due}, nil
}

func (s *stubStore) History(_ context.Context, _, id string) ([]journey.StepRecord, error) {
	return []journey.StepRecord{{EnrollmentID: id, NodeID: "hello", Kind: journey.KindSendMessage, DayLabel: 1, Outcome: journey.OutcomeMessageSent}}, nil
}

func (s *stubStore) Import(_ context.Context, _ string, in []dids.DID) (int, error) {
	s.imported = in
	return len(in) - 1, nil
}

func (s *stubStore) Disable(_ context.Context, _, number string) error {
	if s.err != nil {
		return s.err
	}
	s.disabled = number
	return nil
}

func (s *stubStore) List(context.Context, string, string) ([]dids.DID, error) {
	return s.list, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJourneyHandler(s *stubStore) *JourneyHandler {
	return NewJourneyHandler(s, s, clock.NewManual(time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)), discardLogger())
}

func tenantRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("X-Tenant-Id", "t-1")
	return req
}

const validJourney = `{
	"name": "welcome", "timezone": "UTC", "entry": "hello",
	"nodes": [
		{"id": "hello", "type": "SEND_MESSAGE", "day": 1, "config": {"template": "Hi {{.Attr.first_name}}", "next": "wait"}},
		{"id": "wait", "type": "TIME_DELAY", "config": {"duration": "48h", "next": "bye"}},
		{"id": "bye", "type": "EXIT"}
	]
}`

func TestPutJourneySaves(t *testing.T) {
	s := &stubStore{}
	rec := httptest.NewRecorder()
	newJourneyHandler(s).Journeys(rec, tenantRequest(http.MethodPut, "/api/v1/journeys", validJourney))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if len(s.saved) != 1 {
		t.Fatalf("expected a save, got %d", len(s.saved))
	}
	j := s.saved[0]
	if j.ID == "" || j.TenantID != "t-1" || j.Status != journey.JourneyActive || len(j.Nodes) != 3 {
		t.Fatalf("unexpected journey %+v", j)
	}
}

func TestPutJourneyRejectsDanglingReference(t *testing.T) {
	s := &stubStore{}
	body := strings.Replace(validJourney, `"next": "bye"`, `"next": "gone"`, 1)
	rec := httptest.NewRecorder()
	newJourneyHandler(s).Journeys(rec, tenantRequest(http.MethodPut, "/api/v1/journeys", body))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var got validationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Fields) != 1 || got.Fields[0].Field != "nodes.wait.config" {
		t.Fatalf("unexpected fields %+v", got.Fields)
	}
	if len(s.saved) != 0 {
		t.Fatal("invalid journey must not be saved")
	}
}

func TestPutJourneyBadPayloads(t *testing.T) {
	cases := map[string]int{
		`{"name":`: http.StatusBadRequest,
		`{"name":"x","entry":"a","nodes":[{"id":"a","type":"FAX"}]}`: http.StatusUnprocessableEntity,
	}
	for body, want := range cases {
		rec := httptest.NewRecorder()
		newJourneyHandler(&stubStore{}).Journeys(rec, tenantRequest(http.MethodPut, "/api/v1/journeys", body))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", body, want, rec.Code)
		}
	}
}

func TestGetJourneyNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	newJourneyHandler(&stubStore{}).Journeys(rec, tenantRequest(http.MethodGet, "/api/v1/journeys?id=nope", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelJourney(t *testing.T) {
	s := &stubStore{}
	rec := httptest.NewRecorder()
	newJourneyHandler(s).CancelJourney(rec, tenantRequest(http.MethodPost, "/api/v1/journeys/cancel", `{"journey_id":"j-1"}`))
	if rec.Code != http.StatusOK || s.cancelled != "j-1" {
		t.Fatalf("expected cancellation, got %d %q", rec.Code, s.cancelled)
	}
}

func TestEnrollStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusCreated},
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrJourneyInactive, http.StatusConflict},
		{storage.ErrAlreadyEnrolled, http.StatusConflict},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h := newJourneyHandler(&stubStore{enrollErr: tc.err})
		h.Enrollments(rec, tenantRequest(http.MethodPost, "/api/v1/enrollments", `{"journey_id":"j-1","contact_id":"c-1"}`))
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestGetEnrollmentIncludesHistory(t *testing.T) {
	rec := httptest.NewRecorder()
	newJourneyHandler(&stubStore{}).Enrollments(rec, tenantRequest(http.MethodGet, "/api/v1/enrollments?id=e-1", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got enrollmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Day != 3 || got.DueAt != "2024-05-08T09:00:00Z" || len(got.History) != 1 || got.History[0].Outcome != "message_sent" {
		t.Fatalf("unexpected enrollment %+v", got)
	}
}

func TestPutContactDefaults(t *testing.T) {
	s := &stubStore{}
	rec := httptest.NewRecorder()
	newJourneyHandler(s).PutContact(rec, tenantRequest(http.MethodPut, "/api/v1/contacts", `{"phone":" +15550001 "}`))
	if rec.Code != http.StatusOK || len(s.contacts) != 1 {
		t.Fatalf("expected contact saved, got %d", rec.Code)
	}
	c := s.contacts[0]
	if c.ID == "" || c.Phone != "+15550001" || c.Attributes == nil || c.TenantID != "t-1" {
		t.Fatalf("unexpected contact %+v", c)
	}
}

func TestImportDIDs(t *testing.T) {
	s := &stubStore{}
	h := NewDIDHandler(s, discardLogger())
	body := `{"dids":[{"number":"+15550100","trunk":"main","segment":"twilio-east"},{"number":"+15550101","trunk":"main"}]}`
	rec := httptest.NewRecorder()
	h.Import(rec, tenantRequest(http.MethodPost, "/api/v1/admin/dids/import", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["requested"] != 2 || got["imported"] != 1 || s.imported[0].Segment != "twilio-east" {
		t.Fatalf("unexpected import %v %+v", got, s.imported)
	}

	rec = httptest.NewRecorder()
	h.Import(rec, tenantRequest(http.MethodPost, "/api/v1/admin/dids/import", `{"dids":[{"number":"+1"}]}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without trunk, got %d", rec.Code)
	}
}

func TestDisableAndListDIDs(t *testing.T) {
	reserved := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	s := &stubStore{list: []dids.DID{{ID: "d-1", Number: "+1", Trunk: "main", Status: dids.StatusReserved, UsageCount: 4, ReservedAt: &reserved}}}
	h := NewDIDHandler(s, discardLogger())

	rec := httptest.NewRecorder()
	h.Disable(rec, tenantRequest(http.MethodPost, "/api/v1/admin/dids/disable", `{"number":"+1"}`))
	if rec.Code != http.StatusNoContent || s.disabled != "+1" {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.List(rec, tenantRequest(http.MethodGet, "/api/v1/admin/dids?trunk=main", ""))
	var got []didItem
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Status != "reserved" || got[0].UsageCount != 4 || got[0].ReservedAt != "2024-05-06T09:00:00Z" {
		t.Fatalf("unexpected list %+v", got)
	}

	s.err = storage.ErrNotFound
	rec = httptest.NewRecorder()
	h.Disable(rec, tenantRequest(http.MethodPost, "/api/v1/admin/dids/disable", `{"number":"+9"}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
