package journey

// Action is a side effect produced by a step. Actions are written to the outbox in the
// same transaction as the enrollment update and delivered asynchronously.
type Action interface {
	EventType() string
}

const (
	EventMessageRequested   = "journey.message.requested.v1"
	EventCallRequested      = "journey.call.requested.v1"
	EventEnrollmentFinished = "journey.enrollment.finished.v1"
)

type SendMessageAction struct {
	TenantID     string `json:"tenant_id"`
	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	To           string `json:"to"`
	Content      string `json:"content"`
	NodeID       NodeID `json:"node_id"`
	Day          int    `json:"day"`
}

type PlaceCallAction struct {
	TenantID     string `json:"tenant_id"`
	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	To           string `json:"to"`
	DIDID        string `json:"did_id"`
	Reservation  string `json:"reservation_id"`
	From         string `json:"from"`
	Trunk        string `json:"trunk"`
	Script       string `json:"script,omitempty"`
	NodeID       NodeID `json:"node_id"`
	Day          int    `json:"day"`
}

type EnrollmentFinishedAction struct {
	TenantID     string           `json:"tenant_id"`
	EnrollmentID string           `json:"enrollment_id"`
	JourneyID    string           `json:"journey_id"`
	ContactID    string           `json:"contact_id"`
	Status       EnrollmentStatus `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	Day          int              `json:"day"`
}

func (SendMessageAction) EventType() string        { return EventMessageRequested }
func (PlaceCallAction) EventType() string          { return EventCallRequested }
func (EnrollmentFinishedAction) EventType() string { return EventEnrollmentFinished }
