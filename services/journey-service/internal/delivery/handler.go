package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

const (
	TopicMessageReported = "dispatch.message.reported.v1"
	TopicCallReported    = "dispatch.call.reported.v1"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// Event is one delivery outcome for a contact. Outcomes are recorded for reporting; they
// never move an enrollment.
type Event struct {
	EventID      string
	TenantID     string
	EnrollmentID string
	ContactID    string
	Channel      Channel
	Status       string
	ProviderRef  string
	DIDID        string
	Detail       string
	ReportedAt   time.Time
}

type Recorder interface {
	RecordDelivery(ctx context.Context, ev Event) error
}

// Releaser returns the DID used for a finished call to the pool.
type Releaser interface {
	ReleaseQuietly(ctx context.Context, didID, reservation string) error
}

type Handler struct {
	recorder Recorder
	releaser Releaser
	logger   *slog.Logger
}

func NewHandler(recorder Recorder, releaser Releaser, logger *slog.Logger) *Handler {
	return &Handler{recorder: recorder, releaser: releaser, logger: logger}
}

type report struct {
	TenantID     string `json:"tenant_id"`
	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	Status       string `json:"status"`
	ProviderRef  string `json:"provider_ref"`
	DIDID        string `json:"did_id"`
	Reservation  string `json:"reservation_id"`
	Detail       string `json:"detail"`
	ReportedAt   string `json:"reported_at"`
}

// Handle consumes one report message. Malformed reports are logged and dropped; store errors
// are returned.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	var channel Channel
	switch msg.Topic {
	case TopicMessageReported:
		channel = ChannelSMS
	case TopicCallReported:
		channel = ChannelVoice
	default:
		h.logger.Warn("unexpected delivery topic", "topic", msg.Topic)
		return nil
	}

	var payload report
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		h.logger.Error("invalid delivery report", "err", err)
		return nil
	}
	if payload.TenantID == "" || payload.EnrollmentID == "" || payload.Status == "" {
		h.logger.Error("missing delivery report fields", "enrollment_id", payload.EnrollmentID)
		return nil
	}
	reportedAt := time.Now().UTC()
	if payload.ReportedAt != "" {
		t, err := time.Parse(time.RFC3339, payload.ReportedAt)
		if err != nil {
			h.logger.Error("invalid reported_at", "err", err)
			return nil
		}
		reportedAt = t
	}

	switch {
	case channel != ChannelVoice || payload.DIDID == "":
	case payload.Reservation == "":
		h.logger.Warn("call report without reservation; did left to the sweeper", "did_id", payload.DIDID)
	default:
		if err := h.releaser.ReleaseQuietly(ctx, payload.DIDID, payload.Reservation); err != nil {
			return fmt.Errorf("release did %s: %w", payload.DIDID, err)
		}
	}

	ev := Event{
		EventID:      kafkax.ExtractEventMeta(msg).EventID,
		TenantID:     payload.TenantID,
		EnrollmentID: payload.EnrollmentID,
		ContactID:    payload.ContactID,
		Channel:      channel,
		Status:       strings.ToLower(payload.Status),
		ProviderRef:  payload.ProviderRef,
		DIDID:        payload.DIDID,
		Detail:       payload.Detail,
		ReportedAt:   reportedAt,
	}
	if err := h.recorder.RecordDelivery(ctx, ev); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	h.logger.Debug("delivery recorded", "enrollment_id", ev.EnrollmentID, "channel", ev.Channel, "status", ev.Status)
	return nil
}
