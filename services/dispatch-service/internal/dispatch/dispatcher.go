package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/libs/kafkax"
	"github.com/md-rashed-zaman/reachflow/libs/outbox"
	"github.com/md-rashed-zaman/reachflow/services/dispatch-service/internal/transport"
	"github.com/segmentio/kafka-go"
)

const (
	TopicMessageRequested = "journey.message.requested.v1"
	TopicCallRequested    = "journey.call.requested.v1"
	TopicMessageReported  = "dispatch.message.reported.v1"
	TopicCallReported     = "dispatch.call.reported.v1"
)

// Attempt is the local record of one hand-off to a carrier bridge.
type Attempt struct {
	RequestEventID string
	TenantID       string
	EnrollmentID   string
	ContactID      string
	Channel        string
	Recipient      string
	Provider       string
	ProviderRef    string
	Status         string
	Detail         string
}

// Recorder persists an attempt together with the report event for the journey service.
type Recorder interface {
	Record(ctx context.Context, a Attempt, report outbox.Event) error
}

type Dispatcher struct {
	sms        transport.MessageSender
	voice      transport.CallPlacer
	recorder   Recorder
	clock      clock.Clock
	logger     *slog.Logger
	failSuffix string
}

type Config struct {
	// FailSuffix makes recipients ending in it fail without reaching a carrier.
	FailSuffix string
}

func New(sms transport.MessageSender, voice transport.CallPlacer, recorder Recorder, clk clock.Clock, logger *slog.Logger, cfg Config) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &Dispatcher{
		sms:        sms,
		voice:      voice,
		recorder:   recorder,
		clock:      clk,
		logger:     logger,
		failSuffix: cfg.FailSuffix,
	}
}

type messageRequest struct {
	TenantID     string `json:"tenant_id"`
	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	To           string `json:"to"`
	Content      string `json:"content"`
}

type callRequest struct {
	TenantID     string `json:"tenant_id"`
	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	To           string `json:"to"`
	DIDID        string `json:"did_id"`
	Reservation  string `json:"reservation_id"`
	From         string `json:"from"`
	Trunk        string `json:"trunk"`
	Script       string `json:"script"`
}

// report is the payload of dispatch.*.reported.v1.
type report struct {
	TenantID     string `json:"tenant_id"`
	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	Status       string `json:"status"`
	ProviderRef  string `json:"provider_ref,omitempty"`
	DIDID        string `json:"did_id,omitempty"`
	Reservation  string `json:"reservation_id,omitempty"`
	Detail       string `json:"detail,omitempty"`
	ReportedAt   string `json:"reported_at"`
}

func (d *Dispatcher) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var req messageRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		d.logger.Error("invalid message request", "err", err)
		return nil
	}
	if req.TenantID == "" || req.EnrollmentID == "" || req.To == "" {
		d.logger.Error("missing message request fields", "enrollment_id", req.EnrollmentID)
		return nil
	}

	status, detail, ref := "sent", "", ""
	if d.simulatedFailure(req.To) {
		status, detail = "failed", "simulated failure"
	} else if id, err := d.sms.Send(ctx, transport.Message{To: req.To, Body: req.Content}); err != nil {
		status, detail = "failed", err.Error()
		d.logger.Error("sms send failed", "err", err, "enrollment_id", req.EnrollmentID)
	} else {
		ref = id
	}

	return d.record(ctx, msg, TopicMessageReported, Attempt{
		TenantID:     req.TenantID,
		EnrollmentID: req.EnrollmentID,
		ContactID:    req.ContactID,
		Channel:      "sms",
		Recipient:    req.To,
		Provider:     d.sms.ProviderID(),
		ProviderRef:  ref,
		Status:       status,
		Detail:       detail,
	}, heldDID{})
}

// HandleCall places the call and always reports back with the DID and its reservation so the
// journey service can return it to the pool, including on failure.
func (d *Dispatcher) HandleCall(ctx context.Context, msg kafka.Message) error {
	var req callRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		d.logger.Error("invalid call request", "err", err)
		return nil
	}
	if req.TenantID == "" || req.EnrollmentID == "" || req.DIDID == "" {
		d.logger.Error("missing call request fields", "enrollment_id", req.EnrollmentID)
		return nil
	}

	status, detail, ref := "", "", ""
	switch {
	case req.To == "" || req.From == "":
		status, detail = "failed", "missing caller or callee number"
	case d.simulatedFailure(req.To):
		status, detail = "failed", "simulated failure"
	default:
		res, err := d.voice.Place(ctx, transport.Call{To: req.To, From: req.From, Trunk: req.Trunk, Script: req.Script})
		if err != nil {
			status, detail = "failed", err.Error()
			d.logger.Error("call placement failed", "err", err, "enrollment_id", req.EnrollmentID, "did_id", req.DIDID)
		} else {
			status, ref = res.Status, res.Ref
		}
	}

	return d.record(ctx, msg, TopicCallReported, Attempt{
		TenantID:     req.TenantID,
		EnrollmentID: req.EnrollmentID,
		ContactID:    req.ContactID,
		Channel:      "voice",
		Recipient:    req.To,
		Provider:     d.voice.ProviderID(),
		ProviderRef:  ref,
		Status:       status,
		Detail:       detail,
	}, heldDID{ID: req.DIDID, Reservation: req.Reservation})
}

// heldDID is the reservation a call was placed under; it is echoed in the report.
type heldDID struct {
	ID          string
	Reservation string
}

func (d *Dispatcher) record(ctx context.Context, msg kafka.Message, topic string, a Attempt, did heldDID) error {
	a.RequestEventID = kafkax.ExtractEventMeta(msg).EventID
	evt, err := outbox.NewEvent("dispatch", a.EnrollmentID, topic, report{
		TenantID:     a.TenantID,
		EnrollmentID: a.EnrollmentID,
		ContactID:    a.ContactID,
		Status:       a.Status,
		ProviderRef:  a.ProviderRef,
		DIDID:        did.ID,
		Reservation:  did.Reservation,
		Detail:       a.Detail,
		ReportedAt:   d.clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if err := d.recorder.Record(ctx, a, evt); err != nil {
		return fmt.Errorf("record %s attempt: %w", a.Channel, err)
	}
	d.logger.Info("dispatch processed", "enrollment_id", a.EnrollmentID, "channel", a.Channel, "status", a.Status)
	return nil
}

func (d *Dispatcher) simulatedFailure(recipient string) bool {
	return d.failSuffix != "" && strings.HasSuffix(recipient, d.failSuffix)
}
