package journey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/dids"
)

// Allocator reserves outbound numbers for call nodes.
type Allocator interface {
	Reserve(ctx context.Context, tenantID string, sel dids.Selector) (dids.DID, error)
}

// StepResult is the outcome of one step: the enrollment to persist, the actions to emit
// and the history record.
type StepResult struct {
	Enrollment Enrollment
	Actions    []Action
	Record     StepRecord
}

type Executor struct {
	allocator Allocator
	retry     RetryPolicy
	logger    *slog.Logger
}

func NewExecutor(allocator Allocator, retry RetryPolicy, logger *slog.Logger) *Executor {
	return &Executor{allocator: allocator, retry: retry, logger: logger}
}

// Step executes the enrollment's current node once. Removal criteria are checked first on
// every step. The returned error is reserved for infrastructure failures; the caller
// should not persist anything and retry later. A broken definition is not an error: the
// enrollment comes back removed with the reason.
func (x *Executor) Step(ctx context.Context, j Journey, e Enrollment, c Contact, now time.Time) (StepResult, error) {
	if e.Status != EnrollmentActive {
		return StepResult{}, fmt.Errorf("enrollment %s is %s", e.ID, e.Status)
	}
	e.UpdatedAt = now

	if crit, ok := MatchAny(j.RemovalCriteria, c, e); ok {
		reason := fmt.Sprintf("removal criteria matched: %s %s %s", crit.Field, crit.Op, crit.Value)
		return finish(j, e, EnrollmentRemoved, reason, StepRecord{
			NodeID:   e.CurrentNode,
			Kind:     j.Nodes[e.CurrentNode].Kind(),
			DayLabel: j.Nodes[e.CurrentNode].Day,
			Outcome:  OutcomeRemoved,
			Detail:   reason,
			At:       now,
		}), nil
	}

	node, ok := j.Nodes[e.CurrentNode]
	if !ok {
		return x.invalid(j, e, &ConfigError{Node: e.CurrentNode, Reason: "node does not exist"}, now), nil
	}
	if cerr := checkConfig(node.Config); cerr != nil {
		cerr.Node = node.ID
		return x.invalid(j, e, cerr, now), nil
	}

	rec := StepRecord{EnrollmentID: e.ID, NodeID: node.ID, Kind: node.Kind(), DayLabel: node.Day, At: now}

	switch cfg := node.Config.(type) {
	case SendMessage:
		content, err := render(cfg.Template, c, e)
		if err != nil {
			return x.invalid(j, e, &ConfigError{Node: node.ID, Reason: fmt.Sprintf("template: %v", err)}, now), nil
		}
		rec.Outcome = OutcomeMessageSent
		action := SendMessageAction{
			TenantID:     e.TenantID,
			EnrollmentID: e.ID,
			ContactID:    c.ID,
			To:           c.Phone,
			Content:      content,
			NodeID:       node.ID,
			Day:          e.Day,
		}
		return x.advance(j, e, cfg.Next, now, rec, action), nil

	case MakeCall:
		d, err := x.allocator.Reserve(ctx, e.TenantID, dids.Selector{Trunk: cfg.Trunk, Segment: cfg.Segment})
		if errors.Is(err, dids.ErrNotAvailable) {
			e.Attempts++
			due := now.Add(x.retry.Delay(e.Attempts))
			e.DueAt = &due
			if x.retry.shouldAlert(e.Attempts) {
				x.logger.Warn("did pool exhausted; call still deferred",
					"enrollment_id", e.ID, "tenant_id", e.TenantID, "trunk", cfg.Trunk, "attempts", e.Attempts)
			}
			rec.Outcome = OutcomeCallDeferred
			rec.Detail = fmt.Sprintf("attempt %d, retry at %s", e.Attempts, due.UTC().Format(time.RFC3339))
			return StepResult{Enrollment: e, Record: rec}, nil
		}
		if errors.Is(err, dids.ErrBadSelector) {
			return x.invalid(j, e, &ConfigError{Node: node.ID, Reason: err.Error()}, now), nil
		}
		if err != nil {
			return StepResult{}, fmt.Errorf("reserve did: %w", err)
		}
		e.Attempts = 0
		rec.Outcome = OutcomeCallPlaced
		rec.Detail = d.Number
		action := PlaceCallAction{
			TenantID:     e.TenantID,
			EnrollmentID: e.ID,
			ContactID:    c.ID,
			To:           c.Phone,
			DIDID:        d.ID,
			Reservation:  d.Reservation,
			From:         d.Number,
			Trunk:        d.Trunk,
			Script:       cfg.Script,
			NodeID:       node.ID,
			Day:          e.Day,
		}
		return x.advance(j, e, cfg.Next, now, rec, action), nil

	case TimeDelay:
		loc, err := j.Location()
		if err != nil {
			return x.invalid(j, e, &ConfigError{Node: node.ID, Reason: "journey timezone: " + err.Error()}, now), nil
		}
		due := now.Add(cfg.Duration)
		e.Day += clock.DayBoundariesCrossed(now, due, loc)
		rec.Outcome = OutcomeDelayed
		rec.Detail = "until " + due.UTC().Format(time.RFC3339)
		res := x.advance(j, e, cfg.Next, now, rec)
		if res.Enrollment.Status == EnrollmentActive {
			res.Enrollment.DueAt = &due
		}
		return res, nil

	case Branch:
		next := cfg.Default
		for _, r := range cfg.Rules {
			if MatchAll(r.When, c, e) {
				next = r.Next
				break
			}
		}
		rec.Outcome = OutcomeBranched
		rec.Detail = "to " + string(next)
		return x.advance(j, e, next, now, rec), nil

	case Exit:
		rec.Outcome = OutcomeExited
		return finish(j, e, EnrollmentCompleted, "", rec), nil
	}

	return x.invalid(j, e, &ConfigError{Node: node.ID, Reason: "unsupported node"}, now), nil
}

// advance moves to next with DueAt = now. An empty next means the graph is exhausted and the
// enrollment completes.
func (x *Executor) advance(j Journey, e Enrollment, next NodeID, now time.Time, rec StepRecord, actions ...Action) StepResult {
	if next == "" {
		res := finish(j, e, EnrollmentCompleted, "graph exhausted", rec)
		res.Actions = append(actions, res.Actions...)
		return res
	}
	e.CurrentNode = next
	e.DueAt = &now
	return StepResult{Enrollment: e, Actions: actions, Record: rec}
}

// Removal ends the enrollment as removed without executing its current node.
func Removal(j Journey, e Enrollment, reason string, now time.Time) StepResult {
	e.UpdatedAt = now
	node := j.Nodes[e.CurrentNode]
	return finish(j, e, EnrollmentRemoved, reason, StepRecord{
		NodeID:   e.CurrentNode,
		Kind:     node.Kind(),
		DayLabel: node.Day,
		Outcome:  OutcomeRemoved,
		Detail:   reason,
		At:       now,
	})
}

func finish(j Journey, e Enrollment, status EnrollmentStatus, reason string, rec StepRecord) StepResult {
	e.Status = status
	e.Reason = reason
	e.DueAt = nil
	rec.EnrollmentID = e.ID
	return StepResult{
		Enrollment: e,
		Actions: []Action{EnrollmentFinishedAction{
			TenantID:     e.TenantID,
			EnrollmentID: e.ID,
			JourneyID:    j.ID,
			ContactID:    e.ContactID,
			Status:       status,
			Reason:       reason,
			Day:          e.Day,
		}},
		Record: rec,
	}
}

func (x *Executor) invalid(j Journey, e Enrollment, cerr *ConfigError, now time.Time) StepResult {
	x.logger.Error("journey node config invalid; removing enrollment",
		"enrollment_id", e.ID, "journey_id", j.ID, "node_id", cerr.Node, "reason", cerr.Reason)
	rec := StepRecord{
		NodeID:   e.CurrentNode,
		Kind:     j.Nodes[e.CurrentNode].Kind(),
		DayLabel: j.Nodes[e.CurrentNode].Day,
		Outcome:  OutcomeConfigInvalid,
		Detail:   cerr.Error(),
		At:       now,
	}
	return finish(j, e, EnrollmentRemoved, cerr.Error(), rec)
}

// templateData is what message templates see: {{.Attr.first_name}}, {{.Phone}}, {{.Day}}.
type templateData struct {
	Attr  map[string]string
	Phone string
	Day   int
}

func render(text string, c Contact, e Enrollment) (string, error) {
	tmpl, err := parseTemplate(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData{Attr: c.Attributes, Phone: c.Phone, Day: e.Day}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
