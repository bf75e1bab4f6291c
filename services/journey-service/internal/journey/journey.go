package journey

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type JourneyStatus string

const (
	JourneyActive    JourneyStatus = "active"
	JourneyCancelled JourneyStatus = "cancelled"
)

// Journey is a tenant's workflow definition. It is read-only while enrollments execute.
type Journey struct {
	ID              string
	TenantID        string
	Name            string
	Status          JourneyStatus
	Timezone        string
	Entry           NodeID
	Nodes           map[NodeID]Node
	RemovalCriteria []Condition
	UpdatedAt       time.Time
}

// Location resolves the journey timezone; an empty zone means UTC.
func (j Journey) Location() (*time.Location, error) {
	if strings.TrimSpace(j.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(j.Timezone)
}

type journeyJSON struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          JourneyStatus `json:"status,omitempty"`
	Timezone        string        `json:"timezone,omitempty"`
	Entry           NodeID        `json:"entry"`
	Nodes           []Node        `json:"nodes"`
	RemovalCriteria []Condition   `json:"removal_criteria,omitempty"`
}

// MarshalJSON writes nodes as a list; node order follows the map and is not significant.
func (j Journey) MarshalJSON() ([]byte, error) {
	nodes := make([]Node, 0, len(j.Nodes))
	for _, n := range j.Nodes {
		nodes = append(nodes, n)
	}
	return json.Marshal(journeyJSON{
		ID:              j.ID,
		Name:            j.Name,
		Status:          j.Status,
		Timezone:        j.Timezone,
		Entry:           j.Entry,
		Nodes:           nodes,
		RemovalCriteria: j.RemovalCriteria,
	})
}

// UnmarshalJSON rejects duplicated node ids.
func (j *Journey) UnmarshalJSON(b []byte) error {
	var raw journeyJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := Journey{
		ID:              raw.ID,
		Name:            raw.Name,
		Status:          raw.Status,
		Timezone:        raw.Timezone,
		Entry:           raw.Entry,
		Nodes:           make(map[NodeID]Node, len(raw.Nodes)),
		RemovalCriteria: raw.RemovalCriteria,
	}
	for _, n := range raw.Nodes {
		if _, dup := out.Nodes[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		out.Nodes[n.ID] = n
	}
	*j = out
	return nil
}

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentRemoved   EnrollmentStatus = "removed"
)

// Enrollment is one contact's live position in a journey. A nil DueAt means ready now.
// Version increases with every committed step and guards conditional updates.
type Enrollment struct {
	ID          string
	TenantID    string
	JourneyID   string
	ContactID   string
	CurrentNode NodeID
	DueAt       *time.Time
	Status      EnrollmentStatus
	Day         int
	Attempts    int
	Reason      string
	Version     int64
	EnrolledAt  time.Time
	UpdatedAt   time.Time
}

// Ready reports whether the enrollment has work at now.
func (e Enrollment) Ready(now time.Time) bool {
	return e.Status == EnrollmentActive && (e.DueAt == nil || !e.DueAt.After(now))
}

// Contact is the read-only view of the person being contacted.
type Contact struct {
	ID         string
	TenantID   string
	Phone      string
	Attributes map[string]string
}

// StepRecord is the history row written for every executed step.
type StepRecord struct {
	EnrollmentID string
	NodeID       NodeID
	Kind         Kind
	DayLabel     int
	Outcome      Outcome
	Detail       string
	At           time.Time
}

type Outcome string

const (
	OutcomeMessageSent   Outcome = "message_sent"
	OutcomeCallPlaced    Outcome = "call_placed"
	OutcomeCallDeferred  Outcome = "call_deferred"
	OutcomeDelayed       Outcome = "delayed"
	OutcomeBranched      Outcome = "branched"
	OutcomeExited        Outcome = "exited"
	OutcomeGraphFinished Outcome = "graph_finished"
	OutcomeRemoved       Outcome = "removed"
	OutcomeConfigInvalid Outcome = "config_invalid"
)
