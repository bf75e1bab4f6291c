package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
)

type EventType struct {
	ID              string
	TenantID        string
	Name            string
	DurationMinutes int
	Timezone        string
}

func (et EventType) Duration() time.Duration {
	return time.Duration(et.DurationMinutes) * time.Minute
}

// Location resolves the configured IANA zone; an empty zone means UTC.
func (et EventType) Location() (*time.Location, error) {
	if strings.TrimSpace(et.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(et.Timezone)
}

func (et EventType) Validate() error {
	if strings.TrimSpace(et.TenantID) == "" {
		return errors.New("tenant_id is required")
	}
	if et.DurationMinutes <= 0 || et.DurationMinutes > 24*60 {
		return fmt.Errorf("duration_minutes must be between 1 and 1440 (got %d)", et.DurationMinutes)
	}
	if _, err := et.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q", et.Timezone)
	}
	return nil
}

// DayWindow is the enabled interval for one weekday.
type DayWindow struct {
	Enabled bool
	Start   clock.TimeOfDay
	End     clock.TimeOfDay
}

// WeeklySchedule is indexed by time.Weekday; a nil entry means no availability that day.
type WeeklySchedule [7]*DayWindow

func (w WeeklySchedule) For(day time.Weekday) (DayWindow, bool) {
	entry := w[day]
	if entry == nil || !entry.Enabled {
		return DayWindow{}, false
	}
	return *entry, true
}

type Availability struct {
	ID          string
	EventTypeID string
	// AssigneeID is empty for a rule that offers the event type without a specific assignee.
	AssigneeID string
	Weekly     WeeklySchedule
	StartDate  *clock.Date
	EndDate    *clock.Date
	Blocked    map[clock.Date]struct{}
	Active     bool
}

func (a Availability) IsBlocked(d clock.Date) bool {
	_, ok := a.Blocked[d]
	return ok
}

func (a Availability) Validate() error {
	if strings.TrimSpace(a.EventTypeID) == "" {
		return errors.New("event_type_id is required")
	}
	if a.StartDate != nil && a.EndDate != nil && a.StartDate.After(*a.EndDate) {
		return fmt.Errorf("start_date %s is after end_date %s", a.StartDate, a.EndDate)
	}
	for day, entry := range a.Weekly {
		if entry == nil || !entry.Enabled {
			continue
		}
		if !entry.Start.Valid() || !entry.End.Valid() || entry.End <= entry.Start {
			return fmt.Errorf("%s: start_time must be before end_time", time.Weekday(day))
		}
	}
	return nil
}

type BookingStatus string

const (
	StatusScheduled BookingStatus = "scheduled"
	StatusCancelled BookingStatus = "cancelled"
	StatusCompleted BookingStatus = "completed"
)

// CalendarEvent is a confirmed booking. Cancellation is a status change; rows are never deleted.
type CalendarEvent struct {
	ID           string
	TenantID     string
	EventTypeID  string
	AssigneeID   string
	ContactName  string
	ContactPhone string
	Start        time.Time
	End          time.Time
	Status       BookingStatus
	CancelledAt  *time.Time
	CreatedAt    time.Time
}

// Slot is a computed candidate window and is never persisted.
type Slot struct {
	Start      time.Time
	End        time.Time
	AssigneeID string
}

func (s Slot) Unassigned() bool { return s.AssigneeID == "" }
