package availability

import (
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/model"
)

// Generate resolves candidate slots, filters them against existing bookings and drops
// slots that start before now. The result is never nil.
func Generate(et model.EventType, rules []model.Availability, bookings []model.CalendarEvent, from, to clock.Date, now time.Time) ([]model.Slot, error) {
	candidates, err := ResolveSlots(et, rules, from, to)
	if err != nil {
		return nil, err
	}
	out := []model.Slot{}
	for s := range FilterAvailable(candidates, bookings, et.ID) {
		if s.Start.Before(now) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Offered reports whether rules offer a slot starting at start for the given assignee scope.
func Offered(et model.EventType, rules []model.Availability, start time.Time, assigneeID string) (model.Slot, bool, error) {
	loc, err := et.Location()
	if err != nil {
		return model.Slot{}, false, err
	}
	day := clock.DateIn(start, loc)
	candidates, err := ResolveSlots(et, rules, day, day)
	if err != nil {
		return model.Slot{}, false, err
	}
	for s := range candidates {
		if s.AssigneeID == assigneeID && s.Start.Equal(start) {
			return s, true, nil
		}
	}
	return model.Slot{}, false, nil
}

// Window returns the instant range covering the civil dates [from, to] in loc.
func Window(from, to clock.Date, loc *time.Location) (time.Time, time.Time) {
	return from.Midnight(loc), to.AddDays(1).Midnight(loc)
}
