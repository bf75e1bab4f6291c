package availability

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/clock"
	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/model"
)

// ResolveSlots lazily yields candidate slots for every active rule over the inclusive date
// range [from, to]. Slots come out in rule order, then chronologically; overlapping rules
// yield duplicates because each one is a separate offer.
//
// Dates and weekdays are evaluated in the event type's timezone.
func ResolveSlots(et model.EventType, rules []model.Availability, from, to clock.Date) (iter.Seq[model.Slot], error) {
	if et.DurationMinutes <= 0 {
		return nil, errors.New("event type duration must be positive")
	}
	loc, err := et.Location()
	if err != nil {
		return nil, fmt.Errorf("event type timezone: %w", err)
	}
	duration := et.Duration()

	return func(yield func(model.Slot) bool) {
		for _, rule := range rules {
			if !rule.Active {
				continue
			}
			first, last, ok := clampRange(rule, from, to)
			if !ok {
				continue
			}
			for d := first; !d.After(last); d = d.AddDays(1) {
				if rule.IsBlocked(d) {
					continue
				}
				window, ok := rule.Weekly.For(d.Weekday())
				if !ok {
					continue
				}
				if !partition(d, window, loc, duration, rule.AssigneeID, yield) {
					return
				}
			}
		}
	}, nil
}

// clampRange intersects [from, to] with the rule's own validity window.
func clampRange(rule model.Availability, from, to clock.Date) (clock.Date, clock.Date, bool) {
	first, last := from, to
	if rule.StartDate != nil && rule.StartDate.After(first) {
		first = *rule.StartDate
	}
	if rule.EndDate != nil && rule.EndDate.Before(last) {
		last = *rule.EndDate
	}
	return first, last, !first.After(last)
}

// partition cuts the window on date d into whole slots of length duration; a trailing
// remainder shorter than duration is dropped. It returns false when the consumer stopped.
func partition(d clock.Date, window model.DayWindow, loc *time.Location, duration time.Duration, assigneeID string, yield func(model.Slot) bool) bool {
	start := window.Start.On(d, loc)
	end := window.End.On(d, loc)
	for t := start; !t.Add(duration).After(end); t = t.Add(duration) {
		if !yield(model.Slot{Start: t, End: t.Add(duration), AssigneeID: assigneeID}) {
			return false
		}
	}
	return true
}
