package availability

import (
	"iter"
	"time"

	"github.com/md-rashed-zaman/reachflow/services/booking-service/internal/model"
)

// FilterAvailable drops slots that overlap a scheduled booking holding the same resource:
// the same assignee for assigned slots, or the same event type for unassigned ones.
func FilterAvailable(slots iter.Seq[model.Slot], bookings []model.CalendarEvent, eventTypeID string) iter.Seq[model.Slot] {
	return func(yield func(model.Slot) bool) {
		for s := range slots {
			if Blocked(s, bookings, eventTypeID) {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Blocked reports whether any booking in bookings makes s unavailable.
func Blocked(s model.Slot, bookings []model.CalendarEvent, eventTypeID string) bool {
	for _, b := range bookings {
		if b.Status != model.StatusScheduled {
			continue
		}
		if s.Unassigned() {
			if b.EventTypeID != eventTypeID {
				continue
			}
		} else if b.AssigneeID != s.AssigneeID {
			continue
		}
		if overlaps(s.Start, s.End, b.Start, b.End) {
			return true
		}
	}
	return false
}

// Half-open intervals: [aStart,aEnd) overlaps [bStart,bEnd) iff aStart < bEnd && bStart < aEnd.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
