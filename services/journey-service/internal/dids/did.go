package dids

import (
	"errors"
	"path"
	"time"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusDisabled  Status = "disabled"
)

var (
	// ErrNotAvailable means no eligible DID is free right now; callers retry later.
	ErrNotAvailable = errors.New("no did available")
	ErrNotReserved  = errors.New("did is not reserved")
	ErrBadSelector  = errors.New("invalid segment pattern")
)

// DID is an outbound phone number owned by a tenant.
type DID struct {
	ID          string
	TenantID    string
	Number      string
	Segment     string
	Trunk       string
	Status      Status
	UsageCount  int64
	// Reservation identifies the current hold. Releases must name it, so a late release for
	// an earlier hold cannot free the DID from under its new holder.
	Reservation string
	ReservedAt  *time.Time
	CreatedAt   time.Time
}

// Selector narrows the pool a reservation draws from. Segment is an optional glob in
// path.Match syntax, e.g. "twilio-*"; empty matches every segment.
type Selector struct {
	Trunk   string
	Segment string
}

// Validate reports a malformed segment pattern.
func (s Selector) Validate() error {
	if s.Segment == "" {
		return nil
	}
	if _, err := path.Match(s.Segment, ""); err != nil {
		return ErrBadSelector
	}
	return nil
}

func (s Selector) matches(segment string) bool {
	if s.Segment == "" {
		return true
	}
	ok, err := path.Match(s.Segment, segment)
	return err == nil && ok
}

// fairer orders candidates: least used first, then oldest, then by id.
func fairer(a, b DID) int {
	switch {
	case a.UsageCount != b.UsageCount:
		if a.UsageCount < b.UsageCount {
			return -1
		}
		return 1
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.Compare(b.CreatedAt)
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}
