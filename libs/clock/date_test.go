package clock

import (
	"testing"
	"time"
)

func TestDateWeekdayIgnoresOffset(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2026-02-01 23:30 UTC is already Monday 2026-02-02 in Tokyo.
	instant := time.Date(2026, 2, 1, 23, 30, 0, 0, time.UTC)
	d := DateIn(instant, tokyo)
	if d != NewDate(2026, 2, 2) {
		t.Fatalf("expected 2026-02-02, got %s", d)
	}
	if d.Weekday() != time.Monday {
		t.Fatalf("expected Monday, got %s", d.Weekday())
	}
}

func TestDateArithmetic(t *testing.T) {
	d := NewDate(2026, 12, 30)
	if got := d.AddDays(3); got != NewDate(2027, 1, 2) {
		t.Fatalf("expected 2027-01-02, got %s", got)
	}
	if n := d.DaysUntil(NewDate(2027, 1, 2)); n != 3 {
		t.Fatalf("expected 3 days, got %d", n)
	}
	if !d.Before(d.AddDays(1)) || d.After(d) {
		t.Fatal("unexpected ordering")
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-03-09")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.String() != "2026-03-09" {
		t.Fatalf("unexpected round trip %s", d)
	}
	if _, err := ParseDate("03/09/2026"); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestDayBoundariesCrossed(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if n := DayBoundariesCrossed(start, start.Add(48*time.Hour), time.UTC); n != 2 {
		t.Fatalf("expected 2 boundaries, got %d", n)
	}
	if n := DayBoundariesCrossed(start, start.Add(6*time.Hour), time.UTC); n != 0 {
		t.Fatalf("expected 0 boundaries, got %d", n)
	}
	if n := DayBoundariesCrossed(start, start.Add(14*time.Hour+1), time.UTC); n != 1 {
		t.Fatalf("expected 1 boundary, got %d", n)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("09:30")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tod.Hour() != 9 || tod.Minute() != 30 {
		t.Fatalf("unexpected %s", tod)
	}
	end, err := ParseTimeOfDay("24:00")
	if err != nil || end != TimeOfDay(1440) {
		t.Fatalf("expected end of day, got %v %v", end, err)
	}
	if _, err := ParseTimeOfDay("9am"); err == nil {
		t.Fatal("expected error")
	}
}

func TestManualClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)
	if got := c.Advance(90 * time.Minute); !got.Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("unexpected time %s", got)
	}
	if !c.Now().Equal(start.Add(90 * time.Minute)) {
		t.Fatal("Now did not observe Advance")
	}
}
