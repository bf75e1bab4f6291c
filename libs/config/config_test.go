package config

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "90s")
	if got := Duration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	t.Setenv("TEST_DURATION", "45")
	if got := Duration("TEST_DURATION", time.Second); got != 45*time.Second {
		t.Fatalf("expected 45s, got %s", got)
	}
	t.Setenv("TEST_DURATION", "soon")
	if got := Duration("TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestIntAndBool(t *testing.T) {
	t.Setenv("TEST_INT", "-3")
	if got := Int("TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback for negative value, got %d", got)
	}
	t.Setenv("TEST_INT", "12")
	if got := Int("TEST_INT", 7); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	t.Setenv("TEST_BOOL", "yes")
	if !Bool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	if !Bool("TEST_BOOL_MISSING", true) {
		t.Fatal("expected fallback true")
	}
}

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "70000")
	if _, err := Port("TEST_PORT", "8080"); err == nil {
		t.Fatal("expected error for out of range port")
	}
}
