package game

import (
	"errors"
	"testing"
	"time"
)

func TestValidateAcceleration(t *testing.T) {
	for _, v := range []int{1, 3, 20, 1440, 10080} {
		if err := ValidateAcceleration(v); err != nil {
			t.Fatalf("expected acceleration %d to be valid: %v", v, err)
		}
	}
	for _, v := range []int{-1, 0, 10081} {
		if err := ValidateAcceleration(v); !errors.Is(err, ErrInvariantViolation) {
			t.Fatalf("expected acceleration %d to fail with ErrInvariantViolation, got %v", v, err)
		}
	}
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus(" active ")
	if err != nil || got != StatusActive {
		t.Fatalf("got %q err=%v", got, err)
	}
	if _, err := ParseStatus("RUNNING"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDateHelpers(t *testing.T) {
	start := Date(2025, time.January, 1)
	if got := FormatDate(AddDays(start, 365)); got != "2026-01-01" {
		t.Fatalf("AddDays = %s", got)
	}
	if got := DaysBetween(start, Date(2025, time.March, 1)); got != 59 {
		t.Fatalf("DaysBetween = %d, want 59", got)
	}
	if got := DaysBetween(Date(2025, time.March, 1), start); got != -59 {
		t.Fatalf("reverse DaysBetween = %d, want -59", got)
	}

	late := time.Date(2025, 3, 1, 23, 59, 59, 0, time.UTC)
	if !DateOf(late).Equal(Date(2025, time.March, 1)) {
		t.Fatalf("DateOf kept time of day: %s", DateOf(late))
	}

	parsed, err := ParseDate("2025-03-31")
	if err != nil || !parsed.Equal(Date(2025, time.March, 31)) {
		t.Fatalf("ParseDate = %s err=%v", parsed, err)
	}
	if _, err := ParseDate("31/03/2025"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
