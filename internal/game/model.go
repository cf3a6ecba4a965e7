package game

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTimeAcceleration = 20    // seconds of wall-clock time per in-game day
	MinTimeAcceleration     = 1     // one second per day
	MaxTimeAcceleration     = 10080 // bound inherited from the legacy minutes-per-day column
	DefaultGameLengthDays   = 365
	MaxGameLengthDays       = 36500 // keeps day arithmetic inside time.Duration range

	DateLayout = "2006-01-02"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrAlreadyExists      = errors.New("session already exists")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvariantViolation = errors.New("session invariant violation")
	ErrConflict           = errors.New("concurrent session update conflict")
	ErrInvalidInput       = errors.New("invalid input")
)

type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusActive     Status = "ACTIVE"
	StatusPaused     Status = "PAUSED"
	StatusEnded      Status = "ENDED"
)

func ParseStatus(v string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(v))); s {
	case StatusNotStarted, StatusActive, StatusPaused, StatusEnded:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, v)
	}
}

func ValidateAcceleration(secondsPerDay int) error {
	if secondsPerDay < MinTimeAcceleration || secondsPerDay > MaxTimeAcceleration {
		return fmt.Errorf("%w: time acceleration must be between %d and %d seconds per day, got %d",
			ErrInvariantViolation, MinTimeAcceleration, MaxTimeAcceleration, secondsPerDay)
	}
	return nil
}

// Date returns the calendar date as a UTC midnight instant.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf drops the time of day, keeping the calendar date as seen in t's location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}

func AddDays(date time.Time, n int) time.Time {
	return DateOf(date).AddDate(0, 0, n)
}

// DaysBetween counts calendar days from one date to another (negative when to precedes from).
func DaysBetween(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)) / (24 * time.Hour))
}

func ParseDate(v string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD: %v", ErrInvalidInput, err)
	}
	return t, nil
}

func FormatDate(t time.Time) string {
	return DateOf(t).Format(DateLayout)
}
