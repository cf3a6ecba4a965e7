package game

import (
	"fmt"
	"math"
	"time"
)

const (
	MarketOpensAt  = 6 * time.Hour
	MarketClosesAt = 22 * time.Hour
)

// Advance credits the whole in-game days elapsed between s.LastUpdateTime and now.
// It is a total function: it never fails and never mutates its input.
//
// The anchor moves forward only by the consumed interval, so the sub-day remainder
// keeps accruing toward the next tick. The current date is recomputed from the start
// date on every credited tick, which repairs any drift between the two.
//
// The returned day count is the number of days actually credited; when the end of the
// game is crossed it is reduced to the days left before the clamp.
func Advance(s Session, now time.Time) (Session, int) {
	if s.Status != StatusActive || s.TimeAcceleration <= 0 {
		return s, 0
	}
	elapsed := now.Sub(s.LastUpdateTime)
	if elapsed < 0 {
		elapsed = 0
	}
	perDay := dayLength(s)
	days := int64(elapsed / perDay)
	if days == 0 {
		return s, 0
	}

	total := DaysBetween(s.GameStartDate, s.GameEndDate)
	next := s
	next.LastUpdateTime = s.LastUpdateTime.Add(time.Duration(days) * perDay)
	if int64(s.DaysSurvived)+days >= int64(total) {
		credited := total - s.DaysSurvived
		if credited < 0 {
			credited = 0
		}
		next.DaysSurvived = total
		next.CurrentGameDate = DateOf(s.GameEndDate)
		next.Status = StatusEnded
		return next, credited
	}
	next.DaysSurvived = s.DaysSurvived + int(days)
	next.CurrentGameDate = AddDays(s.GameStartDate, next.DaysSurvived)
	return next, int(days)
}

// ExpectedDate is the authoritative current date derived from the start date.
func ExpectedDate(s Session) time.Time {
	return AddDays(s.GameStartDate, s.DaysSurvived)
}

// Audit reports the expected current date and whether the stored one drifted from it.
func Audit(s Session) (time.Time, bool) {
	expected := ExpectedDate(s)
	return expected, !DateOf(s.CurrentGameDate).Equal(expected)
}

// GameClock maps the fraction of the running in-game day onto business hours.
// Outside ACTIVE no in-game time passes and the clock reads opening time.
func GameClock(s Session, now time.Time) time.Duration {
	if s.Status != StatusActive || s.TimeAcceleration <= 0 {
		return MarketOpensAt
	}
	elapsed := now.Sub(s.LastUpdateTime)
	if elapsed < 0 {
		elapsed = 0
	}
	perDay := dayLength(s)
	frac := float64(elapsed%perDay) / float64(perDay)
	t := MarketOpensAt + time.Duration(frac*float64(MarketClosesAt-MarketOpensAt))
	if t >= MarketClosesAt {
		return MarketClosesAt
	}
	return t.Truncate(time.Second)
}

func IsMarketOpen(clock time.Duration) bool {
	return clock >= MarketOpensAt && clock < MarketClosesAt
}

func FormatClock(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	sec := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

// ValidateSession checks the persisted-state invariants a write must not break.
func ValidateSession(s Session) error {
	if err := ValidateAcceleration(s.TimeAcceleration); err != nil {
		return err
	}
	if s.DaysSurvived < 0 {
		return fmt.Errorf("%w: days survived must be >= 0", ErrInvariantViolation)
	}
	start, cur, end := DateOf(s.GameStartDate), DateOf(s.CurrentGameDate), DateOf(s.GameEndDate)
	if cur.Before(start) || cur.After(end) {
		return fmt.Errorf("%w: current date %s outside [%s, %s]",
			ErrInvariantViolation, FormatDate(cur), FormatDate(start), FormatDate(end))
	}
	return nil
}

func NewSnapshot(s Session, now time.Time, daysElapsed int) Snapshot {
	clock := GameClock(s, now)
	return Snapshot{
		ID:                     s.ID,
		PlayerID:               s.PlayerID,
		Status:                 s.Status,
		GameStartDate:          FormatDate(s.GameStartDate),
		CurrentGameDate:        FormatDate(s.CurrentGameDate),
		GameEndDate:            FormatDate(s.GameEndDate),
		DaysSurvived:           s.DaysSurvived,
		DaysRemaining:          daysRemaining(s),
		GameProgressPercentage: progress(s),
		TimeAcceleration:       s.TimeAcceleration,
		LastUpdateTime:         s.LastUpdateTime,
		SessionStartTime:       s.SessionStartTime,
		CurrentGameTime:        FormatClock(clock),
		IsMarketOpen:           IsMarketOpen(clock),
		TotalScore:             s.TotalScore,
		DaysElapsed:            daysElapsed,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

func dayLength(s Session) time.Duration {
	return time.Duration(s.TimeAcceleration) * time.Second
}

func daysRemaining(s Session) int {
	remaining := DaysBetween(s.CurrentGameDate, s.GameEndDate)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func progress(s Session) float64 {
	total := DaysBetween(s.GameStartDate, s.GameEndDate)
	if total <= 0 {
		return 0
	}
	pct := float64(DaysBetween(s.GameStartDate, s.CurrentGameDate)) / float64(total) * 100
	pct = math.Min(100, math.Max(0, pct))
	return math.Round(pct*100) / 100
}
