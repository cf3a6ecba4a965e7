package game

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Reconciler holds the offline repair operations behind the admin tooling. None of
// them advance time; advancement stays with Service.Observe.
type Reconciler struct {
	store Store
	log   *slog.Logger
	options
}

func NewReconciler(store Store, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		log:     logger,
		options: buildOptions(opts),
	}
}

func NewAuditReport(s Session) AuditReport {
	expected, drift := Audit(s)
	return AuditReport{
		SessionID:       s.ID,
		PlayerID:        s.PlayerID,
		Status:          s.Status,
		GameStartDate:   FormatDate(s.GameStartDate),
		CurrentGameDate: FormatDate(s.CurrentGameDate),
		GameEndDate:     FormatDate(s.GameEndDate),
		DaysSurvived:    s.DaysSurvived,
		LastUpdateTime:  s.LastUpdateTime,
		ExpectedDate:    FormatDate(expected),
		Drift:           drift,
	}
}

func (r *Reconciler) AuditAll(ctx context.Context) ([]AuditReport, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]AuditReport, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, NewAuditReport(s))
	}
	return out, nil
}

// Repair rewrites a drifted current date from start+days and restamps the session's
// sales in the same transaction. A session without drift is left untouched.
func (r *Reconciler) Repair(ctx context.Context, sessionID int64) (RepairResult, error) {
	var out RepairResult
	err := r.withTx(ctx, func(tx Tx) error {
		cur, err := tx.LockSessionByID(ctx, sessionID)
		if err != nil {
			return err
		}
		expected, drift := Audit(cur)
		out = RepairResult{
			SessionID:    cur.ID,
			PlayerID:     cur.PlayerID,
			Before:       FormatDate(cur.CurrentGameDate),
			After:        FormatDate(cur.CurrentGameDate),
			DaysSurvived: cur.DaysSurvived,
		}
		if !drift {
			return nil
		}
		next := cur
		next.CurrentGameDate = expected
		next.UpdatedAt = r.clock.Now()
		if err := ValidateSession(next); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, next); err != nil {
			return err
		}
		n, err := tx.UpdateSalesDate(ctx, cur.ID, expected)
		if err != nil {
			return err
		}
		out.After = FormatDate(expected)
		out.Changed = true
		out.SalesUpdated = n
		return nil
	})
	if err != nil {
		return RepairResult{}, fmt.Errorf("repair session %d: %w", sessionID, err)
	}
	if out.Changed {
		r.metrics.Repair("drift", 1)
		r.log.Info("session drift repaired",
			"session_id", out.SessionID,
			"before", out.Before,
			"after", out.After,
			"sales_updated", out.SalesUpdated,
		)
	}
	return out, nil
}

// RepairAll repairs every drifted session one at a time. It stops between sessions
// when ctx is cancelled and returns what was repaired so far.
func (r *Reconciler) RepairAll(ctx context.Context) ([]RepairResult, error) {
	reports, err := r.AuditAll(ctx)
	if err != nil {
		return nil, err
	}
	out := []RepairResult{}
	for _, rep := range reports {
		if !rep.Drift {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := r.Repair(ctx, rep.SessionID)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// ForceDate moves a session to date, deriving days survived from it, and restamps its
// sales. An ACTIVE session may only move forward; forcing it to the end date ends it.
// ENDED sessions stay at their end date.
func (r *Reconciler) ForceDate(ctx context.Context, sessionID int64, date time.Time) (RepairResult, error) {
	date = DateOf(date)
	var out RepairResult
	err := r.withTx(ctx, func(tx Tx) error {
		cur, err := tx.LockSessionByID(ctx, sessionID)
		if err != nil {
			return err
		}
		start, end := DateOf(cur.GameStartDate), DateOf(cur.GameEndDate)
		if date.Before(start) || date.After(end) {
			return fmt.Errorf("%w: date %s outside [%s, %s]",
				ErrInvariantViolation, FormatDate(date), FormatDate(start), FormatDate(end))
		}
		if cur.Status == StatusEnded && !date.Equal(end) {
			return fmt.Errorf("%w: session %d has ENDED; reset it to replay", ErrInvalidTransition, cur.ID)
		}
		days := DaysBetween(start, date)
		if cur.Status == StatusActive && days < cur.DaysSurvived {
			return fmt.Errorf("%w: cannot move an ACTIVE session back from day %d to %d; pause it first",
				ErrInvariantViolation, cur.DaysSurvived, days)
		}

		next := cur
		next.CurrentGameDate = date
		next.DaysSurvived = days
		if cur.Status == StatusActive && date.Equal(end) {
			next.Status = StatusEnded
		}
		next.UpdatedAt = r.clock.Now()
		if err := ValidateSession(next); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, next); err != nil {
			return err
		}
		n, err := tx.UpdateSalesDate(ctx, cur.ID, date)
		if err != nil {
			return err
		}
		out = RepairResult{
			SessionID:    cur.ID,
			PlayerID:     cur.PlayerID,
			Before:       FormatDate(cur.CurrentGameDate),
			After:        FormatDate(date),
			DaysSurvived: days,
			Changed:      true,
			SalesUpdated: n,
		}
		return nil
	})
	if err != nil {
		return RepairResult{}, fmt.Errorf("force date on session %d: %w", sessionID, err)
	}
	r.metrics.Repair("force_date", 1)
	r.log.Info("session date forced",
		"session_id", out.SessionID,
		"before", out.Before,
		"after", out.After,
		"sales_updated", out.SalesUpdated,
	)
	return out, nil
}

// RetuneAcceleration rewrites time_acceleration on every session, or only on sessions
// currently at *from. Anchors are not touched, so the next observation measures the
// pending interval against the new factor.
func (r *Reconciler) RetuneAcceleration(ctx context.Context, to int, from *int) (int64, error) {
	if err := ValidateAcceleration(to); err != nil {
		return 0, err
	}
	n, err := r.store.UpdateAcceleration(ctx, to, from)
	if err != nil {
		return 0, fmt.Errorf("retune acceleration: %w", err)
	}
	attrs := []any{"to", to, "sessions", n}
	if from != nil {
		attrs = append(attrs, "from", *from)
	}
	r.log.Info("time acceleration retuned", attrs...)
	r.metrics.Repair("acceleration", n)
	return n, nil
}

func (r *Reconciler) BulkUpdateSalesDate(ctx context.Context, sessionID int64, date time.Time) (int64, error) {
	var n int64
	err := r.withTx(ctx, func(tx Tx) error {
		if _, err := tx.LockSessionByID(ctx, sessionID); err != nil {
			return err
		}
		var err error
		n, err = tx.UpdateSalesDate(ctx, sessionID, DateOf(date))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("update sales date for session %d: %w", sessionID, err)
	}
	r.metrics.Repair("sales_date", n)
	return n, nil
}

// RestampAllSales rewrites every session's sales to that session's current date.
// Sessions are processed concurrently; the first failure cancels the rest.
func (r *Reconciler) RestampAllSales(ctx context.Context) ([]RepairResult, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var mu sync.Mutex
	out := make([]RepairResult, 0, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, s := range sessions {
		g.Go(func() error {
			var res RepairResult
			err := r.withTx(gctx, func(tx Tx) error {
				cur, err := tx.LockSessionByID(gctx, s.ID)
				if err != nil {
					return err
				}
				n, err := tx.UpdateSalesDate(gctx, cur.ID, cur.CurrentGameDate)
				if err != nil {
					return err
				}
				date := FormatDate(cur.CurrentGameDate)
				res = RepairResult{
					SessionID:    cur.ID,
					PlayerID:     cur.PlayerID,
					Before:       date,
					After:        date,
					DaysSurvived: cur.DaysSurvived,
					Changed:      n > 0,
					SalesUpdated: n,
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("restamp sales for session %d: %w", s.ID, err)
			}
			mu.Lock()
			out = append(out, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })

	var total int64
	for _, res := range out {
		total += res.SalesUpdated
	}
	r.metrics.Repair("sales_date", total)
	r.log.Info("sales restamped", "sessions", len(out), "sales_updated", total)
	return out, nil
}

// ResetActiveStatus moves every ACTIVE session back to NOT_STARTED.
func (r *Reconciler) ResetActiveStatus(ctx context.Context) (int64, error) {
	n, err := r.store.UpdateStatusBulk(ctx, StatusActive, StatusNotStarted)
	if err != nil {
		return 0, fmt.Errorf("reset active sessions: %w", err)
	}
	r.metrics.Repair("status", n)
	r.log.Info("active sessions reset", "sessions", n)
	return n, nil
}

// RewindAnchor moves last_update_time back by d so the next observation credits it.
func (r *Reconciler) RewindAnchor(ctx context.Context, playerID string, d time.Duration) (Session, error) {
	if d <= 0 {
		return Session{}, fmt.Errorf("%w: rewind must be positive", ErrInvalidInput)
	}
	var out Session
	err := r.withTx(ctx, func(tx Tx) error {
		cur, err := tx.LockSessionByPlayer(ctx, playerID)
		if err != nil {
			return err
		}
		cur.LastUpdateTime = cur.LastUpdateTime.Add(-d)
		cur.UpdatedAt = r.clock.Now()
		if err := tx.UpdateSession(ctx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("rewind anchor for %s: %w", playerID, err)
	}
	r.log.Info("session anchor rewound", "player_id", playerID, "session_id", out.ID, "by", d.String())
	return out, nil
}

func (r *Reconciler) withTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryConflict(ctx, r.store, r.log, r.metrics, fn)
}
