package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"marketsim/internal/clock"
	"marketsim/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const conflictRetryDelay = 25 * time.Millisecond

// Defaults seed newly created sessions.
type Defaults struct {
	GameStartDate    time.Time
	GameLengthDays   int
	TimeAcceleration int
	StartingBalance  decimal.Decimal
}

func DefaultDefaults() Defaults {
	return Defaults{
		GameStartDate:    Date(2025, time.January, 1),
		GameLengthDays:   DefaultGameLengthDays,
		TimeAcceleration: DefaultTimeAcceleration,
		StartingBalance:  decimal.NewFromInt(10_000),
	}
}

type options struct {
	clock       clock.Clock
	metrics     *metrics.Recorder
	defaults    Defaults
	concurrency int
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

func WithDefaults(d Defaults) Option {
	return func(o *options) { o.defaults = d }
}

// WithConcurrency bounds the fan-out of batch operations.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:       clock.System(),
		defaults:    DefaultDefaults(),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Service owns session lifecycle transitions and the observation path.
type Service struct {
	store Store
	log   *slog.Logger
	options
}

func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		log:     logger,
		options: buildOptions(opts),
	}
}

// Observe advances the player's session to the current instant and returns the
// snapshot together with the days credited by this call.
func (s *Service) Observe(ctx context.Context, playerID string) (Snapshot, error) {
	var out Snapshot
	var before, after Session
	err := s.withTx(ctx, func(tx Tx) error {
		cur, err := tx.LockSessionByPlayer(ctx, playerID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		next, days, err := s.advanceTx(ctx, tx, cur, now)
		if err != nil {
			return err
		}
		before, after = cur, next
		out = NewSnapshot(next, now, days)
		return nil
	})
	if err != nil {
		s.metrics.Observation("error")
		return Snapshot{}, fmt.Errorf("observe session for %s: %w", playerID, err)
	}
	if out.DaysElapsed > 0 {
		s.metrics.Observation("advanced")
	} else {
		s.metrics.Observation("idle")
	}
	s.recordAdvance(before, after, out.DaysElapsed)
	return out, nil
}

// Current returns the stored snapshot without advancing time.
func (s *Service) Current(ctx context.Context, playerID string) (Snapshot, error) {
	cur, err := s.store.SessionByPlayer(ctx, playerID)
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(cur, s.clock.Now(), 0), nil
}

// Preview runs the engine against now without persisting anything.
func (s *Service) Preview(ctx context.Context, playerID string) (Preview, error) {
	cur, err := s.store.SessionByPlayer(ctx, playerID)
	if err != nil {
		return Preview{}, err
	}
	now := s.clock.Now()
	next, days := Advance(cur, now)
	elapsed := now.Sub(cur.LastUpdateTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return Preview{
		ElapsedSeconds: elapsed,
		DaysPending:    days,
		Before:         NewSnapshot(cur, now, 0),
		After:          NewSnapshot(next, now, days),
	}, nil
}

func (s *Service) Start(ctx context.Context, playerID string) (Snapshot, error) {
	return s.transition(ctx, playerID, "start", func(cur Session, now time.Time) (Session, int, error) {
		if cur.Status != StatusNotStarted {
			return cur, 0, fmt.Errorf("%w: cannot start a %s session", ErrInvalidTransition, cur.Status)
		}
		cur.Status = StatusActive
		cur.LastUpdateTime = now
		cur.SessionStartTime = now
		return cur, 0, nil
	})
}

// Pause credits the whole days elapsed so far and then freezes the clock. If that
// credit ends the game the ended session is returned as is.
func (s *Service) Pause(ctx context.Context, playerID string) (Snapshot, error) {
	return s.transition(ctx, playerID, "pause", func(cur Session, now time.Time) (Session, int, error) {
		if cur.Status != StatusActive {
			return cur, 0, fmt.Errorf("%w: cannot pause a %s session", ErrInvalidTransition, cur.Status)
		}
		next, days := Advance(cur, now)
		if next.Status == StatusEnded {
			return next, days, nil
		}
		next.Status = StatusPaused
		return next, days, nil
	})
}

// Resume re-anchors the clock at now; the sub-day remainder accrued before the pause is dropped.
func (s *Service) Resume(ctx context.Context, playerID string) (Snapshot, error) {
	return s.transition(ctx, playerID, "resume", func(cur Session, now time.Time) (Session, int, error) {
		if cur.Status != StatusPaused {
			return cur, 0, fmt.Errorf("%w: cannot resume a %s session", ErrInvalidTransition, cur.Status)
		}
		cur.Status = StatusActive
		cur.LastUpdateTime = now
		return cur, 0, nil
	})
}

// Reset returns the session to NOT_STARTED, dropping its sales and recreating its balance.
func (s *Service) Reset(ctx context.Context, playerID string) (Snapshot, error) {
	var out Snapshot
	err := s.withTx(ctx, func(tx Tx) error {
		cur, err := tx.LockSessionByPlayer(ctx, playerID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		deleted, err := tx.DeleteSales(ctx, cur.ID)
		if err != nil {
			return err
		}
		if err := tx.ReplaceBalance(ctx, cur.ID, s.defaults.StartingBalance); err != nil {
			return err
		}
		cur.Status = StatusNotStarted
		cur.CurrentGameDate = DateOf(cur.GameStartDate)
		cur.DaysSurvived = 0
		cur.TotalScore = 0
		cur.LastUpdateTime = now
		cur.SessionStartTime = now
		cur.UpdatedAt = now
		if err := tx.UpdateSession(ctx, cur); err != nil {
			return err
		}
		s.log.Info("session reset", "player_id", playerID, "session_id", cur.ID, "sales_deleted", deleted)
		out = NewSnapshot(cur, now, 0)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("reset session for %s: %w", playerID, err)
	}
	return out, nil
}

// CreateFor creates the player's session and balance in one transaction.
func (s *Service) CreateFor(ctx context.Context, playerID string) (Snapshot, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return Snapshot{}, fmt.Errorf("%w: player id is required", ErrInvalidInput)
	}
	if err := ValidateAcceleration(s.defaults.TimeAcceleration); err != nil {
		return Snapshot{}, err
	}
	length := s.defaults.GameLengthDays
	if length <= 0 {
		length = DefaultGameLengthDays
	}
	if length > MaxGameLengthDays {
		return Snapshot{}, fmt.Errorf("%w: game length %d exceeds %d days", ErrInvalidInput, length, MaxGameLengthDays)
	}
	now := s.clock.Now()
	start := DateOf(s.defaults.GameStartDate)
	sess := Session{
		PlayerID:         playerID,
		Status:           StatusNotStarted,
		GameStartDate:    start,
		CurrentGameDate:  start,
		GameEndDate:      AddDays(start, length),
		TimeAcceleration: s.defaults.TimeAcceleration,
		LastUpdateTime:   now,
		SessionStartTime: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var out Snapshot
	err := s.withTx(ctx, func(tx Tx) error {
		created, err := tx.CreateSession(ctx, sess, s.defaults.StartingBalance)
		if err != nil {
			return err
		}
		out = NewSnapshot(created, now, 0)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("create session for %s: %w", playerID, err)
	}
	s.log.Info("session created", "player_id", playerID, "session_id", out.ID)
	return out, nil
}

// EnsurePlayer records the player and creates their session on first sight.
func (s *Service) EnsurePlayer(ctx context.Context, p Player) (Snapshot, error) {
	p.PlayerID = strings.TrimSpace(p.PlayerID)
	if p.PlayerID == "" {
		return Snapshot{}, fmt.Errorf("%w: player id is required", ErrInvalidInput)
	}
	p.Email = strings.TrimSpace(p.Email)
	if strings.TrimSpace(p.DisplayName) == "" {
		p.DisplayName = displayNameFromEmail(p.Email)
	}
	if err := s.store.EnsurePlayer(ctx, p); err != nil {
		return Snapshot{}, err
	}
	snap, err := s.CreateFor(ctx, p.PlayerID)
	if errors.Is(err, ErrAlreadyExists) {
		return s.Current(ctx, p.PlayerID)
	}
	return snap, err
}

// BulkBackfill creates sessions for every player lacking one. Failures are reported
// per player and never abort the batch.
func (s *Service) BulkBackfill(ctx context.Context) (BackfillReport, error) {
	report := BackfillReport{BatchID: uuid.NewString(), Errors: []PlayerError{}}
	players, err := s.store.PlayersWithoutSession(ctx)
	if err != nil {
		return report, fmt.Errorf("list players without session: %w", err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, playerID := range players {
		g.Go(func() error {
			var err error
			if err = ctx.Err(); err == nil {
				_, err = s.CreateFor(ctx, playerID)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Created++
			case errors.Is(err, ErrAlreadyExists):
				report.Skipped++
			default:
				report.Errors = append(report.Errors, PlayerError{PlayerID: playerID, Error: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("session backfill complete",
		"batch_id", report.BatchID,
		"candidates", len(players),
		"created", report.Created,
		"skipped", report.Skipped,
		"failed", len(report.Errors),
	)
	return report, nil
}

// RecordSale observes the session and stores a sale stamped with the advanced date.
func (s *Service) RecordSale(ctx context.Context, playerID string, in SaleInput) (Sale, error) {
	in.Product = strings.TrimSpace(in.Product)
	if in.Product == "" {
		return Sale{}, fmt.Errorf("%w: product is required", ErrInvalidInput)
	}
	if in.Quantity <= 0 {
		return Sale{}, fmt.Errorf("%w: quantity must be > 0", ErrInvalidInput)
	}
	if in.UnitPrice.IsNegative() {
		return Sale{}, fmt.Errorf("%w: unit price must be >= 0", ErrInvalidInput)
	}

	var out Sale
	var before, after Session
	var credited int
	err := s.withTx(ctx, func(tx Tx) error {
		cur, err := tx.LockSessionByPlayer(ctx, playerID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		next, days, err := s.advanceTx(ctx, tx, cur, now)
		if err != nil {
			return err
		}
		if next.Status != StatusActive {
			return fmt.Errorf("%w: sales require an ACTIVE session, got %s", ErrInvalidTransition, next.Status)
		}
		gameClock := GameClock(next, now)
		if !IsMarketOpen(gameClock) {
			return fmt.Errorf("%w: market is closed at %s", ErrInvalidTransition, FormatClock(gameClock))
		}
		total := in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))).Round(2)
		sale, err := tx.InsertSale(ctx, Sale{
			ID:         uuid.NewString(),
			SessionID:  next.ID,
			Product:    in.Product,
			Quantity:   in.Quantity,
			UnitPrice:  in.UnitPrice.Round(2),
			TotalValue: total,
			SaleTime:   now,
			GameDate:   next.CurrentGameDate,
			GameTime:   FormatClock(gameClock),
		})
		if err != nil {
			return err
		}
		if _, err := tx.CreditBalance(ctx, next.ID, total); err != nil {
			return err
		}
		out = sale
		before, after, credited = cur, next, days
		return nil
	})
	if err != nil {
		return Sale{}, fmt.Errorf("record sale for %s: %w", playerID, err)
	}
	s.recordAdvance(before, after, credited)
	return out, nil
}

func (s *Service) ListSales(ctx context.Context, playerID string, limit int) ([]Sale, error) {
	cur, err := s.store.SessionByPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	} else if limit > 500 {
		limit = 500
	}
	return s.store.ListSales(ctx, cur.ID, limit)
}

func (s *Service) Balance(ctx context.Context, playerID string) (Balance, error) {
	cur, err := s.store.SessionByPlayer(ctx, playerID)
	if err != nil {
		return Balance{}, err
	}
	return s.store.BalanceFor(ctx, cur.ID)
}

type transitionFunc func(cur Session, now time.Time) (Session, int, error)

func (s *Service) transition(ctx context.Context, playerID, name string, apply transitionFunc) (Snapshot, error) {
	var out Snapshot
	var before, after Session
	err := s.withTx(ctx, func(tx Tx) error {
		cur, err := tx.LockSessionByPlayer(ctx, playerID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		next, days, err := apply(cur, now)
		if err != nil {
			return err
		}
		next.UpdatedAt = now
		if err := tx.UpdateSession(ctx, next); err != nil {
			return err
		}
		before, after = cur, next
		out = NewSnapshot(next, now, days)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s session for %s: %w", name, playerID, err)
	}
	s.recordAdvance(before, after, out.DaysElapsed)
	s.log.Info("session "+name, "player_id", playerID, "session_id", out.ID, "from", before.Status, "to", out.Status)
	return out, nil
}

// recordAdvance reports a committed advance: days credited and, when the advance
// crossed the end date, the session ending.
func (s *Service) recordAdvance(before, after Session, days int) {
	s.metrics.DaysCredited(days)
	if before.Status == StatusEnded || after.Status != StatusEnded {
		return
	}
	s.metrics.SessionEnded()
	s.log.Info("session ended",
		"player_id", after.PlayerID,
		"session_id", after.ID,
		"date", FormatDate(after.CurrentGameDate),
	)
}

// advanceTx applies the engine to a locked session and persists the result when it changed.
func (s *Service) advanceTx(ctx context.Context, tx Tx, cur Session, now time.Time) (Session, int, error) {
	next, days := Advance(cur, now)
	if next.Status == cur.Status && next.LastUpdateTime.Equal(cur.LastUpdateTime) {
		return cur, 0, nil
	}
	next.UpdatedAt = now
	if err := tx.UpdateSession(ctx, next); err != nil {
		return cur, 0, err
	}
	return next, days, nil
}

// withTx runs fn once more when the first attempt lost a race.
func (s *Service) withTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryConflict(ctx, s.store, s.log, s.metrics, fn)
}

func retryConflict(ctx context.Context, store Store, log *slog.Logger, m *metrics.Recorder, fn func(tx Tx) error) error {
	err := store.WithinTx(ctx, fn)
	if !errors.Is(err, ErrConflict) {
		return err
	}
	m.StoreConflict()
	log.Warn("session transaction conflict, retrying", "err", err)
	if err := sleepWithContext(ctx, conflictRetryDelay); err != nil {
		return err
	}
	return store.WithinTx(ctx, fn)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func displayNameFromEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "player"
	}
	if len(local) > 24 {
		local = local[:24]
	}
	return local
}
