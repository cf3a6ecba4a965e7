package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketsim/internal/game"

	"github.com/shopspring/decimal"
)

func newSession(playerID string) game.Session {
	start := game.Date(2025, time.January, 1)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return game.Session{
		PlayerID:         playerID,
		Status:           game.StatusNotStarted,
		GameStartDate:    start,
		CurrentGameDate:  start,
		GameEndDate:      game.AddDays(start, 365),
		TimeAcceleration: 20,
		LastUpdateTime:   now,
		SessionStartTime: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func create(t *testing.T, s *Store, playerID string) game.Session {
	t.Helper()
	var out game.Session
	err := s.WithinTx(context.Background(), func(tx game.Tx) error {
		var err error
		out, err = tx.CreateSession(context.Background(), newSession(playerID), decimal.NewFromInt(10000))
		return err
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return out
}

func TestCreateSessionRejectsDuplicatePlayer(t *testing.T) {
	s := New()
	first := create(t, s, "p1")
	if first.ID == 0 {
		t.Fatalf("expected allocated id")
	}
	err := s.WithinTx(context.Background(), func(tx game.Tx) error {
		_, err := tx.CreateSession(context.Background(), newSession("p1"), decimal.Zero)
		return err
	})
	if !errors.Is(err, game.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	b, err := s.BalanceFor(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Amount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("balance = %s, want 10000", b.Amount)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := New()
	sess := create(t, s, "p1")
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(tx game.Tx) error {
		cur, err := tx.LockSessionByID(context.Background(), sess.ID)
		if err != nil {
			return err
		}
		cur.DaysSurvived = 10
		cur.CurrentGameDate = game.AddDays(cur.GameStartDate, 10)
		if err := tx.UpdateSession(context.Background(), cur); err != nil {
			return err
		}
		if _, err := tx.CreditBalance(context.Background(), sess.ID, decimal.NewFromInt(5)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, _ := s.SessionByID(context.Background(), sess.ID)
	if got.DaysSurvived != 0 {
		t.Fatalf("days survived = %d after rollback", got.DaysSurvived)
	}
	b, _ := s.BalanceFor(context.Background(), sess.ID)
	if !b.Amount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("balance = %s after rollback", b.Amount)
	}
}

func TestLockBlocksUntilCommitAndHonoursContext(t *testing.T) {
	s := New()
	sess := create(t, s, "p1")

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(context.Background(), func(tx game.Tx) error {
			if _, err := tx.LockSessionByID(context.Background(), sess.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(tx game.Tx) error {
		_, err := tx.LockSessionByID(ctx, sess.ID)
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while locked, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder tx: %v", err)
	}
	err = s.WithinTx(context.Background(), func(tx game.Tx) error {
		_, err := tx.LockSessionByID(context.Background(), sess.ID)
		return err
	})
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
}

func TestInjectedConflict(t *testing.T) {
	s := New()
	sess := create(t, s, "p1")
	s.InjectConflicts(1)

	write := func() error {
		return s.WithinTx(context.Background(), func(tx game.Tx) error {
			_, err := tx.CreditBalance(context.Background(), sess.ID, decimal.NewFromInt(1))
			return err
		})
	}
	if err := write(); !errors.Is(err, game.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := write(); err != nil {
		t.Fatalf("second write: %v", err)
	}
}

func TestSalesNewestFirstAndBulkDate(t *testing.T) {
	s := New()
	sess := create(t, s, "p1")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := s.WithinTx(context.Background(), func(tx game.Tx) error {
		for i, id := range []string{"a", "b", "c"} {
			_, err := tx.InsertSale(context.Background(), game.Sale{
				ID:        id,
				SessionID: sess.ID,
				Product:   "milk",
				Quantity:  1,
				SaleTime:  base.Add(time.Duration(i) * time.Minute),
				GameDate:  sess.GameStartDate,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert sales: %v", err)
	}

	sales, err := s.ListSales(context.Background(), sess.ID, 2)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 2 || sales[0].ID != "c" || sales[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", sales)
	}

	target := game.Date(2025, time.February, 1)
	var n int64
	err = s.WithinTx(context.Background(), func(tx game.Tx) error {
		var err error
		n, err = tx.UpdateSalesDate(context.Background(), sess.ID, target)
		return err
	})
	if err != nil || n != 3 {
		t.Fatalf("update sales date: n=%d err=%v", n, err)
	}
	sales, _ = s.ListSales(context.Background(), sess.ID, 0)
	for _, sale := range sales {
		if !sale.GameDate.Equal(target) {
			t.Fatalf("sale %s date = %s", sale.ID, game.FormatDate(sale.GameDate))
		}
	}
}

func TestBulkUpdates(t *testing.T) {
	s := New()
	a := create(t, s, "a")
	create(t, s, "b")

	err := s.WithinTx(context.Background(), func(tx game.Tx) error {
		cur, err := tx.LockSessionByID(context.Background(), a.ID)
		if err != nil {
			return err
		}
		cur.TimeAcceleration = 1440
		cur.Status = game.StatusActive
		return tx.UpdateSession(context.Background(), cur)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	from := 1440
	n, err := s.UpdateAcceleration(context.Background(), 3, &from)
	if err != nil || n != 1 {
		t.Fatalf("update acceleration: n=%d err=%v", n, err)
	}
	n, err = s.UpdateStatusBulk(context.Background(), game.StatusActive, game.StatusNotStarted)
	if err != nil || n != 1 {
		t.Fatalf("update status: n=%d err=%v", n, err)
	}
	got, _ := s.SessionByID(context.Background(), a.ID)
	if got.TimeAcceleration != 3 || got.Status != game.StatusNotStarted {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestPlayersWithoutSession(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if err := s.EnsurePlayer(ctx, game.Player{PlayerID: id}); err != nil {
			t.Fatalf("ensure player: %v", err)
		}
	}
	create(t, s, "b")
	got, err := s.PlayersWithoutSession(ctx)
	if err != nil {
		t.Fatalf("players without session: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("got %v", got)
	}
}
