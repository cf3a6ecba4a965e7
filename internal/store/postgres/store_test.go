package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"marketsim/internal/db"
	"marketsim/internal/game"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{err: pgx.ErrNoRows, want: game.ErrNotFound},
		{err: fmt.Errorf("scan: %w", pgx.ErrNoRows), want: game.ErrNotFound},
		{err: &pgconn.PgError{Code: "23505", ConstraintName: "sessions_player_id_key"}, want: game.ErrAlreadyExists},
		{err: &pgconn.PgError{Code: "23514"}, want: game.ErrInvariantViolation},
		{err: &pgconn.PgError{Code: "40001"}, want: game.ErrConflict},
		{err: &pgconn.PgError{Code: "40P01"}, want: game.ErrConflict},
	}
	for _, tc := range tests {
		if got := translate(tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("translate(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}

	other := errors.New("connection reset")
	if got := translate(other); got != other {
		t.Fatalf("unexpected translation of unrelated error: %v", got)
	}
	if translate(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"game.players", "game.sessions", "game.balances", "game.sales"} {
		if !strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("schema is missing %s", table)
		}
	}
}

// TestStoreAgainstPostgres runs only when MARKETSIM_TEST_DATABASE_URL points at a
// disposable database.
func TestStoreAgainstPostgres(t *testing.T) {
	url := os.Getenv("MARKETSIM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MARKETSIM_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, url, db.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	store := New(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	playerID := "test-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	start := game.Date(2025, time.March, 1)
	var created game.Session
	err = store.WithinTx(ctx, func(tx game.Tx) error {
		var err error
		created, err = tx.CreateSession(ctx, game.Session{
			PlayerID:         playerID,
			Status:           game.StatusActive,
			GameStartDate:    start,
			CurrentGameDate:  game.Date(2025, time.March, 25),
			GameEndDate:      game.AddDays(start, 365),
			DaysSurvived:     30,
			TimeAcceleration: 20,
			LastUpdateTime:   now,
			SessionStartTime: now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}, decimal.NewFromInt(10000))
		if err != nil {
			return err
		}
		_, err = tx.InsertSale(ctx, game.Sale{
			ID:         uuid.NewString(),
			SessionID:  created.ID,
			Product:    "milk",
			Quantity:   2,
			UnitPrice:  decimal.RequireFromString("1.25"),
			TotalValue: decimal.RequireFromString("2.50"),
			SaleTime:   now,
			GameDate:   created.CurrentGameDate,
			GameTime:   "06:00:00",
		})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM game.sessions WHERE id = $1`, created.ID)
	})

	err = store.WithinTx(ctx, func(tx game.Tx) error {
		_, err := tx.CreateSession(ctx, created, decimal.Zero)
		return err
	})
	if !errors.Is(err, game.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	rec := game.NewReconciler(store, nil)
	res, err := rec.Repair(ctx, created.ID)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if res.After != "2025-03-31" || res.SalesUpdated != 1 {
		t.Fatalf("unexpected repair: %+v", res)
	}
	sales, err := store.ListSales(ctx, created.ID, 10)
	if err != nil || len(sales) != 1 || game.FormatDate(sales[0].GameDate) != "2025-03-31" {
		t.Fatalf("sales = %+v err=%v", sales, err)
	}
	bal, err := store.BalanceFor(ctx, created.ID)
	if err != nil || !bal.Amount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("balance = %s err=%v", bal.Amount, err)
	}
}
