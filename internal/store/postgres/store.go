package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketsim/internal/game"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const sessionColumns = `id, player_id, status, game_start_date, current_game_date, game_end_date,
	days_survived, time_acceleration, last_update_time, session_start_time, total_score,
	created_at, updated_at`

const saleColumns = `id::text, session_id, product, quantity, unit_price::text, total_value::text,
	sale_time, game_date, game_time`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn at READ COMMITTED. Session rows are serialized by the
// SELECT ... FOR UPDATE in the Lock* methods.
func (s *Store) WithinTx(ctx context.Context, fn func(tx game.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", translate(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", translate(err))
	}
	return nil
}

func (s *Store) SessionByPlayer(ctx context.Context, playerID string) (game.Session, error) {
	return getSession(ctx, s.db, `SELECT `+sessionColumns+` FROM game.sessions WHERE player_id = $1`, playerID)
}

func (s *Store) SessionByID(ctx context.Context, sessionID int64) (game.Session, error) {
	return getSession(ctx, s.db, `SELECT `+sessionColumns+` FROM game.sessions WHERE id = $1`, sessionID)
}

func (s *Store) ListSessions(ctx context.Context) ([]game.Session, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM game.sessions ORDER BY id`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := []game.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, translate(rows.Err())
}

func (s *Store) EnsurePlayer(ctx context.Context, p game.Player) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO game.players (player_id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (player_id) DO UPDATE
		SET email = COALESCE(NULLIF(EXCLUDED.email, ''), game.players.email),
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), game.players.display_name)
	`, p.PlayerID, strings.TrimSpace(p.Email), strings.TrimSpace(p.DisplayName))
	if err != nil {
		return fmt.Errorf("upsert player: %w", translate(err))
	}
	return nil
}

func (s *Store) PlayersWithoutSession(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.player_id
		FROM game.players p
		LEFT JOIN game.sessions gs ON gs.player_id = p.player_id
		WHERE gs.id IS NULL
		ORDER BY p.player_id
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, translate(rows.Err())
}

func (s *Store) BalanceFor(ctx context.Context, sessionID int64) (game.Balance, error) {
	return getBalance(ctx, s.db, sessionID)
}

func (s *Store) ListSales(ctx context.Context, sessionID int64, limit int) ([]game.Sale, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+saleColumns+`
		FROM game.sales
		WHERE session_id = $1
		ORDER BY sale_time DESC, id
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := []game.Sale{}
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, translate(rows.Err())
}

// UpdateAcceleration leaves last_update_time alone so pending time is measured
// against the new factor on the next observation.
func (s *Store) UpdateAcceleration(ctx context.Context, to int, from *int) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE game.sessions
		SET time_acceleration = $1, updated_at = now()
		WHERE $2::int IS NULL OR time_acceleration = $2::int
	`, to, from)
	if err != nil {
		return 0, fmt.Errorf("update acceleration: %w", translate(err))
	}
	return tag.RowsAffected(), nil
}

func (s *Store) UpdateStatusBulk(ctx context.Context, from, to game.Status) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE game.sessions
		SET status = $2, updated_at = now()
		WHERE status = $1
	`, string(from), string(to))
	if err != nil {
		return 0, fmt.Errorf("update status: %w", translate(err))
	}
	return tag.RowsAffected(), nil
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) LockSessionByPlayer(ctx context.Context, playerID string) (game.Session, error) {
	return getSession(ctx, t.tx, `SELECT `+sessionColumns+` FROM game.sessions WHERE player_id = $1 FOR UPDATE`, playerID)
}

func (t *txStore) LockSessionByID(ctx context.Context, sessionID int64) (game.Session, error) {
	return getSession(ctx, t.tx, `SELECT `+sessionColumns+` FROM game.sessions WHERE id = $1 FOR UPDATE`, sessionID)
}

func (t *txStore) CreateSession(ctx context.Context, s game.Session, opening decimal.Decimal) (game.Session, error) {
	if err := game.ValidateSession(s); err != nil {
		return game.Session{}, err
	}
	created, err := getSession(ctx, t.tx, `
		INSERT INTO game.sessions (
			player_id, status, game_start_date, current_game_date, game_end_date,
			days_survived, time_acceleration, last_update_time, session_start_time, total_score,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+sessionColumns,
		s.PlayerID, string(s.Status), s.GameStartDate, s.CurrentGameDate, s.GameEndDate,
		s.DaysSurvived, s.TimeAcceleration, s.LastUpdateTime, s.SessionStartTime, s.TotalScore,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return game.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO game.balances (session_id, amount, updated_at)
		VALUES ($1, $2::numeric, $3)
	`, created.ID, opening.StringFixed(2), s.CreatedAt); err != nil {
		return game.Session{}, fmt.Errorf("insert balance: %w", translate(err))
	}
	return created, nil
}

func (t *txStore) UpdateSession(ctx context.Context, s game.Session) error {
	if err := game.ValidateSession(s); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE game.sessions
		SET status = $2,
			current_game_date = $3,
			days_survived = $4,
			time_acceleration = $5,
			last_update_time = $6,
			session_start_time = $7,
			total_score = $8,
			updated_at = $9
		WHERE id = $1
	`, s.ID, string(s.Status), s.CurrentGameDate, s.DaysSurvived, s.TimeAcceleration,
		s.LastUpdateTime, s.SessionStartTime, s.TotalScore, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %d", game.ErrNotFound, s.ID)
	}
	return nil
}

func (t *txStore) ReplaceBalance(ctx context.Context, sessionID int64, amount decimal.Decimal) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM game.balances WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete balance: %w", translate(err))
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO game.balances (session_id, amount, updated_at)
		VALUES ($1, $2::numeric, now())
	`, sessionID, amount.StringFixed(2)); err != nil {
		return fmt.Errorf("insert balance: %w", translate(err))
	}
	return nil
}

func (t *txStore) CreditBalance(ctx context.Context, sessionID int64, delta decimal.Decimal) (game.Balance, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE game.balances
		SET amount = amount + $2::numeric, updated_at = now()
		WHERE session_id = $1
		RETURNING session_id, amount::text, updated_at
	`, sessionID, delta.StringFixed(2))
	b, err := scanBalance(row)
	if err != nil {
		return game.Balance{}, fmt.Errorf("credit balance: %w", err)
	}
	return b, nil
}

func (t *txStore) InsertSale(ctx context.Context, sale game.Sale) (game.Sale, error) {
	id, err := uuid.Parse(sale.ID)
	if err != nil {
		return game.Sale{}, fmt.Errorf("%w: sale id: %v", game.ErrInvalidInput, err)
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO game.sales (
			id, session_id, product, quantity, unit_price, total_value, sale_time, game_date, game_time
		)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
		RETURNING `+saleColumns,
		id, sale.SessionID, sale.Product, sale.Quantity, sale.UnitPrice.StringFixed(2),
		sale.TotalValue.StringFixed(2), sale.SaleTime, game.DateOf(sale.GameDate), sale.GameTime,
	)
	out, err := scanSale(row)
	if err != nil {
		return game.Sale{}, fmt.Errorf("insert sale: %w", err)
	}
	return out, nil
}

func (t *txStore) DeleteSales(ctx context.Context, sessionID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM game.sales WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete sales: %w", translate(err))
	}
	return tag.RowsAffected(), nil
}

func (t *txStore) UpdateSalesDate(ctx context.Context, sessionID int64, date time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE game.sales SET game_date = $2 WHERE session_id = $1
	`, sessionID, game.DateOf(date))
	if err != nil {
		return 0, fmt.Errorf("update sales date: %w", translate(err))
	}
	return tag.RowsAffected(), nil
}

func getSession(ctx context.Context, q querier, sql string, args ...any) (game.Session, error) {
	return scanSession(q.QueryRow(ctx, sql, args...))
}

func getBalance(ctx context.Context, q querier, sessionID int64) (game.Balance, error) {
	return scanBalance(q.QueryRow(ctx, `
		SELECT session_id, amount::text, updated_at FROM game.balances WHERE session_id = $1
	`, sessionID))
}

func scanSession(row pgx.Row) (game.Session, error) {
	var s game.Session
	var status string
	err := row.Scan(
		&s.ID, &s.PlayerID, &status, &s.GameStartDate, &s.CurrentGameDate, &s.GameEndDate,
		&s.DaysSurvived, &s.TimeAcceleration, &s.LastUpdateTime, &s.SessionStartTime, &s.TotalScore,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return game.Session{}, translate(err)
	}
	s.Status = game.Status(status)
	s.GameStartDate = game.DateOf(s.GameStartDate)
	s.CurrentGameDate = game.DateOf(s.CurrentGameDate)
	s.GameEndDate = game.DateOf(s.GameEndDate)
	s.LastUpdateTime = s.LastUpdateTime.UTC()
	s.SessionStartTime = s.SessionStartTime.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func scanBalance(row pgx.Row) (game.Balance, error) {
	var b game.Balance
	var amount string
	if err := row.Scan(&b.SessionID, &amount, &b.UpdatedAt); err != nil {
		return game.Balance{}, translate(err)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return game.Balance{}, fmt.Errorf("parse balance amount %q: %w", amount, err)
	}
	b.Amount = d
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func scanSale(row pgx.Row) (game.Sale, error) {
	var s game.Sale
	var unit, total string
	err := row.Scan(&s.ID, &s.SessionID, &s.Product, &s.Quantity, &unit, &total, &s.SaleTime, &s.GameDate, &s.GameTime)
	if err != nil {
		return game.Sale{}, translate(err)
	}
	if s.UnitPrice, err = decimal.NewFromString(unit); err != nil {
		return game.Sale{}, fmt.Errorf("parse unit price %q: %w", unit, err)
	}
	if s.TotalValue, err = decimal.NewFromString(total); err != nil {
		return game.Sale{}, fmt.Errorf("parse total value %q: %w", total, err)
	}
	s.SaleTime = s.SaleTime.UTC()
	s.GameDate = game.DateOf(s.GameDate)
	return s, nil
}

// translate maps driver errors onto the game sentinels and passes everything else through.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return game.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", game.ErrAlreadyExists, pgErr.ConstraintName)
		case "23514":
			return fmt.Errorf("%w: %s", game.ErrInvariantViolation, pgErr.ConstraintName)
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", game.ErrConflict, pgErr.Message)
		}
	}
	return err
}
