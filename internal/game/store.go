package game

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists sessions and their dependent rows. Implementations translate their
// driver errors into ErrNotFound, ErrAlreadyExists and ErrConflict.
type Store interface {
	// WithinTx runs fn inside one transaction. Returning an error, or cancelling ctx,
	// rolls back every write fn made.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	SessionByPlayer(ctx context.Context, playerID string) (Session, error)
	SessionByID(ctx context.Context, sessionID int64) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)

	EnsurePlayer(ctx context.Context, p Player) error
	PlayersWithoutSession(ctx context.Context) ([]string, error)

	BalanceFor(ctx context.Context, sessionID int64) (Balance, error)
	ListSales(ctx context.Context, sessionID int64, limit int) ([]Sale, error)

	// UpdateAcceleration sets time_acceleration on every session, or only on those
	// currently at *from when from is non-nil. last_update_time is left untouched.
	UpdateAcceleration(ctx context.Context, to int, from *int) (int64, error)
	UpdateStatusBulk(ctx context.Context, from, to Status) (int64, error)
}

// Tx is the read-modify-write surface available inside WithinTx. Lock* calls hold the
// session row until the transaction ends.
type Tx interface {
	LockSessionByPlayer(ctx context.Context, playerID string) (Session, error)
	LockSessionByID(ctx context.Context, sessionID int64) (Session, error)

	// CreateSession inserts the session and its balance together.
	CreateSession(ctx context.Context, s Session, opening decimal.Decimal) (Session, error)
	UpdateSession(ctx context.Context, s Session) error

	ReplaceBalance(ctx context.Context, sessionID int64, amount decimal.Decimal) error
	CreditBalance(ctx context.Context, sessionID int64, delta decimal.Decimal) (Balance, error)

	InsertSale(ctx context.Context, sale Sale) (Sale, error)
	DeleteSales(ctx context.Context, sessionID int64) (int64, error)
	UpdateSalesDate(ctx context.Context, sessionID int64, date time.Time) (int64, error)
}
