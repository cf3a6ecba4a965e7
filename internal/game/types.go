package game

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session is a player's persistent game state. Dates are UTC midnight instants.
type Session struct {
	ID               int64
	PlayerID         string
	Status           Status
	GameStartDate    time.Time
	CurrentGameDate  time.Time
	GameEndDate      time.Time
	DaysSurvived     int
	TimeAcceleration int
	LastUpdateTime   time.Time
	SessionStartTime time.Time
	TotalScore       int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Player struct {
	PlayerID    string    `json:"player_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type Balance struct {
	SessionID int64           `json:"session_id"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Sale is a historical record stamped with the in-game date at insertion.
type Sale struct {
	ID         string
	SessionID  int64
	Product    string
	Quantity   int
	UnitPrice  decimal.Decimal
	TotalValue decimal.Decimal
	SaleTime   time.Time
	GameDate   time.Time
	GameTime   string
}

type SaleInput struct {
	Product   string          `json:"product"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type SaleView struct {
	ID         string          `json:"id"`
	Product    string          `json:"product"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalValue decimal.Decimal `json:"total_value"`
	SaleTime   time.Time       `json:"sale_time"`
	GameDate   string          `json:"game_date"`
	GameTime   string          `json:"game_time"`
}

func (s Sale) View() SaleView {
	return SaleView{
		ID:         s.ID,
		Product:    s.Product,
		Quantity:   s.Quantity,
		UnitPrice:  s.UnitPrice,
		TotalValue: s.TotalValue,
		SaleTime:   s.SaleTime,
		GameDate:   FormatDate(s.GameDate),
		GameTime:   s.GameTime,
	}
}

// Snapshot is the read-only projection of a session after an observation.
type Snapshot struct {
	ID                     int64     `json:"id"`
	PlayerID               string    `json:"player_id"`
	Status                 Status    `json:"status"`
	GameStartDate          string    `json:"game_start_date"`
	CurrentGameDate        string    `json:"current_game_date"`
	GameEndDate            string    `json:"game_end_date"`
	DaysSurvived           int       `json:"days_survived"`
	DaysRemaining          int       `json:"days_remaining"`
	GameProgressPercentage float64   `json:"game_progress_percentage"`
	TimeAcceleration       int       `json:"time_acceleration"`
	LastUpdateTime         time.Time `json:"last_update_time"`
	SessionStartTime       time.Time `json:"session_start_time"`
	CurrentGameTime        string    `json:"current_game_time"`
	IsMarketOpen           bool      `json:"is_market_open"`
	TotalScore             int64     `json:"total_score"`
	DaysElapsed            int       `json:"days_elapsed"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

type Preview struct {
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	DaysPending    int      `json:"days_pending"`
	Before         Snapshot `json:"before"`
	After          Snapshot `json:"after"`
}

type AuditReport struct {
	SessionID       int64     `json:"session_id"`
	PlayerID        string    `json:"player_id"`
	Status          Status    `json:"status"`
	GameStartDate   string    `json:"game_start_date"`
	CurrentGameDate string    `json:"current_game_date"`
	GameEndDate     string    `json:"game_end_date"`
	DaysSurvived    int       `json:"days_survived"`
	LastUpdateTime  time.Time `json:"last_update_time"`
	ExpectedDate    string    `json:"expected_date"`
	Drift           bool      `json:"drift"`
}

type RepairResult struct {
	SessionID    int64  `json:"session_id"`
	PlayerID     string `json:"player_id"`
	Before       string `json:"before"`
	After        string `json:"after"`
	DaysSurvived int    `json:"days_survived"`
	Changed      bool   `json:"changed"`
	SalesUpdated int64  `json:"sales_updated"`
}

type PlayerError struct {
	PlayerID string `json:"player_id"`
	Error    string `json:"error"`
}

type BackfillReport struct {
	BatchID string        `json:"batch_id"`
	Created int           `json:"created"`
	Skipped int           `json:"skipped"`
	Errors  []PlayerError `json:"errors"`
}
