package storage

import (
	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

// Interface defines the contract for trade, settings and command persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can call them from multiple goroutines.
type Interface interface {
	// Trade records
	SaveTrade(trade *models.CalendarSpread) error
	GetTrade(tradeID string) (*models.CalendarSpread, error)
	GetActiveTrades() ([]*models.CalendarSpread, error)
	GetTradesByStatus(status models.TradeState) ([]*models.CalendarSpread, error)
	GetTradeCountForDate(date string) (int, error)

	// Audit trail
	LogOrder(record OrderRecord) error
	GetOrderHistory(tradeID string) ([]OrderRecord, error)
	LogAction(date, event, detail string) error

	// Runtime-tunable settings
	GetSetting(name string) (*models.Setting, error)
	SetSetting(name, value string) error
	ListSettings() ([]*models.Setting, error)

	// Command queue
	EnqueueCommand(cmdType models.CommandType, tradeID string) (int64, error)
	PendingCommands() ([]*models.Command, error)
	MarkCommandProcessing(id int64) error
	CompleteCommand(id int64, result string) error
	FailCommand(id int64, result string) error

	Close() error
}

// OrderRecord is one row of the order audit trail.
type OrderRecord struct {
	ID           int64   `json:"id"`
	TradeID      string  `json:"trade_id"`
	OrderID      string  `json:"order_id"`
	Purpose      string  `json:"purpose"` // entry, exit, profit_target
	LimitPrice   float64 `json:"limit_price"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	Attempts     int     `json:"attempts"`
	Status       string  `json:"status"`
	Tag          string  `json:"tag"`
	CreatedAt    string  `json:"created_at"`
}

// NewStorage creates the default storage implementation (SQLite-based).
func NewStorage(path string) (Interface, error) {
	return NewSQLiteStorage(path)
}

// Ensure SQLiteStorage implements Interface
var _ Interface = (*SQLiteStorage)(nil)
