package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

// SQLiteStorage persists trades, audit rows, settings and the command queue
// in a single SQLite database. A mutex serializes writers; SQLite handles one
// writer at a time and the bot has no need for more.
type SQLiteStorage struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS calendar_trades (
	trade_id   TEXT PRIMARY KEY,
	entry_date TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON calendar_trades(status);
CREATE INDEX IF NOT EXISTS idx_trades_entry_date ON calendar_trades(entry_date);

CREATE TABLE IF NOT EXISTS order_history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id       TEXT NOT NULL,
	order_id       TEXT NOT NULL,
	purpose        TEXT NOT NULL,
	limit_price    REAL NOT NULL,
	avg_fill_price REAL NOT NULL,
	attempts       INTEGER NOT NULL,
	status         TEXT NOT NULL,
	tag            TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_trade ON order_history(trade_id);

CREATE TABLE IF NOT EXISTS daily_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	date       TEXT NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_daily_log_date ON daily_log(date);

CREATE TABLE IF NOT EXISTS user_settings (
	name        TEXT PRIMARY KEY,
	value       TEXT NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL,
	category    TEXT NOT NULL,
	min         REAL,
	max         REAL
);

CREATE TABLE IF NOT EXISTS command_queue (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	type         TEXT NOT NULL,
	trade_id     TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	processed_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_commands_status ON command_queue(status);
`

func ptr(v float64) *float64 { return &v }

// defaultSettings are seeded on first open and never overwritten afterwards.
var defaultSettings = []models.Setting{
	{
		Name: "failed_trade_action", Value: "skip", Type: models.SettingString,
		Description: "What to do when a long strike is missing on the far expiry: skip, adjust_longs, adjust_entire",
		Category:    "entry",
	},
	{
		Name: "max_strike_deviation", Value: "10", Type: models.SettingFloat,
		Description: "Largest allowed distance in points when adjusting a long strike",
		Category:    "entry", Min: ptr(0), Max: ptr(50),
	},
	{
		Name: "ghost_strike_action", Value: "move", Type: models.SettingString,
		Description: "Response to a short strike colliding with a recent trade's long strike: skip, ignore, move",
		Category:    "entry",
	},
	{
		Name: "profit_target_pct", Value: "0.50", Type: models.SettingFloat,
		Description: "Profit target as a fraction of the entry debit",
		Category:    "exit", Min: ptr(0.05), Max: ptr(2.0),
	},
	{
		Name: "exit_day", Value: "14", Type: models.SettingInt,
		Description: "Calendar days after entry at which a trade is force-closed",
		Category:    "exit", Min: ptr(1), Max: ptr(30),
	},
	{
		Name: "reconcile_alert_threshold", Value: "4", Type: models.SettingInt,
		Description: "Discrepancy count above which reconciliation sends an SMS",
		Category:    "reconciliation", Min: ptr(0), Max: ptr(100),
	},
}

// NewSQLiteStorage opens (creating if needed) the database at path, applies
// the schema and seeds default settings.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.seedSettings(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) seedSettings() error {
	for _, setting := range defaultSettings {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO user_settings (name, value, type, description, category, min, max)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			setting.Name, setting.Value, string(setting.Type), setting.Description,
			setting.Category, nullFloat(setting.Min), nullFloat(setting.Max),
		)
		if err != nil {
			return fmt.Errorf("seed setting %s: %w", setting.Name, err)
		}
	}
	return nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveTrade inserts or replaces the full trade record.
func (s *SQLiteStorage) SaveTrade(trade *models.CalendarSpread) error {
	if trade == nil {
		return fmt.Errorf("nil trade")
	}
	if err := trade.Validate(); err != nil {
		return fmt.Errorf("refusing to save trade %s: %w", trade.TradeID, err)
	}

	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade %s: %w", trade.TradeID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO calendar_trades (trade_id, entry_date, status, data, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(trade_id) DO UPDATE SET
			entry_date = excluded.entry_date,
			status     = excluded.status,
			data       = excluded.data,
			updated_at = excluded.updated_at`,
		trade.TradeID, trade.EntryDate, string(trade.Status), string(data), nowStamp(),
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", trade.TradeID, err)
	}
	return nil
}

// GetTrade loads one trade by ID with its state machine rehydrated.
func (s *SQLiteStorage) GetTrade(tradeID string) (*models.CalendarSpread, error) {
	row := s.db.QueryRow(`SELECT data FROM calendar_trades WHERE trade_id = ?`, tradeID)

	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
		}
		return nil, fmt.Errorf("load trade %s: %w", tradeID, err)
	}
	return unmarshalTrade(data)
}

// GetActiveTrades returns trades the bot is still responsible for: ACTIVE and
// MANUAL_CONTROL, plus PENDING entries that never resolved.
func (s *SQLiteStorage) GetActiveTrades() ([]*models.CalendarSpread, error) {
	return s.queryTrades(
		`SELECT data FROM calendar_trades WHERE status IN (?, ?, ?) ORDER BY entry_date, trade_id`,
		string(models.StateActive), string(models.StateManualControl), string(models.StatePending),
	)
}

// GetTradesByStatus returns all trades in the given lifecycle state.
func (s *SQLiteStorage) GetTradesByStatus(status models.TradeState) ([]*models.CalendarSpread, error) {
	return s.queryTrades(
		`SELECT data FROM calendar_trades WHERE status = ? ORDER BY entry_date, trade_id`,
		string(status),
	)
}

// GetTradeCountForDate returns how many trades were entered on the given
// YYYY-MM-DD date, regardless of how they ended.
func (s *SQLiteStorage) GetTradeCountForDate(date string) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM calendar_trades WHERE entry_date = ?`, date)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count trades for %s: %w", date, err)
	}
	return count, nil
}

func (s *SQLiteStorage) queryTrades(query string, args ...any) ([]*models.CalendarSpread, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.CalendarSpread
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		trade, err := unmarshalTrade(data)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func unmarshalTrade(data string) (*models.CalendarSpread, error) {
	var trade models.CalendarSpread
	if err := json.Unmarshal([]byte(data), &trade); err != nil {
		return nil, fmt.Errorf("unmarshal trade record: %w", err)
	}
	trade.Rehydrate()
	return &trade, nil
}

// LogOrder appends one row to the order audit trail.
func (s *SQLiteStorage) LogOrder(record OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO order_history (trade_id, order_id, purpose, limit_price, avg_fill_price, attempts, status, tag, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TradeID, record.OrderID, record.Purpose, record.LimitPrice,
		record.AvgFillPrice, record.Attempts, record.Status, record.Tag, nowStamp(),
	)
	if err != nil {
		return fmt.Errorf("log order %s for trade %s: %w", record.OrderID, record.TradeID, err)
	}
	return nil
}

// GetOrderHistory returns the audit rows for one trade, oldest first.
func (s *SQLiteStorage) GetOrderHistory(tradeID string) ([]OrderRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, trade_id, order_id, purpose, limit_price, avg_fill_price, attempts, status, tag, created_at
		 FROM order_history WHERE trade_id = ? ORDER BY id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query order history for %s: %w", tradeID, err)
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		var r OrderRecord
		if err := rows.Scan(&r.ID, &r.TradeID, &r.OrderID, &r.Purpose, &r.LimitPrice,
			&r.AvgFillPrice, &r.Attempts, &r.Status, &r.Tag, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LogAction appends one row to the daily activity log.
func (s *SQLiteStorage) LogAction(date, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO daily_log (date, event, detail, created_at) VALUES (?, ?, ?, ?)`,
		date, event, detail, nowStamp(),
	)
	if err != nil {
		return fmt.Errorf("log action %s: %w", event, err)
	}
	return nil
}

// GetSetting loads one setting by name.
func (s *SQLiteStorage) GetSetting(name string) (*models.Setting, error) {
	row := s.db.QueryRow(
		`SELECT name, value, type, description, category, min, max FROM user_settings WHERE name = ?`, name)
	setting, err := scanSetting(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSettingNotFound, name)
		}
		return nil, fmt.Errorf("load setting %s: %w", name, err)
	}
	return setting, nil
}

// SetSetting updates a setting's value. The write is rejected when the value
// does not parse as the setting's declared type or violates its bounds.
func (s *SQLiteStorage) SetSetting(name, value string) error {
	setting, err := s.GetSetting(name)
	if err != nil {
		return err
	}
	if err := setting.ValidateValue(value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`UPDATE user_settings SET value = ? WHERE name = ?`, value, name)
	if err != nil {
		return fmt.Errorf("update setting %s: %w", name, err)
	}
	return nil
}

// ListSettings returns all settings ordered by category then name.
func (s *SQLiteStorage) ListSettings() ([]*models.Setting, error) {
	rows, err := s.db.Query(
		`SELECT name, value, type, description, category, min, max FROM user_settings ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	var settings []*models.Setting
	for rows.Next() {
		setting, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSetting(row rowScanner) (*models.Setting, error) {
	var setting models.Setting
	var settingType string
	var minVal, maxVal sql.NullFloat64
	if err := row.Scan(&setting.Name, &setting.Value, &settingType,
		&setting.Description, &setting.Category, &minVal, &maxVal); err != nil {
		return nil, err
	}
	setting.Type = models.SettingType(settingType)
	if minVal.Valid {
		setting.Min = &minVal.Float64
	}
	if maxVal.Valid {
		setting.Max = &maxVal.Float64
	}
	return &setting, nil
}

// EnqueueCommand appends a PENDING command and returns its ID.
func (s *SQLiteStorage) EnqueueCommand(cmdType models.CommandType, tradeID string) (int64, error) {
	cmd := models.Command{Type: cmdType, TradeID: tradeID}
	if err := cmd.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.Exec(
		`INSERT INTO command_queue (type, trade_id, status, created_at) VALUES (?, ?, ?, ?)`,
		string(cmdType), tradeID, string(models.CommandPending), nowStamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue command %s: %w", cmdType, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("command id: %w", err)
	}
	return id, nil
}

// PendingCommands returns PENDING commands oldest first.
func (s *SQLiteStorage) PendingCommands() ([]*models.Command, error) {
	rows, err := s.db.Query(
		`SELECT id, type, trade_id, status, result, created_at, processed_at
		 FROM command_queue WHERE status = ? ORDER BY id`, string(models.CommandPending))
	if err != nil {
		return nil, fmt.Errorf("query pending commands: %w", err)
	}
	defer rows.Close()

	var commands []*models.Command
	for rows.Next() {
		var cmd models.Command
		var cmdType, status string
		if err := rows.Scan(&cmd.ID, &cmdType, &cmd.TradeID, &status,
			&cmd.Result, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan command row: %w", err)
		}
		cmd.Type = models.CommandType(cmdType)
		cmd.Status = models.CommandStatus(status)
		commands = append(commands, &cmd)
	}
	return commands, rows.Err()
}

// MarkCommandProcessing moves a PENDING command to PROCESSING. Claiming is
// guarded by the status predicate so a command is only picked up once.
func (s *SQLiteStorage) MarkCommandProcessing(id int64) error {
	return s.updateCommand(id, models.CommandProcessing, "", string(models.CommandPending))
}

// CompleteCommand finalizes a PROCESSING command as COMPLETED.
func (s *SQLiteStorage) CompleteCommand(id int64, result string) error {
	return s.updateCommand(id, models.CommandCompleted, result, string(models.CommandProcessing))
}

// FailCommand finalizes a PROCESSING command as FAILED.
func (s *SQLiteStorage) FailCommand(id int64, result string) error {
	return s.updateCommand(id, models.CommandFailed, result, string(models.CommandProcessing))
}

func (s *SQLiteStorage) updateCommand(id int64, to models.CommandStatus, result, fromStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE command_queue SET status = ?, result = ?, processed_at = ? WHERE id = ? AND status = ?`,
		string(to), result, nowStamp(), id, fromStatus,
	)
	if err != nil {
		return fmt.Errorf("update command %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update command %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d in status %s", ErrCommandNotFound, id, fromStatus)
	}
	return nil
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
