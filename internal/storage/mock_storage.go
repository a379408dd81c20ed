package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/jamiehall/spx-calendar-bot/internal/models"
)

// MockStorage implements Interface in memory for testing.
type MockStorage struct {
	mu        sync.Mutex
	saveError error

	trades   map[string]*models.CalendarSpread
	orders   []OrderRecord
	actions  []string
	settings map[string]*models.Setting
	commands map[int64]*models.Command
	nextCmd  int64

	saveCallCount int
}

// NewMockStorage creates a mock storage seeded with the default settings.
func NewMockStorage() *MockStorage {
	m := &MockStorage{
		trades:   make(map[string]*models.CalendarSpread),
		settings: make(map[string]*models.Setting),
		commands: make(map[int64]*models.Command),
	}
	for i := range defaultSettings {
		setting := defaultSettings[i]
		m.settings[setting.Name] = &setting
	}
	return m
}

// SetSaveError makes subsequent SaveTrade calls fail with err.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SaveCallCount reports how many times SaveTrade was invoked.
func (m *MockStorage) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) SaveTrade(trade *models.CalendarSpread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	if trade == nil {
		return fmt.Errorf("nil trade")
	}
	copied := *trade
	m.trades[trade.TradeID] = &copied
	return nil
}

func (m *MockStorage) GetTrade(tradeID string) (*models.CalendarSpread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
	}
	copied := *trade
	copied.Rehydrate()
	return &copied, nil
}

func (m *MockStorage) GetActiveTrades() ([]*models.CalendarSpread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CalendarSpread
	for _, trade := range m.trades {
		switch trade.Status {
		case models.StateActive, models.StateManualControl, models.StatePending:
			copied := *trade
			copied.Rehydrate()
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MockStorage) GetTradesByStatus(status models.TradeState) ([]*models.CalendarSpread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CalendarSpread
	for _, trade := range m.trades {
		if trade.Status == status {
			copied := *trade
			copied.Rehydrate()
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MockStorage) GetTradeCountForDate(date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, trade := range m.trades {
		if trade.EntryDate == date {
			count++
		}
	}
	return count, nil
}

func (m *MockStorage) LogOrder(record OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = int64(len(m.orders) + 1)
	m.orders = append(m.orders, record)
	return nil
}

func (m *MockStorage) GetOrderHistory(tradeID string) ([]OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderRecord
	for _, record := range m.orders {
		if record.TradeID == tradeID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *MockStorage) LogAction(date, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, fmt.Sprintf("%s %s %s", date, event, detail))
	return nil
}

func (m *MockStorage) GetSetting(name string) (*models.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	setting, ok := m.settings[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSettingNotFound, name)
	}
	copied := *setting
	return &copied, nil
}

func (m *MockStorage) SetSetting(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	setting, ok := m.settings[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSettingNotFound, name)
	}
	if err := setting.ValidateValue(value); err != nil {
		return err
	}
	setting.Value = value
	return nil
}

func (m *MockStorage) ListSettings() ([]*models.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Setting, 0, len(m.settings))
	for _, setting := range m.settings {
		copied := *setting
		out = append(out, &copied)
	}
	return out, nil
}

func (m *MockStorage) EnqueueCommand(cmdType models.CommandType, tradeID string) (int64, error) {
	cmd := models.Command{Type: cmdType, TradeID: tradeID}
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCmd++
	cmd.ID = m.nextCmd
	cmd.Status = models.CommandPending
	cmd.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	m.commands[cmd.ID] = &cmd
	return cmd.ID, nil
}

func (m *MockStorage) PendingCommands() ([]*models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Command
	for id := int64(1); id <= m.nextCmd; id++ {
		if cmd, ok := m.commands[id]; ok && cmd.Status == models.CommandPending {
			copied := *cmd
			out = append(out, &copied)
		}
	}
	return out, nil
}

// Command returns a queued command by ID for assertions.
func (m *MockStorage) Command(id int64) (*models.Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return nil, false
	}
	copied := *cmd
	return &copied, true
}

func (m *MockStorage) MarkCommandProcessing(id int64) error {
	return m.transitionCommand(id, models.CommandPending, models.CommandProcessing, "")
}

func (m *MockStorage) CompleteCommand(id int64, result string) error {
	return m.transitionCommand(id, models.CommandProcessing, models.CommandCompleted, result)
}

func (m *MockStorage) FailCommand(id int64, result string) error {
	return m.transitionCommand(id, models.CommandProcessing, models.CommandFailed, result)
}

func (m *MockStorage) transitionCommand(id int64, from, to models.CommandStatus, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok || cmd.Status != from {
		return fmt.Errorf("%w: id %d in status %s", ErrCommandNotFound, id, from)
	}
	cmd.Status = to
	cmd.Result = result
	cmd.ProcessedAt = time.Now().UTC().Format(time.RFC3339)
	return nil
}

func (m *MockStorage) Close() error { return nil }

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
