package models

import "fmt"

// CommandType identifies an operator command from the queue.
type CommandType string

const (
	CommandClosePosition     CommandType = "CLOSE_POSITION"
	CommandStopManaging      CommandType = "STOP_MANAGING"
	CommandRunReconciliation CommandType = "RUN_RECONCILIATION"
	CommandPlaceMissingGTC   CommandType = "PLACE_MISSING_GTC"
)

// CommandStatus is the processing state of a queued command.
type CommandStatus string

const (
	CommandPending    CommandStatus = "PENDING"
	CommandProcessing CommandStatus = "PROCESSING"
	CommandCompleted  CommandStatus = "COMPLETED"
	CommandFailed     CommandStatus = "FAILED"
)

// Command is an operator request queued by the dashboard and drained by the
// scheduler's poll loop.
type Command struct {
	ID          int64       `json:"id"`
	Type        CommandType `json:"type"`
	TradeID     string      `json:"trade_id"`
	Status      CommandStatus `json:"status"`
	Result      string      `json:"result"`
	CreatedAt   string      `json:"created_at"`
	ProcessedAt string      `json:"processed_at"`
}

// Validate checks that the command type is known and carries a trade ID when
// one is required.
func (c *Command) Validate() error {
	switch c.Type {
	case CommandClosePosition, CommandStopManaging:
		if c.TradeID == "" {
			return fmt.Errorf("command %s requires a trade ID", c.Type)
		}
	case CommandRunReconciliation, CommandPlaceMissingGTC:
		// Operate across all trades; PLACE_MISSING_GTC optionally narrows
		// to one trade ID.
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}
