// Package notify delivers short SMS alerts through a carrier email-to-SMS
// gateway.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// Config holds the SMTP relay and recipient settings.
type Config struct {
	Host     string
	Port     int
	Sender   string
	Password string
	// Recipient is the full gateway address, e.g. 5551234567@vtext.com.
	Recipient string
}

// Notifier sends SMS messages. A nil Notifier is a valid no-op, so callers
// never need to branch on whether notifications are configured.
type Notifier struct {
	cfg    Config
	logger *log.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewNotifier creates a notifier, or nil when the config is incomplete.
func NewNotifier(cfg Config, logger *log.Logger) *Notifier {
	if cfg.Host == "" || cfg.Sender == "" || cfg.Recipient == "" {
		if logger != nil {
			logger.Printf("SMS notifications disabled: relay not configured")
		}
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{cfg: cfg, logger: logger, send: smtp.SendMail}
}

// Send delivers one message. Delivery failures are logged, not returned:
// trading never blocks on a notification.
func (n *Notifier) Send(message string) {
	if n == nil {
		return
	}

	// Carrier gateways truncate long bodies; keep it one SMS.
	if len(message) > 155 {
		message = message[:152] + "..."
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	auth := smtp.PlainAuth("", n.cfg.Sender, n.cfg.Password, n.cfg.Host)
	body := strings.Join([]string{
		"From: " + n.cfg.Sender,
		"To: " + n.cfg.Recipient,
		"Subject: ",
		"",
		message,
	}, "\r\n")

	if err := n.send(addr, auth, n.cfg.Sender, []string{n.cfg.Recipient}, []byte(body)); err != nil {
		n.logger.Printf("SMS delivery failed: %v", err)
		return
	}
	n.logger.Printf("SMS sent: %s", message)
}

// TradeAttempt announces an entry order starting to work at its first price.
func (n *Notifier) TradeAttempt(tradeID string, putStrike, callStrike float64, shortExpiry, longExpiry string, price float64) {
	n.Send(fmt.Sprintf("Working %s: %gp/%gc %s/%s at %.2f", tradeID, putStrike, callStrike, shortExpiry, longExpiry, price))
}

// TradeOpened announces a filled entry.
func (n *Notifier) TradeOpened(tradeID string, putStrike, callStrike, debit float64) {
	n.Send(fmt.Sprintf("Opened %s: %gp/%gc for %.2f debit", tradeID, putStrike, callStrike, debit))
}

// TradeCancelled announces an entry that never filled.
func (n *Notifier) TradeCancelled(tradeID, reason string) {
	n.Send(fmt.Sprintf("Cancelled %s: %s", tradeID, reason))
}

// TradeClosed announces a finished trade with its realized P&L.
func (n *Notifier) TradeClosed(tradeID, reason string, realizedPnL float64) {
	n.Send(fmt.Sprintf("Closed %s (%s): P&L %+.2f", tradeID, reason, realizedPnL))
}

// ReconciliationAlert reports position discrepancies above the threshold.
func (n *Notifier) ReconciliationAlert(discrepancies int, summary string) {
	n.Send(fmt.Sprintf("Reconciliation found %d discrepancies: %s", discrepancies, summary))
}

// Error reports a failure that needs operator attention.
func (n *Notifier) Error(context string, err error) {
	n.Send(fmt.Sprintf("ERROR %s: %v", context, err))
}
