package main

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// shortID returns a truncated ID string, safely handling IDs shorter than 8 characters
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// newTradeID builds a readable trade identifier like SPX-20260817-1a2b3c4d.
func newTradeID(symbol string, entryAt time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return symbol + "-" + entryAt.Format("20060102") + "-" + shortID(suffix)
}
