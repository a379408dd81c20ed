package storage

import "errors"

// ErrTradeNotFound is returned when no trade exists for the given ID.
var ErrTradeNotFound = errors.New("trade not found")

// ErrSettingNotFound is returned when no setting exists for the given name.
var ErrSettingNotFound = errors.New("setting not found")

// ErrCommandNotFound is returned when no queued command has the given ID.
var ErrCommandNotFound = errors.New("command not found")
