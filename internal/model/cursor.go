package model

import "time"

// EventType identifies the event stream a cursor tracks.
type EventType string

const (
	EventSwap     EventType = "swap"
	EventDeposit  EventType = "deposit"
	EventWithdraw EventType = "withdraw"
)

// CursorEventTypes lists the streams tracked per pool contract.
var CursorEventTypes = []EventType{EventSwap, EventDeposit, EventWithdraw}

// SyncCursor marks the last fully persisted position of an event stream.
type SyncCursor struct {
	Chain     string    `json:"chain"`
	Contract  string    `json:"contract"`
	EventType EventType `json:"event_type"`
	LastBlock uint64    `json:"last_block"`
	LogIndex  uint      `json:"log_index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Before reports whether c points strictly before other.
func (c SyncCursor) Before(other SyncCursor) bool {
	if c.LastBlock != other.LastBlock {
		return c.LastBlock < other.LastBlock
	}
	return c.LogIndex < other.LogIndex
}
