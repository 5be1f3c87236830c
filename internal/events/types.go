package events

import (
	"reversal-core/internal/journal"
	"reversal-core/pkg/db"
)

// Event enumerates in-process topics.
type Event string

const (
	EventBuyFilled  Event = "buy_filled"
	EventSellFilled Event = "sell_filled"
	EventScannerLog Event = "scanner_log"
)

// TopicFor maps an outbox event kind to its bus topic.
func TopicFor(kind string) (Event, bool) {
	switch kind {
	case db.EventBuyFilled:
		return EventBuyFilled, true
	case db.EventSellFilled:
		return EventSellFilled, true
	default:
		return "", false
	}
}

// ScannerLog is the payload of EventScannerLog.
type ScannerLog struct {
	Scanner string        `json:"scanner"`
	Entry   journal.Entry `json:"entry"`
}
