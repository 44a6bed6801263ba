package domain

import "time"

// QueuedItem is a user-submitted message or command deferred while a batch
// run (or an earlier item) is in flight. Items are immutable after enqueue
// and consumed strictly FIFO.
type QueuedItem struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	TabID        string         `json:"tab_id"`
	Type         QueuedItemType `json:"type"`
	Text         string         `json:"text"`
	Images       []string       `json:"images,omitempty"`
	ReadOnlyMode bool           `json:"read_only_mode,omitempty"`
}
