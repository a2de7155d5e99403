package domain

import "time"

// Event kinds published on the signal channel.
const (
	EventContentChanged = "content.changed"
	EventScanFinished   = "scan.finished"
	EventIndexUpdated   = "index.updated"
)

// Event is a notification published after a state change, fanned out to
// realtime subscribers.
type Event struct {
	Kind       string         `json:"kind"`
	ObjectType string         `json:"objectType,omitempty"`
	ObjectID   uint           `json:"objectID,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
