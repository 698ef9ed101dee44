// Package events defines the typed events the orchestrator emits and the
// bus and websocket hub that carry them to subscribers and UI clients.
package events

import "time"

// EventType identifies a kind of event.
type EventType string

const (
	TickCompleted    EventType = "tick_completed"
	RunStarted       EventType = "run_started"
	RunCompleted     EventType = "run_completed"
	CoverageAdvanced EventType = "coverage_advanced"
	SymbolTracked    EventType = "symbol_tracked"
	BackupCompleted  EventType = "backup_completed"
)

// EventData is the interface all event payloads implement. It ties each
// payload type to its event type at compile time.
type EventData interface {
	EventType() EventType
}

// Event is the envelope published on the bus and broadcast to websocket
// clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// TickCompletedData contains data for TickCompleted events
type TickCompletedData struct {
	DefsScanned       int     `json:"defs_scanned"`
	SlicesEnqueued    int     `json:"slices_enqueued"`
	WorkersDispatched int     `json:"workers_dispatched"`
	DurationMS        float64 `json:"duration_ms"`
}

// EventType returns the event type for TickCompletedData
func (d *TickCompletedData) EventType() EventType {
	return TickCompleted
}

// RunStartedData contains data for RunStarted events
type RunStartedData struct {
	RunID     string `json:"run_id"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Kind      string `json:"kind"`
	Attempt   int    `json:"attempt"`
}

// EventType returns the event type for RunStartedData
func (d *RunStartedData) EventType() EventType {
	return RunStarted
}

// RunCompletedData contains data for RunCompleted events
type RunCompletedData struct {
	RunID       string `json:"run_id"`
	Symbol      string `json:"symbol"`
	Timeframe   string `json:"timeframe"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	RowsWritten int    `json:"rows_written"`
	Provider    string `json:"provider,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// EventType returns the event type for RunCompletedData
func (d *RunCompletedData) EventType() EventType {
	return RunCompleted
}

// CoverageAdvancedData contains data for CoverageAdvanced events
type CoverageAdvancedData struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	FromTS    time.Time `json:"from_ts"`
	ToTS      time.Time `json:"to_ts"`
}

// EventType returns the event type for CoverageAdvancedData
func (d *CoverageAdvancedData) EventType() EventType {
	return CoverageAdvanced
}

// SymbolTrackedData contains data for SymbolTracked events
type SymbolTrackedData struct {
	Symbol   string `json:"symbol"`
	Source   string `json:"source"`
	Priority int    `json:"priority"`
}

// EventType returns the event type for SymbolTrackedData
func (d *SymbolTrackedData) EventType() EventType {
	return SymbolTracked
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Path       string  `json:"path"`
	SizeBytes  int64   `json:"size_bytes"`
	SHA256     string  `json:"sha256"`
	Uploaded   bool    `json:"uploaded"`
	DurationMS float64 `json:"duration_ms"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}
