package api

import "time"

// HistoryType identifies a run history entry.
type HistoryType string

const (
	HistoryRunEnqueued  HistoryType = "run.enqueued"
	HistoryRunStarted   HistoryType = "run.started"
	HistoryRunQueued    HistoryType = "run.queued_on_key"
	HistoryRunRetrying  HistoryType = "run.retrying"
	HistoryRunSucceeded HistoryType = "run.succeeded"
	HistoryRunFailed    HistoryType = "run.failed"
)

// HistoryEntry is a small append-only audit record of a run transition.
// Keep Detail short: error strings, delays or keys, never payloads.
type HistoryEntry struct {
	RunID     string
	At        time.Time
	Type      HistoryType
	HandlerID string
	Attempt   int
	Detail    string
}
