// Package events defines the event types and payloads exchanged over the EventBus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Query events
	EventRulesDecoded EventType = "rules_decoded"
	EventQueryFailed  EventType = "query_failed"

	// Storage events
	EventSnapshotSaved EventType = "snapshot_saved"
	EventHistoryPruned EventType = "history_pruned"
	EventCacheFlushed  EventType = "cache_flushed"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event is a single message on the bus.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// ModSummary is a mod entry as carried in event payloads.
type ModSummary struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// RulesDecodedPayload is emitted after a server's rules reply was fetched and decoded.
type RulesDecodedPayload struct {
	Address   string        `json:"address"`
	RuleCount int           `json:"rule_count"`
	ModCount  int           `json:"mod_count"`
	Mods      []ModSummary  `json:"mods,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// QueryFailedPayload is emitted when a query or its decode failed.
type QueryFailedPayload struct {
	Address string `json:"address"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
}

// SnapshotSavedPayload is emitted after a snapshot was written to history.
type SnapshotSavedPayload struct {
	Address    string `json:"address"`
	SnapshotID int64  `json:"snapshot_id"`
}

// HistoryPrunedPayload reports how many snapshots were removed.
type HistoryPrunedPayload struct {
	Removed int64     `json:"removed"`
	Cutoff  time.Time `json:"cutoff"`
}

// CacheFlushedPayload names the address evicted by an operator.
type CacheFlushedPayload struct {
	Address string `json:"address"`
}

// ConfigChangedPayload names the configuration field that was updated.
type ConfigChangedPayload struct {
	Section string `json:"section"`
	Key     string `json:"key"`
}
