package models

import "time"

// Event types carried on the realtime stream.
const (
	EventEmbeddingStatus = "embedding_status"
	EventPong            = "pong"
)

// Control message types sent by realtime clients.
const (
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
	ControlPing        = "ping"
)

// StatusEvent is pushed to realtime subscribers when an asset changes state.
type StatusEvent struct {
	Seq          int64       `json:"seq,omitempty"`
	Type         string      `json:"type"`
	Topic        string      `json:"topic,omitempty"`
	AssetID      string      `json:"assetId,omitempty"`
	UserID       string      `json:"userId,omitempty"`
	Status       StatusValue `json:"status,omitempty"`
	HasEmbedding bool        `json:"hasEmbedding,omitempty"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"createdAt,omitempty"`
}

// EmbeddingStatus extracts the status carried by the event.
func (e StatusEvent) EmbeddingStatus() EmbeddingStatus {
	return EmbeddingStatus{HasEmbedding: e.HasEmbedding, Status: e.Status, Error: e.Error}
}

// ControlMessage is sent by a realtime client to manage its subscriptions.
type ControlMessage struct {
	Type     string   `json:"type"`
	Topic    string   `json:"topic,omitempty"`
	AssetIDs []string `json:"assetIds,omitempty"`
}

// EventQueryOpts filters journal queries.
type EventQueryOpts struct {
	AfterSeq int64
	AssetID  string
	UserID   string
	Limit    int
}

// EventsConfig configures the status event journal.
type EventsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DBPath          string        `yaml:"db_path"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}
