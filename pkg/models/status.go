package models

// StatusValue is the embedding lifecycle state of an asset.
type StatusValue string

const (
	StatusPending    StatusValue = "pending"
	StatusProcessing StatusValue = "processing"
	StatusReady      StatusValue = "ready"
	StatusFailed     StatusValue = "failed"
)

// Valid reports whether s is one of the known states.
func (s StatusValue) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether polling can stop for this state.
func (s StatusValue) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// EmbeddingStatus is the embedding state of one asset.
type EmbeddingStatus struct {
	HasEmbedding bool        `json:"hasEmbedding"`
	Status       StatusValue `json:"status"`
	Error        string      `json:"error,omitempty"`
	RetryCount   int         `json:"retryCount,omitempty"`
}

// Changed reports whether other differs from s in a way subscribers care about.
func (s EmbeddingStatus) Changed(other EmbeddingStatus) bool {
	return s.Status != other.Status || s.HasEmbedding != other.HasEmbedding
}

// StatusBatchRequest is the body of a batched status lookup.
type StatusBatchRequest struct {
	AssetIDs []string `json:"assetIds"`
}

// StatusBatchResponse maps asset ids to their current status. Unknown ids are omitted.
type StatusBatchResponse struct {
	Statuses map[string]EmbeddingStatus `json:"statuses"`
}

// RetryRequest asks the server to re-run embedding for an asset.
type RetryRequest struct {
	AssetID string `json:"assetId"`
}

// StatusUpdate is posted by the embedding worker when an asset changes state.
// A ready update may carry the image embedding so it can be indexed.
type StatusUpdate struct {
	Status       StatusValue `json:"status"`
	HasEmbedding bool        `json:"hasEmbedding"`
	Error        string      `json:"error,omitempty"`
	Embedding    []float32   `json:"embedding,omitempty"`
}
