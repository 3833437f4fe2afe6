package models

// SearchResult is a single semantic search hit.
type SearchResult struct {
	AssetID string  `json:"assetId"`
	Score   float32 `json:"score"`
	BlobURL string  `json:"blobUrl,omitempty"`
}

// SearchResponse is returned by the search endpoint.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Cached  bool           `json:"cached"`
}
