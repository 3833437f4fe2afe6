package models

import "time"

// Asset is an uploaded meme image and its embedding state.
type Asset struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	BlobURL   string          `json:"blobUrl"`
	Status    EmbeddingStatus `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StatusSummary counts assets per embedding state.
type StatusSummary struct {
	Status StatusValue `json:"status"`
	Count  int         `json:"count"`
}
