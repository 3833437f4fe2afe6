package models

import "time"

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries       int64     `json:"entries"`
	Hits          int64     `json:"hits"`
	Misses        int64     `json:"misses"`
	TotalRequests int64     `json:"total_requests"`
	HitRate       float64   `json:"hit_rate"`
	Evictions     int64     `json:"evictions"`
	Collisions    int64     `json:"collisions"`
	LastReset     time.Time `json:"last_reset"`
}

// NamespaceStats reports the occupancy of one cache namespace.
type NamespaceStats struct {
	Namespace string        `json:"namespace"`
	Entries   int           `json:"entries"`
	Capacity  int           `json:"capacity"`
	TTL       time.Duration `json:"ttl"`
}
