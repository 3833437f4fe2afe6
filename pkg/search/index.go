// Package search answers semantic meme searches from a vector index.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/memelib/memelib/pkg/models"
)

// VectorIndex stores asset embeddings and finds the nearest ones for a user.
type VectorIndex interface {
	Upsert(ctx context.Context, assetID, userID string, vector []float32) error
	Query(ctx context.Context, userID string, vector []float32, topK int) ([]models.SearchResult, error)
	Delete(ctx context.Context, assetIDs []string) error
}

// IndexConfig configures the Pinecone index connection.
type IndexConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Host      string `yaml:"host"`
	Namespace string `yaml:"namespace"`
}

// PineconeIndex is a VectorIndex backed by a Pinecone index.
type PineconeIndex struct {
	index *pinecone.IndexConnection
}

// NewPineconeIndex connects to the index at cfg.Host.
func NewPineconeIndex(cfg IndexConfig) (*PineconeIndex, error) {
	if cfg.APIKey == "" || cfg.Host == "" {
		return nil, fmt.Errorf("pinecone index: api_key and host are required")
	}
	pc, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create pinecone client: %w", err)
	}
	idx, err := pc.Index(pinecone.NewIndexConnParams{Host: cfg.Host, Namespace: cfg.Namespace})
	if err != nil {
		return nil, fmt.Errorf("connect pinecone index: %w", err)
	}
	return &PineconeIndex{index: idx}, nil
}

// Upsert stores the asset vector with its owner in metadata.
func (p *PineconeIndex) Upsert(ctx context.Context, assetID, userID string, vector []float32) error {
	meta, err := structpb.NewStruct(map[string]any{"user_id": userID})
	if err != nil {
		return fmt.Errorf("build metadata: %w", err)
	}
	_, err = p.index.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       assetID,
		Values:   vector,
		Metadata: &pinecone.Metadata{Fields: meta.Fields},
	}})
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

// Query returns the topK nearest assets owned by userID.
func (p *PineconeIndex) Query(ctx context.Context, userID string, vector []float32, topK int) ([]models.SearchResult, error) {
	filter, err := structpb.NewStruct(map[string]any{
		"user_id": map[string]any{"$eq": userID},
	})
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}

	resp, err := p.index.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:         vector,
		TopK:           uint32(topK),
		MetadataFilter: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}

	results := make([]models.SearchResult, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		results = append(results, models.SearchResult{AssetID: m.Vector.Id, Score: m.Score})
	}
	return results, nil
}

// Delete removes vectors by asset id.
func (p *PineconeIndex) Delete(ctx context.Context, assetIDs []string) error {
	if err := p.index.DeleteVectorsById(ctx, assetIDs); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return nil
}

// Close releases the index connection.
func (p *PineconeIndex) Close() error {
	return p.index.Close()
}

// MemoryIndex is an in-process VectorIndex using cosine similarity.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	userID string
	vector []float32
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]memoryEntry)}
}

// Upsert implements VectorIndex.
func (m *MemoryIndex) Upsert(_ context.Context, assetID, userID string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[assetID] = memoryEntry{userID: userID, vector: append([]float32(nil), vector...)}
	return nil
}

// Query implements VectorIndex.
func (m *MemoryIndex) Query(_ context.Context, userID string, vector []float32, topK int) ([]models.SearchResult, error) {
	m.mu.RLock()
	var results []models.SearchResult
	for id, e := range m.entries {
		if e.userID != userID {
			continue
		}
		results = append(results, models.SearchResult{AssetID: id, Score: cosine(vector, e.vector)})
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].AssetID < results[j].AssetID
		}
		return results[i].Score > results[j].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete implements VectorIndex.
func (m *MemoryIndex) Delete(_ context.Context, assetIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range assetIDs {
		delete(m.entries, id)
	}
	return nil
}

// Len returns the number of indexed vectors.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// NewIndex builds the index named by cfg.Provider; anything but "pinecone"
// gets a MemoryIndex.
func NewIndex(cfg IndexConfig) (VectorIndex, error) {
	if cfg.Provider == "pinecone" {
		return NewPineconeIndex(cfg)
	}
	return NewMemoryIndex(), nil
}
