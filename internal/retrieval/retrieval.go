// Package retrieval defines the collaborator contracts consumed by ranking
// and temporal queries, plus adapters over the local store and pgvector.
package retrieval

import "context"

// Hit is one scored candidate from a retrieval source. Scores are raw and
// only comparable within a single source.
type Hit struct {
	ID    string
	Score float64
}

// Neighbor is a record reachable over relations from a start record.
type Neighbor struct {
	ID           string
	ParentID     string
	RelationType string
	Weight       float64
	Hop          int
}

// VectorSearcher is nearest-neighbor search over embeddings.
type VectorSearcher interface {
	VectorSearch(ctx context.Context, embedding []float64, k int) ([]Hit, error)
}

// VectorIndex is a VectorSearcher that also accepts writes.
type VectorIndex interface {
	VectorSearcher
	Upsert(ctx context.Context, id string, embedding []float64) error
}

// KeywordSearcher is term-overlap search.
type KeywordSearcher interface {
	KeywordSearch(ctx context.Context, terms []string, k int) ([]Hit, error)
}

// GraphSearcher walks relations outward from a record, up to hopLimit hops.
// Neighbors come back in breadth-first order.
type GraphSearcher interface {
	GraphNeighbors(ctx context.Context, id string, hopLimit int) ([]Neighbor, error)
}
