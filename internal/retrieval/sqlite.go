package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/lazypower/memcore/internal/embedding"
	"github.com/lazypower/memcore/internal/store"
)

// SQLiteVectors is brute-force cosine search over the vectors table. Only
// vectors stored under Model are compared; an empty Model compares all.
type SQLiteVectors struct {
	DB    *store.DB
	Model string
}

func (s *SQLiteVectors) VectorSearch(ctx context.Context, query []float64, k int) ([]Hit, error) {
	vectors, err := s.DB.AllVectors(ctx, s.Model)
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}

	hits := make([]Hit, 0, len(vectors))
	for _, v := range vectors {
		if len(v.Embedding) != len(query) {
			continue
		}
		hits = append(hits, Hit{ID: v.RecordID, Score: embedding.CosineSimilarity(query, v.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *SQLiteVectors) Upsert(ctx context.Context, id string, vec []float64) error {
	return s.DB.SaveVector(ctx, id, vec, s.Model)
}

// FTSKeywords is BM25 keyword search over the records_fts index.
type FTSKeywords struct {
	DB *store.DB
}

func (f *FTSKeywords) KeywordSearch(ctx context.Context, terms []string, k int) ([]Hit, error) {
	found, err := f.DB.KeywordSearch(ctx, terms, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(found))
	for i, h := range found {
		hits[i] = Hit{ID: h.RecordID, Score: h.Score}
	}
	return hits, nil
}

// StoreGraph walks the relations table, treating edges as undirected.
type StoreGraph struct {
	DB *store.DB
}

func (g *StoreGraph) GraphNeighbors(ctx context.Context, id string, hopLimit int) ([]Neighbor, error) {
	if hopLimit <= 0 {
		return nil, nil
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []Neighbor

	for hop := 1; hop <= hopLimit && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		edges, err := g.DB.Edges(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("graph hop %d: %w", hop, err)
		}

		inFrontier := make(map[string]bool, len(frontier))
		for _, f := range frontier {
			inFrontier[f] = true
		}

		var next []string
		for _, e := range edges {
			parent, other := e.SourceID, e.TargetID
			if !inFrontier[parent] {
				parent, other = e.TargetID, e.SourceID
			}
			if visited[other] {
				continue
			}
			visited[other] = true
			out = append(out, Neighbor{ID: other, ParentID: parent, RelationType: e.Type, Weight: e.Weight, Hop: hop})
			next = append(next, other)
		}
		frontier = next
	}
	return out, nil
}
