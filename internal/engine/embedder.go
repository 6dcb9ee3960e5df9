package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/embedding"
	"github.com/lazypower/memcore/internal/store"
)

// NewEmbedder selects the embedding provider. "auto" uses Ollama when it
// answers a probe and falls back to a TF-IDF model built from the stored
// records otherwise.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingConfig, db *store.DB, logger *zap.Logger) (embedding.Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "ollama":
		return embedding.NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dimensions), nil
	case "tfidf":
		return tfidfFromStore(ctx, cfg, db)
	}

	ollama := embedding.NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dimensions)
	err := ollama.Probe(ctx)
	if err == nil {
		logger.Info("embedder selected", zap.String("provider", "ollama"), zap.String("model", cfg.Model))
		return ollama, nil
	}
	logger.Debug("ollama probe failed", zap.Error(err))
	emb, err := tfidfFromStore(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	logger.Info("embedder selected", zap.String("provider", "tfidf"), zap.Int("dimensions", emb.Dimensions()))
	return emb, nil
}

func tfidfFromStore(ctx context.Context, cfg config.EmbeddingConfig, db *store.DB) (embedding.Embedder, error) {
	recs, err := db.ListRecords(ctx, store.ListFilter{ExcludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("list records for tfidf: %w", err)
	}
	docs := make([]string, 0, len(recs))
	for _, r := range recs {
		docs = append(docs, r.Content)
	}
	return embedding.NewTFIDFEmbedder(docs, cfg.TFIDFTerms), nil
}
