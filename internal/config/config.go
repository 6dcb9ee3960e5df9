package config

import (
	"fmt"
	"time"
)

// Config holds all memcore configuration. Each component receives its own
// section at construction and accepts a replacement through Reload.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	VectorStore   VectorStoreConfig   `yaml:"vector_store"`
	Router        RouterConfig        `yaml:"router"`
	Fusion        FusionConfig        `yaml:"fusion"`
	Cache         CacheConfig         `yaml:"cache"`
	Quality       QualityConfig       `yaml:"quality"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Log           LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	Bind        string   `yaml:"bind" validate:"required"`
	Port        int      `yaml:"port" validate:"gte=1,lte=65535"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // resolved at runtime via store.DefaultDBPath() when empty
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider" validate:"oneof=auto ollama tfidf"`
	OllamaURL  string `yaml:"ollama_url" validate:"omitempty,url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions" validate:"gte=1"`
	TFIDFTerms int    `yaml:"tfidf_terms" validate:"gte=1"`
}

type VectorStoreConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=sqlite pgvector"`
	PostgresURL string `yaml:"postgres_url" validate:"required_if=Backend pgvector"`
}

// Weights is a dense/sparse weight pair.
type Weights struct {
	Dense  float64 `yaml:"dense" validate:"gte=0,lte=1"`
	Sparse float64 `yaml:"sparse" validate:"gte=0,lte=1"`
}

type RouterConfig struct {
	Hybrid     Weights `yaml:"hybrid"`
	Conceptual Weights `yaml:"conceptual"`
	ExactMatch Weights `yaml:"exact_match"`
}

type FusionConfig struct {
	FetchMultiplier int           `yaml:"fetch_multiplier" validate:"gte=1,lte=20"`
	GraphSeeds      int           `yaml:"graph_seeds" validate:"gte=0"`
	GraphMaxHops    int           `yaml:"graph_max_hops" validate:"gte=0,lte=5"`
	GraphMaxPerHop  int           `yaml:"graph_max_per_hop" validate:"gte=0"`
	GraphDecay      float64       `yaml:"graph_decay" validate:"gt=0,lt=1"`
	SourceTimeout   time.Duration `yaml:"source_timeout" validate:"gt=0"`
}

type CacheConfig struct {
	Enabled             bool          `yaml:"enabled"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" validate:"gt=0,lte=1"`
	TTL                 time.Duration `yaml:"ttl" validate:"gt=0"`
	MaxEntries          int           `yaml:"max_entries" validate:"gte=1"`
}

type QualityConfig struct {
	// Importance components. The weights sum to 1.
	PinBonus       float64            `yaml:"pin_bonus" validate:"gte=0,lte=1"`
	AccessWeight   float64            `yaml:"access_weight" validate:"gte=0,lte=1"`
	AccessK        float64            `yaml:"access_k" validate:"gt=0"`
	RelationWeight float64            `yaml:"relation_weight" validate:"gte=0,lte=1"`
	RelationK      float64            `yaml:"relation_k" validate:"gt=0"`
	RatingWeight   float64            `yaml:"rating_weight" validate:"gte=0,lte=1"`
	KindWeight     float64            `yaml:"kind_weight" validate:"gte=0,lte=1"`
	KindBase       map[string]float64 `yaml:"kind_base" validate:"dive,gte=0,lte=1"`

	// Quality components.
	CompletenessWeight  float64 `yaml:"completeness_weight" validate:"gte=0,lte=1"`
	QualityRatingWeight float64 `yaml:"quality_rating_weight" validate:"gte=0,lte=1"`
	PlaceholderPenalty  float64 `yaml:"placeholder_penalty" validate:"gte=0,lte=1"`
	MinContentLength    int     `yaml:"min_content_length" validate:"gte=0"`

	// Recency decay.
	HalfLife     time.Duration `yaml:"half_life" validate:"gt=0"`
	RecencyFloor float64       `yaml:"recency_floor" validate:"gte=0,lt=1"`

	SweepBatch int `yaml:"sweep_batch" validate:"gte=1"`
	MaxRetries int `yaml:"max_retries" validate:"gte=1"`
}

type LifecycleConfig struct {
	PromoteAccesses    int           `yaml:"promote_accesses" validate:"gte=1"`
	PromoteAge         time.Duration `yaml:"promote_age" validate:"gt=0"`
	ProceduralAccesses int           `yaml:"procedural_accesses" validate:"gte=1"`
	ReusableKinds      []string      `yaml:"reusable_kinds" validate:"dive,oneof=error decision pattern reference insight context"`
	ArchiveThreshold   float64       `yaml:"archive_threshold" validate:"gte=0,lte=1"`
	RelationK          float64       `yaml:"relation_k" validate:"gt=0"`
	MaxRetries         int           `yaml:"max_retries" validate:"gte=1"`
}

type ConsolidationConfig struct {
	MergeThreshold    float64 `yaml:"merge_threshold" validate:"gt=0,lte=1"`
	SupersedeMin      float64 `yaml:"supersede_min" validate:"gt=0,lte=1"`
	WithinDays        int     `yaml:"within_days" validate:"gte=0"`
	Clusterer         string  `yaml:"clusterer" validate:"oneof=average_linkage greedy"`
	ArchiveLowUtility bool    `yaml:"archive_low_utility"`
	MaxRecords        int     `yaml:"max_records" validate:"gte=2"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests" validate:"gte=1"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gt=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests"`
}

// JobsConfig holds background job intervals. A zero interval disables the
// schedule; the job can still be triggered on demand.
type JobsConfig struct {
	QualitySweep   time.Duration `yaml:"quality_sweep"`
	LifecycleSweep time.Duration `yaml:"lifecycle_sweep"`
	Consolidation  time.Duration `yaml:"consolidation"`
	EmbedMissing   time.Duration `yaml:"embed_missing"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Embedding: EmbeddingConfig{
			Provider:   "auto",
			OllamaURL:  "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			TFIDFTerms: 512,
		},
		VectorStore: VectorStoreConfig{
			Backend: "sqlite",
		},
		Router: RouterConfig{
			Hybrid:     Weights{Dense: 0.5, Sparse: 0.5},
			Conceptual: Weights{Dense: 0.7, Sparse: 0.3},
			ExactMatch: Weights{Dense: 0.3, Sparse: 0.7},
		},
		Fusion: FusionConfig{
			FetchMultiplier: 4,
			GraphSeeds:      5,
			GraphMaxHops:    2,
			GraphMaxPerHop:  10,
			GraphDecay:      0.6,
			SourceTimeout:   2 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:             true,
			SimilarityThreshold: 0.87,
			TTL:                 24 * time.Hour,
			MaxEntries:          1000,
		},
		Quality: QualityConfig{
			PinBonus:       0.2,
			AccessWeight:   0.3,
			AccessK:        5,
			RelationWeight: 0.15,
			RelationK:      3,
			RatingWeight:   0.15,
			KindWeight:     0.2,
			KindBase: map[string]float64{
				"decision":  1.0,
				"pattern":   0.9,
				"error":     0.8,
				"insight":   0.7,
				"reference": 0.6,
				"context":   0.4,
			},
			CompletenessWeight:  0.7,
			QualityRatingWeight: 0.3,
			PlaceholderPenalty:  0.3,
			MinContentLength:    20,
			HalfLife:            90 * 24 * time.Hour,
			RecencyFloor:        0.1,
			SweepBatch:          500,
			MaxRetries:          3,
		},
		Lifecycle: LifecycleConfig{
			PromoteAccesses:    3,
			PromoteAge:         24 * time.Hour,
			ProceduralAccesses: 5,
			ReusableKinds:      []string{"pattern", "decision"},
			ArchiveThreshold:   0.25,
			RelationK:          3,
			MaxRetries:         3,
		},
		Consolidation: ConsolidationConfig{
			MergeThreshold:    0.92,
			SupersedeMin:      0.85,
			Clusterer:         "average_linkage",
			ArchiveLowUtility: true,
			MaxRecords:        5000,
		},
		Breaker: BreakerConfig{
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.8,
			MinRequests:      5,
		},
		Jobs: JobsConfig{
			QualitySweep:   time.Hour,
			LifecycleSweep: time.Hour,
			Consolidation:  24 * time.Hour,
			EmbedMissing:   10 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
