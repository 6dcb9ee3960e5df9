package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath returns the default config file path: ~/.memcore/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".memcore", "config.yaml"), nil
}

// Load builds a Config from defaults, then the YAML file at path, then
// environment overrides, and validates the result. An empty path falls back
// to MEMCORE_CONFIG and then DefaultPath; a missing default file is not an
// error, a missing explicit file is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("MEMCORE_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MEMCORE_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MEMCORE_PG_URL"); v != "" {
		cfg.VectorStore.Backend = "pgvector"
		cfg.VectorStore.PostgresURL = v
	}
	if v := os.Getenv("MEMCORE_OLLAMA_URL"); v != "" {
		cfg.Embedding.OllamaURL = v
	}
	if v := os.Getenv("MEMCORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MEMCORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules the struct
// tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Consolidation.SupersedeMin >= c.Consolidation.MergeThreshold {
		return fmt.Errorf("invalid config: consolidation.supersede_min (%.2f) must be below merge_threshold (%.2f)",
			c.Consolidation.SupersedeMin, c.Consolidation.MergeThreshold)
	}
	for name, w := range map[string]Weights{
		"hybrid":      c.Router.Hybrid,
		"conceptual":  c.Router.Conceptual,
		"exact_match": c.Router.ExactMatch,
	} {
		if w.Dense+w.Sparse <= 0 {
			return fmt.Errorf("invalid config: router.%s weights must not both be zero", name)
		}
	}
	return nil
}
