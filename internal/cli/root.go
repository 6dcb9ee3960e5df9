package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/engine"
	"github.com/lazypower/memcore/internal/observability"
	"github.com/lazypower/memcore/internal/retrieval"
	"github.com/lazypower/memcore/internal/store"
)

var (
	configPath string
	dbPath     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "memcore",
	Short: "Memory retrieval and maintenance for AI agents",
	Long: "memcore stores agent memories in SQLite and serves intent-routed hybrid search " +
		"with caching, quality scoring, lifecycle promotion, consolidation and temporal queries.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $MEMCORE_CONFIG or ~/.memcore/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(lifecycleCmd)
	rootCmd.AddCommand(qualityCmd)
	rootCmd.AddCommand(temporalCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cacheCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

func openDB(cfg config.Config) (*store.DB, error) {
	path := cfg.Database.Path
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// runtime is an opened database with an engine over it.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	db     *store.DB
	engine *engine.Engine
	pg     *retrieval.PGVector
}

func (rt *runtime) Close() {
	if rt.pg != nil {
		rt.pg.Close()
	}
	rt.db.Close()
	rt.logger.Sync()
}

// openRuntime loads config, opens the database and builds the engine. A
// pgvector backend that cannot be reached falls back to local vectors.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, db: db}

	emb, err := engine.NewEmbedder(ctx, cfg.Embedding, db, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	deps := engine.Deps{Logger: logger, Embedder: emb}
	if cfg.VectorStore.Backend == "pgvector" {
		pg, err := retrieval.NewPGVector(ctx, cfg.VectorStore.PostgresURL, emb.Dimensions(), logger.Named("pgvector"))
		if err == nil {
			err = pg.Init(ctx)
			if err != nil {
				pg.Close()
			}
		}
		if err != nil {
			logger.Warn("pgvector unavailable, using local vectors", zap.Error(err))
		} else {
			rt.pg = pg
			deps.Vectors = pg
		}
	}

	eng, err := engine.New(cfg, db, deps)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = eng
	return rt, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
