package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and background jobs",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	if path := watchedConfigPath(); path != "" {
		w, err := config.NewWatcher(path, rt.cfg, logger.Named("config"))
		if err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			defer w.Close()
			w.OnChange(func(cfg config.Config) {
				if dbPath != "" {
					cfg.Database.Path = dbPath
				}
				rt.engine.Reload(cfg)
			})
		}
	}

	rt.engine.Start(ctx)
	defer rt.engine.Stop()

	srv := server.New(rt.engine, VersionString(),
		server.WithLogger(logger.Named("http")),
		server.WithCORS(rt.cfg.Server.CORSOrigins))
	httpServer := &http.Server{
		Addr:              rt.cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("memcore serving",
			zap.String("addr", httpServer.Addr),
			zap.String("db", rt.db.Path),
			zap.String("version", VersionString()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// watchedConfigPath is the config file to watch for changes, or "" when no
// file exists.
func watchedConfigPath() string {
	path := configPath
	if path == "" {
		path = os.Getenv("MEMCORE_CONFIG")
	}
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return ""
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
