package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kbfiles/internal/api"
	"kbfiles/internal/config"
	"kbfiles/internal/logging"
	"kbfiles/internal/middleware"
	"kbfiles/internal/safe"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath string
		reindex    bool
	)
	cmd := &cobra.Command{
		Use:          "kbfiles-server",
		Short:        "Central store for big files",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.ServerPath()
			}
			return serve(cmd.Context(), configPath, reindex)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "configuration file (default config/config.<KBF_ENV>.json)")
	cmd.Flags().BoolVar(&reindex, "reindex", false, "rebuild blob metadata from disk before serving")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, configPath string, reindex bool) error {
	cfg, err := config.Load(configPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	opts := badger.DefaultOptions(cfg.Database.Path)
	opts.Logger = nil // Disable logging noise
	db, err := badger.Open(opts)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return err
	}
	defer db.Close()

	blobs, err := safe.New(db, safe.Options{
		Root:      cfg.Store.Root,
		CacheSize: cfg.Store.CacheSize,
		Compress:  cfg.Store.Compression,
		Logger:    logger.Logger,
	})
	if err != nil {
		logger.Error("failed to initialize blob safe", zap.Error(err))
		return err
	}
	if reindex {
		if _, err := blobs.Reindex(); err != nil {
			logger.Error("failed to reindex blob safe", zap.Error(err))
			return err
		}
	}

	mux := http.NewServeMux()
	api.NewBlobHandler(blobs, logger).Routes(mux)

	handler := middleware.Chain(
		mux,
		middleware.Recover(logger),
		middleware.Logger(logger),
		middleware.RequestID,
	)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("address", srv.Addr),
			zap.String("store", cfg.Store.Root),
			zap.Bool("compression", cfg.Store.Compression))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
