package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/asm"
	"github.com/ThiagoRGoveia/rla-audit/internal/audit"
	"github.com/ThiagoRGoveia/rla-audit/internal/config"
	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/filestore"
	"github.com/ThiagoRGoveia/rla-audit/internal/ingestion"
	"github.com/ThiagoRGoveia/rla-audit/internal/selection"
	"github.com/ThiagoRGoveia/rla-audit/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("could not load .env file", "error", err)
	}

	if err := run(logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var configPath, port, driver string
	flagSet := pflag.NewFlagSet("rla-api", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("RLA_CONFIG"), "path to a YAML config file")
	flagSet.StringVar(&port, "port", "", "port to listen on (overrides API_PORT)")
	flagSet.StringVar(&driver, "driver", "", "storage driver: postgres or sqlite (overrides STORAGE_DRIVER)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port != "" {
		cfg.APIPort = port
	}
	if driver != "" {
		cfg.StorageDriver = driver
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbManager, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer dbManager.Close()

	compression, err := filestore.ParseCompression(cfg.FileCompression)
	if err != nil {
		return err
	}
	store, err := filestore.New(cfg.FileStoreDir, compression, logger)
	if err != nil {
		return err
	}

	machines := asm.NewService(dbManager, logger)
	files := ingestion.NewFileProcessor(dbManager, machines, store, logger)
	imports := ingestion.NewIngestionService(dbManager, machines, store, ingestion.Setup{ResultsChannelSize: cfg.ResultsChannelSize}, cfg, logger)
	audits, err := audit.NewService(dbManager, machines, cfg.RiskLimit, cfg.Gamma, logger)
	if err != nil {
		return err
	}
	selector := selection.NewSelector(selection.NewStoreQueries(dbManager), logger)

	imports.Start(ctx)
	defer imports.Stop()

	router := server.SetupRoutes(server.NewAuditService(machines, files, imports, selector, audits, logger))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.APIPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.APIPort, "driver", cfg.StorageDriver)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
	}
	return nil
}
