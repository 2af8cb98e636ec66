package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ThiagoRGoveia/rla-audit/internal/config"
	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/filestore"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	fmt.Println("Starting storage setup...")

	if err := godotenv.Load(); err != nil {
		logger.Warn("could not load .env file", "error", err)
	}

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Creating %s tables...\n", cfg.StorageDriver)
	dbManager, err := database.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("storage setup failed", "error", err)
		os.Exit(1)
	}
	dbManager.Close()
	fmt.Println("Tables created successfully.")

	compression, err := filestore.ParseCompression(cfg.FileCompression)
	if err != nil {
		logger.Error("invalid file compression", "error", err)
		os.Exit(1)
	}
	if _, err := filestore.New(cfg.FileStoreDir, compression, logger); err != nil {
		logger.Error("file store setup failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("File store ready at %s.\n", cfg.FileStoreDir)

	fmt.Println("Storage setup finished successfully.")
}
