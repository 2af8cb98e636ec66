package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/asm"
	"github.com/ThiagoRGoveia/rla-audit/internal/config"
	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/filestore"
	"github.com/ThiagoRGoveia/rla-audit/internal/ingestion"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/ThiagoRGoveia/rla-audit/pkg/checksum"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type options struct {
	configPath string
	driver     string
	countyID   int64
	kind       string
	filePath   string
	hash       string
}

type report struct {
	County    int64                  `json:"county"`
	State     asm.State              `json:"state"`
	File      models.UploadedFile    `json:"file"`
	Dashboard models.CountyDashboard `json:"dashboard"`
	Elapsed   string                 `json:"elapsed"`
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("rla-import", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", os.Getenv("RLA_CONFIG"), "path to a YAML config file")
	flagSet.StringVar(&opts.driver, "driver", "", "storage driver: postgres or sqlite (overrides STORAGE_DRIVER)")
	flagSet.Int64Var(&opts.countyID, "county", 0, "county id")
	flagSet.StringVar(&opts.kind, "kind", "", "file kind: cvr or bmi")
	flagSet.StringVar(&opts.filePath, "file", "", "path of the file to upload")
	flagSet.StringVar(&opts.hash, "hash", "", "published SHA-256 of the file (computed from the file when empty)")
	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}

	switch {
	case opts.countyID < 1:
		return opts, fmt.Errorf("--county is required")
	case !models.FileKind(opts.kind).Valid():
		return opts, fmt.Errorf("--kind must be %q or %q", models.FileKindCVR, models.FileKindManifest)
	case opts.filePath == "":
		return opts, fmt.Errorf("--file is required")
	}
	return opts, nil
}

func setup(ctx context.Context, opts options, logger *slog.Logger) (*ingestion.FileProcessor, *ingestion.IngestionService, *asm.Service, func(), error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.driver != "" {
		cfg.StorageDriver = opts.driver
		if err := cfg.Validate(); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	dbManager, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	compression, err := filestore.ParseCompression(cfg.FileCompression)
	if err != nil {
		dbManager.Close()
		return nil, nil, nil, nil, err
	}
	store, err := filestore.New(cfg.FileStoreDir, compression, logger)
	if err != nil {
		dbManager.Close()
		return nil, nil, nil, nil, err
	}

	machines := asm.NewService(dbManager, logger)
	files := ingestion.NewFileProcessor(dbManager, machines, store, logger)
	imports := ingestion.NewIngestionService(dbManager, machines, store, ingestion.Setup{ResultsChannelSize: cfg.ResultsChannelSize}, cfg, logger)
	return files, imports, machines, dbManager.Close, nil
}

func execute(ctx context.Context, opts options, files *ingestion.FileProcessor, imports *ingestion.IngestionService, machines *asm.Service) (report, error) {
	started := time.Now()
	rep := report{County: opts.countyID}
	key := asm.CountyKey(opts.countyID)

	current, err := machines.Current(ctx, asm.County, key)
	if err != nil {
		return rep, err
	}
	if current == asm.CountyInitial {
		if _, err := machines.Apply(ctx, asm.County, key, asm.AuthenticateCountyAdministrator, nil); err != nil {
			return rep, err
		}
	}

	hash := opts.hash
	if hash == "" {
		if hash, err = checksum.GetFileChecksum(opts.filePath); err != nil {
			return rep, err
		}
	}

	f, err := os.Open(opts.filePath)
	if err != nil {
		return rep, fmt.Errorf("opening %s: %w", opts.filePath, err)
	}
	defer f.Close()

	kind := models.FileKind(opts.kind)
	rep.File, err = files.Upload(ctx, opts.countyID, kind, filepath.Base(opts.filePath), hash, f)
	if err == nil {
		if kind == models.FileKindManifest {
			rep.File, err = files.ImportManifest(ctx, opts.countyID, rep.File.ID)
		} else {
			err = imports.ImportNow(ctx, opts.countyID, rep.File.ID)
		}
	}

	// report whatever state the county reached, even after a failure
	rep.Elapsed = time.Since(started).String()
	if state, stateErr := machines.Current(ctx, asm.County, key); stateErr == nil {
		rep.State = state
	}
	if cdb, dashErr := files.Dashboard(ctx, opts.countyID); dashErr == nil {
		rep.Dashboard = cdb
	}
	return rep, err
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("could not load .env file", "error", err)
	}

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	ctx := context.Background()
	files, imports, machines, cleanup, err := setup(ctx, opts, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	logger.Info("starting import", "county", opts.countyID, "kind", opts.kind, "file", opts.filePath)
	rep, err := execute(ctx, opts, files, imports, machines)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(rep); encErr != nil {
		logger.Error("failed to print report", "error", encErr)
	}
	if err != nil {
		logger.Error("import failed", "county", opts.countyID, "error", err)
		cleanup()
		os.Exit(1)
	}
	logger.Info("import finished", "county", opts.countyID, "state", rep.State, "elapsed", rep.Elapsed)
}
