package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/config"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent writer changed a row first. Callers may retry.
	ErrConflict = errors.New("write conflict")
)

// DBManager is the storage capability the audit workflow needs. Every read and write happens
// inside WithTx, which commits when fn returns nil and rolls back otherwise.
type DBManager interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	CreateTables(ctx context.Context) error
	Close()
}

// Tx exposes the queries available inside one atomic unit of work.
type Tx interface {
	MachineState(ctx context.Context, machine, key string) (models.MachineState, error)
	// SaveMachineState writes st if the stored version still equals st.Version. A zero version
	// inserts a new row. Either way a lost race returns ErrConflict.
	SaveMachineState(ctx context.Context, st models.MachineState) error

	CountyDashboard(ctx context.Context, countyID int64) (models.CountyDashboard, error)
	SaveCountyDashboard(ctx context.Context, cdb models.CountyDashboard) error

	InsertUploadedFile(ctx context.Context, f models.UploadedFile) (int64, error)
	UploadedFile(ctx context.Context, id int64) (models.UploadedFile, error)
	UpdateUploadedFile(ctx context.Context, f models.UploadedFile) error

	InsertManifestEntries(ctx context.Context, entries []models.BallotManifestEntry) error
	DeleteManifestEntries(ctx context.Context, countyID int64) (int64, error)
	ManifestEntryHolding(ctx context.Context, countyID, sequence int64) (models.BallotManifestEntry, error)
	ManifestEntryLocating(ctx context.Context, countyID int64, scannerID int, batchID string) (models.BallotManifestEntry, error)

	InsertCVRs(ctx context.Context, cvrs []models.CastVoteRecord) error
	DeleteCVRs(ctx context.Context, countyID int64) (int64, error)
	CVR(ctx context.Context, id int64) (models.CastVoteRecord, error)
	// CVRAtPosition returns the imported record at a physical position.
	CVRAtPosition(ctx context.Context, countyID int64, scannerID int, batchID string, recordID int64) (models.CastVoteRecord, error)
	// LatestRevision returns the newest auditor revision recorded against cvrID, or ErrNotFound.
	LatestRevision(ctx context.Context, cvrID int64) (models.CastVoteRecord, error)
	InsertRevision(ctx context.Context, acvr models.CastVoteRecord) (int64, error)
	// SavePhantomRecord stores phantom unless the county already has a phantom record with the same
	// imprinted id, and returns the stored row either way.
	SavePhantomRecord(ctx context.Context, phantom models.CastVoteRecord) (models.CastVoteRecord, error)

	ReplaceContestResults(ctx context.Context, countyID int64, results []models.ContestResult) error
	DeleteContestResults(ctx context.Context, countyID int64) (int64, error)
	ContestResults(ctx context.Context, contestName string) ([]models.ContestResult, error)
	CountyContestResults(ctx context.Context, countyID int64) ([]models.ContestResult, error)

	ContestAudit(ctx context.Context, contestName string) (models.ContestAudit, error)
	SaveContestAudit(ctx context.Context, audit models.ContestAudit) error

	// AcquireImportLease claims the county for owner until now+ttl. It returns false when another
	// owner holds an unexpired lease.
	AcquireImportLease(ctx context.Context, countyID int64, owner string, ttl time.Duration) (bool, error)
	ReleaseImportLease(ctx context.Context, countyID int64, owner string) error
}

// Open connects to the store selected by cfg.StorageDriver and creates its tables.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (DBManager, error) {
	var dbManager DBManager
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := ConnectDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dbManager = NewPostgresDBManager(pool, logger)
	case config.DriverSQLite:
		m, err := OpenSQLite(cfg.SQLitePath, cfg.SQLitePoolSize, logger)
		if err != nil {
			return nil, err
		}
		dbManager = m
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	if err := dbManager.CreateTables(ctx); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return dbManager, nil
}
