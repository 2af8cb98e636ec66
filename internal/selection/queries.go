package selection

import (
	"context"
	"errors"

	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
)

// Queries is the storage capability ballot selection needs. The bool results report whether a
// matching row exists. SavePhantomRecord is the only write: it gives each phantom a stable row an
// audit board can report against.
type Queries interface {
	ManifestEntryHolding(ctx context.Context, countyID, sequence int64) (models.BallotManifestEntry, bool, error)
	ManifestEntryLocating(ctx context.Context, countyID int64, scannerID int, batchID string) (models.BallotManifestEntry, bool, error)
	CVRAtPosition(ctx context.Context, countyID int64, scannerID int, batchID string, recordID int64) (models.CastVoteRecord, bool, error)
	HasRevision(ctx context.Context, cvrID int64) (bool, error)
	SavePhantomRecord(ctx context.Context, phantom models.CastVoteRecord) (models.CastVoteRecord, error)
}

// StoreQueries answers Queries from a database.DBManager, one transaction per call.
type StoreQueries struct {
	dbManager database.DBManager
}

func NewStoreQueries(dbManager database.DBManager) *StoreQueries {
	return &StoreQueries{dbManager: dbManager}
}

func (q *StoreQueries) ManifestEntryHolding(ctx context.Context, countyID, sequence int64) (entry models.BallotManifestEntry, found bool, err error) {
	err = q.dbManager.WithTx(ctx, func(tx database.Tx) error {
		entry, found, err = optional(tx.ManifestEntryHolding(ctx, countyID, sequence))
		return err
	})
	return entry, found, err
}

func (q *StoreQueries) ManifestEntryLocating(ctx context.Context, countyID int64, scannerID int, batchID string) (entry models.BallotManifestEntry, found bool, err error) {
	err = q.dbManager.WithTx(ctx, func(tx database.Tx) error {
		entry, found, err = optional(tx.ManifestEntryLocating(ctx, countyID, scannerID, batchID))
		return err
	})
	return entry, found, err
}

func (q *StoreQueries) CVRAtPosition(ctx context.Context, countyID int64, scannerID int, batchID string, recordID int64) (cvr models.CastVoteRecord, found bool, err error) {
	err = q.dbManager.WithTx(ctx, func(tx database.Tx) error {
		cvr, found, err = optional(tx.CVRAtPosition(ctx, countyID, scannerID, batchID, recordID))
		return err
	})
	return cvr, found, err
}

func (q *StoreQueries) HasRevision(ctx context.Context, cvrID int64) (found bool, err error) {
	err = q.dbManager.WithTx(ctx, func(tx database.Tx) error {
		_, found, err = optional(tx.LatestRevision(ctx, cvrID))
		return err
	})
	return found, err
}

func (q *StoreQueries) SavePhantomRecord(ctx context.Context, phantom models.CastVoteRecord) (stored models.CastVoteRecord, err error) {
	err = q.dbManager.WithTx(ctx, func(tx database.Tx) error {
		stored, err = tx.SavePhantomRecord(ctx, phantom)
		return err
	})
	return stored, err
}

func optional[T any](v T, err error) (T, bool, error) {
	if errors.Is(err, database.ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}
