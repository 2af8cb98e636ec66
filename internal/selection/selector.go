// Package selection turns random draws into the physical ballots an audit board must retrieve.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
)

// ErrMissingBallotManifest is wrapped by every MissingBallotManifestError.
var ErrMissingBallotManifest = errors.New("missing ballot manifest entry")

// MissingBallotManifestError reports a selected record whose batch is absent from the manifest.
type MissingBallotManifestError struct {
	CountyID  int64
	ScannerID int
	BatchID   string
	CVRNumber int64
}

func (e *MissingBallotManifestError) Error() string {
	return fmt.Sprintf("county %d: no ballot manifest entry for scanner %d batch %s (cvr %d)",
		e.CountyID, e.ScannerID, e.BatchID, e.CVRNumber)
}

func (e *MissingBallotManifestError) Unwrap() error {
	return ErrMissingBallotManifest
}

// Index resolves county-wide sequence numbers against the ballot manifest.
type Index struct {
	queries Queries
}

func NewIndex(queries Queries) *Index {
	return &Index{queries: queries}
}

// Lookup returns the manifest entry whose range holds draw. It reports false for gaps and for
// draws beyond the last range.
func (i *Index) Lookup(ctx context.Context, countyID, draw int64) (models.BallotManifestEntry, bool, error) {
	if draw < 1 {
		return models.BallotManifestEntry{}, false, nil
	}
	entry, found, err := i.queries.ManifestEntryHolding(ctx, countyID, draw)
	if err != nil {
		return entry, false, fmt.Errorf("looking up draw %d in county %d: %w", draw, countyID, err)
	}
	if found && !entry.Contains(draw) {
		return entry, false, nil
	}
	return entry, found, nil
}

type Selector struct {
	index   *Index
	queries Queries
	logger  *slog.Logger
}

func NewSelector(queries Queries, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{index: NewIndex(queries), queries: queries, logger: logger}
}

// SelectBallots resolves each draw to the record at its manifest position, in draw order. A draw
// with no manifest entry, or with no imported record at its position, yields a stored phantom
// record.
func (s *Selector) SelectBallots(ctx context.Context, countyID int64, draws []int64) ([]models.CastVoteRecord, error) {
	selected := make([]models.CastVoteRecord, 0, len(draws))
	for _, draw := range draws {
		entry, found, err := s.index.Lookup(ctx, countyID, draw)
		if err != nil {
			return nil, err
		}
		if !found {
			s.logger.Warn("draw is outside the ballot manifest, using a phantom record", "county", countyID, "draw", draw)
			stored, err := s.queries.SavePhantomRecord(ctx, unmanifestedPhantom(countyID, draw))
			if err != nil {
				return nil, fmt.Errorf("storing phantom record for draw %d: %w", draw, err)
			}
			selected = append(selected, stored)
			continue
		}

		position := entry.PositionOf(draw)
		cvr, found, err := s.queries.CVRAtPosition(ctx, countyID, entry.ScannerID, entry.BatchID, position)
		if err != nil {
			return nil, fmt.Errorf("loading record at %d-%s-%d: %w", entry.ScannerID, entry.BatchID, position, err)
		}
		if !found {
			s.logger.Warn("no imported record at manifest position, using a phantom record",
				"county", countyID, "draw", draw, "scanner", entry.ScannerID, "batch", entry.BatchID, "position", position)
			stored, err := s.queries.SavePhantomRecord(ctx, phantom(entry, draw))
			if err != nil {
				return nil, fmt.Errorf("storing phantom record for draw %d: %w", draw, err)
			}
			selected = append(selected, stored)
			continue
		}
		selected = append(selected, cvr)
	}
	return selected, nil
}

// JoinToManifest pairs each selected record with its storage location. A non-phantom record whose
// batch is absent from the manifest is an error.
func (s *Selector) JoinToManifest(ctx context.Context, cvrs []models.CastVoteRecord) ([]models.AuditResponse, error) {
	responses := make([]models.AuditResponse, 0, len(cvrs))
	for i := range cvrs {
		cvr := &cvrs[i]
		entry, found, err := s.queries.ManifestEntryLocating(ctx, cvr.CountyID, cvr.ScannerID, cvr.BatchID)
		if err != nil {
			return nil, fmt.Errorf("locating cvr %d: %w", cvr.CVRNumber, err)
		}
		if !found && !cvr.RecordType.IsSystemGenerated() {
			return nil, &MissingBallotManifestError{
				CountyID:  cvr.CountyID,
				ScannerID: cvr.ScannerID,
				BatchID:   cvr.BatchID,
				CVRNumber: cvr.CVRNumber,
			}
		}

		audited := false
		if cvr.ID > 0 {
			if audited, err = s.queries.HasRevision(ctx, cvr.ID); err != nil {
				return nil, fmt.Errorf("checking revisions of cvr %d: %w", cvr.CVRNumber, err)
			}
		}

		responses = append(responses, models.AuditResponse{
			AuditSequence:   i + 1,
			DBID:            cvr.ID,
			RecordType:      cvr.RecordType,
			ScannerID:       cvr.ScannerID,
			BatchID:         cvr.BatchID,
			RecordID:        cvr.RecordID,
			ImprintedID:     cvr.ImprintedID,
			CVRNumber:       cvr.CVRNumber,
			BallotType:      cvr.BallotType,
			StorageLocation: entry.StorageLocation,
			Contests:        cvr.Contests,
			Audited:         audited,
		})
	}
	return responses, nil
}

// BallotsToAudit selects the ballots for draws and joins them to the manifest.
func (s *Selector) BallotsToAudit(ctx context.Context, countyID int64, draws []int64) ([]models.AuditResponse, error) {
	cvrs, err := s.SelectBallots(ctx, countyID, draws)
	if err != nil {
		return nil, err
	}
	return s.JoinToManifest(ctx, cvrs)
}

func phantom(entry models.BallotManifestEntry, draw int64) models.CastVoteRecord {
	position := entry.PositionOf(draw)
	sequence := draw
	return models.CastVoteRecord{
		CountyID:       entry.CountyID,
		RecordType:     models.RecordTypePhantomRecord,
		SequenceNumber: &sequence,
		ScannerID:      entry.ScannerID,
		BatchID:        entry.BatchID,
		RecordID:       position,
		ImprintedID:    models.ImprintedIDFor(entry.ScannerID, entry.BatchID, position),
		BallotType:     models.PhantomBallotType,
	}
}

func unmanifestedPhantom(countyID, draw int64) models.CastVoteRecord {
	sequence := draw
	return models.CastVoteRecord{
		CountyID:       countyID,
		RecordType:     models.RecordTypePhantomRecord,
		SequenceNumber: &sequence,
		RecordID:       draw,
		ImprintedID:    fmt.Sprintf("unmanifested-%d", draw),
		BallotType:     models.PhantomBallotType,
	}
}
