package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ThiagoRGoveia/rla-audit/internal/asm"
	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/filestore"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/ThiagoRGoveia/rla-audit/internal/parser"
	"github.com/ThiagoRGoveia/rla-audit/pkg/checksum"
)

var (
	ErrUnknownFileKind   = errors.New("unknown file kind")
	ErrHashMismatch      = errors.New("submitted hash does not match the uploaded file")
	ErrFileNotImportable = errors.New("file cannot be imported")
)

// FileStore keeps uploaded file content.
type FileStore interface {
	Put(r io.Reader) (filestore.Object, error)
	Open(digest string) (io.ReadCloser, error)
}

// Processor defines the county file operations that run synchronously with the request.
type Processor interface {
	Upload(ctx context.Context, countyID int64, kind models.FileKind, filename, submittedHash string, r io.Reader) (models.UploadedFile, error)
	ImportManifest(ctx context.Context, countyID, fileID int64) (models.UploadedFile, error)
	DeleteFile(ctx context.Context, countyID int64, kind models.FileKind) error
	Dashboard(ctx context.Context, countyID int64) (models.CountyDashboard, error)
}

// fileEvents are the county events of one file sub-lifecycle.
type fileEvents struct {
	upload, interrupted, checkHash, verified, wrong, typeWrong, del asm.Event
}

var eventsByKind = map[models.FileKind]fileEvents{
	models.FileKindManifest: {
		upload:      asm.UploadBallotManifest,
		interrupted: asm.BallotManifestTransmissionInterrupted,
		checkHash:   asm.CheckBallotManifestHash,
		verified:    asm.BallotManifestHashVerified,
		wrong:       asm.BallotManifestHashWrong,
		typeWrong:   asm.BallotManifestFileTypeWrong,
		del:         asm.DeleteBallotManifest,
	},
	models.FileKindCVR: {
		upload:      asm.UploadCVRs,
		interrupted: asm.CVRTransmissionInterrupted,
		checkHash:   asm.CheckCVRHash,
		verified:    asm.CVRHashVerified,
		wrong:       asm.CVRHashWrong,
		typeWrong:   asm.CVRFileTypeWrong,
		del:         asm.DeleteCVRs,
	},
}

// FileProcessor handles uploads, the ballot manifest import and file deletion for a county.
type FileProcessor struct {
	dbManager database.DBManager
	machines  *asm.Service
	store     FileStore
	logger    *slog.Logger
}

func NewFileProcessor(dbManager database.DBManager, machines *asm.Service, store FileStore, logger *slog.Logger) *FileProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileProcessor{dbManager: dbManager, machines: machines, store: store, logger: logger}
}

// Upload stores the file, records it and drives the county through the upload and hash check
// events. A wrong hash or a file of the wrong kind is recorded and also returned as an error.
func (fp *FileProcessor) Upload(ctx context.Context, countyID int64, kind models.FileKind, filename, submittedHash string, r io.Reader) (models.UploadedFile, error) {
	events, ok := eventsByKind[kind]
	if !ok {
		return models.UploadedFile{}, fmt.Errorf("%w: %q", ErrUnknownFileKind, kind)
	}
	key := asm.CountyKey(countyID)

	obj, err := fp.store.Put(r)
	if err != nil {
		if _, _, applyErr := fp.machines.TryApply(ctx, asm.County, key, events.interrupted, nil); applyErr != nil {
			fp.logger.Error("failed to record interrupted transmission", "county", countyID, "error", applyErr)
		}
		return models.UploadedFile{}, &models.AppError{Message: "Transmission interrupted", Err: err}
	}
	records, err := fp.countRecords(obj.Digest, kind)
	if err != nil {
		return models.UploadedFile{}, err
	}

	file := models.UploadedFile{
		CountyID:               countyID,
		Kind:                   kind,
		Filename:               filename,
		Digest:                 obj.Digest,
		SubmittedHash:          submittedHash,
		Size:                   obj.Size,
		ApproximateRecordCount: records,
		Status:                 models.FileStatusUploaded,
	}
	_, err = fp.machines.Apply(ctx, asm.County, key, events.upload, func(ctx context.Context, tx database.Tx, _, _ asm.State) error {
		var err error
		file.ID, err = tx.InsertUploadedFile(ctx, file)
		return err
	})
	if err != nil {
		return models.UploadedFile{}, err
	}
	fp.logger.Info("file uploaded", "county", countyID, "file", file.ID, "kind", kind, "size", obj.Size, "gzipped", obj.Gzipped)

	if _, err := fp.machines.Apply(ctx, asm.County, key, events.checkHash, nil); err != nil {
		return file, err
	}

	file.ComputedHash = obj.SHA256
	verdict, status := events.verified, models.FileStatusHashVerified
	if !checksum.VerifySubmittedHash(submittedHash, obj.SHA256) {
		verdict, status = events.wrong, models.FileStatusHashWrong
		file.ErrorMessage = ErrHashMismatch.Error()
	}
	file.Status = status
	_, err = fp.machines.Apply(ctx, asm.County, key, verdict, func(ctx context.Context, tx database.Tx, _, _ asm.State) error {
		return tx.UpdateUploadedFile(ctx, file)
	})
	if err != nil {
		return file, err
	}
	if status == models.FileStatusHashWrong {
		fp.logger.Warn("upload hash mismatch", "county", countyID, "file", file.ID, "submitted", submittedHash, "computed", obj.SHA256)
		return file, ErrHashMismatch
	}

	detected, err := fp.detectKind(obj.Digest)
	if err != nil && !errors.Is(err, parser.ErrWrongFileType) {
		return file, err
	}
	if detected != kind {
		file.Status = models.FileStatusFailed
		file.ErrorMessage = fmt.Sprintf("%s: expected a %s file", parser.ErrWrongFileType, kind)
		_, err = fp.machines.Apply(ctx, asm.County, key, events.typeWrong, func(ctx context.Context, tx database.Tx, _, _ asm.State) error {
			return tx.UpdateUploadedFile(ctx, file)
		})
		if err != nil {
			return file, err
		}
		return file, fmt.Errorf("%w: expected a %s file", parser.ErrWrongFileType, kind)
	}
	return file, nil
}

func (fp *FileProcessor) detectKind(digest string) (models.FileKind, error) {
	rc, err := fp.store.Open(digest)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return parser.DetectKind(bufio.NewReader(rc))
}

// countRecords estimates the number of data lines in a stored file.
func (fp *FileProcessor) countRecords(digest string, kind models.FileKind) (int64, error) {
	rc, err := fp.store.Open(digest)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var lines int64
	var last byte = '\n'
	buf := make([]byte, 32*1024)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("reading stored file: %w", err)
		}
	}
	if last != '\n' {
		lines++
	}

	headerLines := int64(1)
	if kind == models.FileKindCVR {
		headerLines = 4
	}
	return max(lines-headerLines, 0), nil
}

// importableFile loads fileID and checks that countyID may import it as kind.
func importableFile(ctx context.Context, tx database.Tx, countyID, fileID int64, kind models.FileKind) (models.UploadedFile, error) {
	file, err := tx.UploadedFile(ctx, fileID)
	if err != nil {
		return file, err
	}
	switch {
	case file.CountyID != countyID:
		return file, fmt.Errorf("%w: file %d belongs to county %d", ErrFileNotImportable, fileID, file.CountyID)
	case file.Kind != kind:
		return file, fmt.Errorf("%w: file %d is a %s file, not %s", ErrFileNotImportable, fileID, file.Kind, kind)
	case file.Status != models.FileStatusHashVerified:
		return file, fmt.Errorf("%w: file %d is %s", ErrFileNotImportable, fileID, file.Status)
	}
	return file, nil
}

// ImportManifest parses the stored ballot manifest fileID and replaces the county's manifest.
func (fp *FileProcessor) ImportManifest(ctx context.Context, countyID, fileID int64) (models.UploadedFile, error) {
	var file models.UploadedFile
	err := fp.dbManager.WithTx(ctx, func(tx database.Tx) error {
		var err error
		file, err = importableFile(ctx, tx, countyID, fileID, models.FileKindManifest)
		return err
	})
	if err != nil {
		return file, err
	}

	entries, err := fp.parseManifest(file.Digest, countyID)
	if err != nil {
		appErr := &models.AppError{FileID: fileID, Message: "Failed to parse ballot manifest", Err: err}
		var rowErr *parser.RowError
		if errors.As(err, &rowErr) {
			appErr.RowNum = rowErr.Row
			appErr.RowContent = rowErr.Content
		}
		file.Status = models.FileStatusFailed
		file.ErrorMessage = appErr.Error()
		file.Result = models.ImportResult{ErrorMessage: appErr.Message, ErrorRowNum: appErr.RowNum, ErrorRowContent: appErr.RowContent}
		if updateErr := fp.dbManager.WithTx(ctx, func(tx database.Tx) error {
			return tx.UpdateUploadedFile(ctx, file)
		}); updateErr != nil {
			fp.logger.Error("failed to record manifest failure", "county", countyID, "file", fileID, "error", updateErr)
		}
		return file, appErr
	}

	var ballots int64
	for _, e := range entries {
		ballots += e.BatchSize
	}

	_, err = fp.machines.Apply(ctx, asm.County, asm.CountyKey(countyID), asm.ImportBallotManifest,
		func(ctx context.Context, tx database.Tx, _, _ asm.State) error {
			if _, err := tx.DeleteManifestEntries(ctx, countyID); err != nil {
				return err
			}
			if err := tx.InsertManifestEntries(ctx, entries); err != nil {
				return err
			}

			file.Status = models.FileStatusImported
			file.ApproximateRecordCount = int64(len(entries))
			file.Result = models.ImportResult{Success: true, ImportedCount: int64(len(entries))}
			if err := tx.UpdateUploadedFile(ctx, file); err != nil {
				return err
			}

			cdb, err := tx.CountyDashboard(ctx, countyID)
			if err != nil {
				return err
			}
			cdb.ManifestFileID = &fileID
			cdb.BallotsInManifest = ballots
			return tx.SaveCountyDashboard(ctx, cdb)
		})
	if err != nil {
		return file, err
	}

	fp.logger.Info("ballot manifest imported", "county", countyID, "file", fileID, "batches", len(entries), "ballots", ballots)
	return file, nil
}

func (fp *FileProcessor) parseManifest(digest string, countyID int64) ([]models.BallotManifestEntry, error) {
	rc, err := fp.store.Open(digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return parser.ParseManifest(rc, countyID)
}

// DeleteFile removes the county's imported data of kind and returns that file's sub-lifecycle to
// NOT_UPLOADED. Deleting both files leaves the county with no files.
func (fp *FileProcessor) DeleteFile(ctx context.Context, countyID int64, kind models.FileKind) error {
	events, ok := eventsByKind[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFileKind, kind)
	}

	_, err := fp.machines.Apply(ctx, asm.County, asm.CountyKey(countyID), events.del,
		func(ctx context.Context, tx database.Tx, _, _ asm.State) error {
			cdb, err := tx.CountyDashboard(ctx, countyID)
			if err != nil {
				return err
			}
			switch kind {
			case models.FileKindCVR:
				if _, err := tx.DeleteCVRs(ctx, countyID); err != nil {
					return err
				}
				if _, err := tx.DeleteContestResults(ctx, countyID); err != nil {
					return err
				}
				cdb.CVRFileID = nil
				cdb.CVRsImported = 0
				cdb.ImportStatus = models.ImportNotAttempted
				cdb.ImportError = ""
			case models.FileKindManifest:
				if _, err := tx.DeleteManifestEntries(ctx, countyID); err != nil {
					return err
				}
				cdb.ManifestFileID = nil
				cdb.BallotsInManifest = 0
			}
			return tx.SaveCountyDashboard(ctx, cdb)
		})
	if err != nil {
		return err
	}

	fp.logger.Info("county file deleted", "county", countyID, "kind", kind)
	return nil
}

// Dashboard returns the county's file and import bookkeeping.
func (fp *FileProcessor) Dashboard(ctx context.Context, countyID int64) (models.CountyDashboard, error) {
	var cdb models.CountyDashboard
	err := fp.dbManager.WithTx(ctx, func(tx database.Tx) error {
		var err error
		cdb, err = tx.CountyDashboard(ctx, countyID)
		return err
	})
	return cdb, err
}
