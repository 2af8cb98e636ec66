package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/asm"
	"github.com/ThiagoRGoveia/rla-audit/internal/config"
	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/filestore"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/ThiagoRGoveia/rla-audit/internal/parser"
	"github.com/ThiagoRGoveia/rla-audit/pkg/checksum"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cvrExport = `Municipal Election,5.2.16.1,,,,,,,
,,,,,,,Mayor (Vote For=1),Mayor (Vote For=1)
,,,,,,,Alice,Bob
CvrNumber,TabulatorNum,BatchId,RecordId,ImprintedId,PrecinctPortion,BallotType,Alice,Bob
1,1,A,1,1-A-1,Precinct 1,Ballot 1,1,0
2,1,A,2,1-A-2,Precinct 1,Ballot 1,0,1
3,1,B,1,1-B-1,Precinct 1,Ballot 1,1,0
`

const badCVRExport = `Municipal Election,5.2.16.1,,,,,,,
,,,,,,,Mayor (Vote For=1),Mayor (Vote For=1)
,,,,,,,Alice,Bob
CvrNumber,TabulatorNum,BatchId,RecordId,ImprintedId,PrecinctPortion,BallotType,Alice,Bob
1,1,A,1,1-A-1,Precinct 1,Ballot 1,1,0
2,1,A,two,1-A-2,Precinct 1,Ballot 1,0,1
`

const ballotManifest = `County,Tabulator,Batch,Number of Ballots,Storage Location
Adams,1,A,2,Bin 1
Adams,1,B,1,Bin 2
`

type testEnv struct {
	db       *database.SQLiteDBManager
	machines *asm.Service
	store    *filestore.Store
	files    *FileProcessor
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := database.OpenSQLite(filepath.Join(dir, "rla.db"), 4, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.CreateTables(context.Background()))

	store, err := filestore.New(filepath.Join(dir, "files"), filestore.CompressionZstd, nil)
	require.NoError(t, err)

	machines := asm.NewService(db, nil)
	return testEnv{db: db, machines: machines, store: store, files: NewFileProcessor(db, machines, store, nil)}
}

func testConfig() *config.Config {
	return &config.Config{
		NumImportWorkers:   2,
		ImportQueueSize:    4,
		ResultsChannelSize: 10,
		DBBatchSize:        2,
		CommitMaxAttempts:  5,
		CommitBaseDelay:    time.Millisecond,
		CommitMaxDelay:     5 * time.Millisecond,
		ImportLeaseTTL:     time.Minute,
	}
}

func sha256Of(t *testing.T, content string) string {
	t.Helper()
	sum, err := checksum.GetReaderChecksum(strings.NewReader(content))
	require.NoError(t, err)
	return sum
}

// uploadFile signs the county in when needed and uploads content with its correct hash.
func (env testEnv) uploadFile(t *testing.T, countyID int64, kind models.FileKind, content string) models.UploadedFile {
	t.Helper()
	ctx := context.Background()
	if current, err := env.machines.Current(ctx, asm.County, asm.CountyKey(countyID)); err == nil && current == asm.CountyInitial {
		_, err := env.machines.Apply(ctx, asm.County, asm.CountyKey(countyID), asm.AuthenticateCountyAdministrator, nil)
		require.NoError(t, err)
	}
	file, err := env.files.Upload(ctx, countyID, kind, string(kind)+".csv", sha256Of(t, content), strings.NewReader(content))
	require.NoError(t, err)
	return file
}

func (env testEnv) countyState(t *testing.T, countyID int64) asm.State {
	t.Helper()
	state, err := env.machines.Current(context.Background(), asm.County, asm.CountyKey(countyID))
	require.NoError(t, err)
	return state
}

func (env testEnv) uploadedFile(t *testing.T, id int64) models.UploadedFile {
	t.Helper()
	var file models.UploadedFile
	require.NoError(t, env.db.WithTx(context.Background(), func(tx database.Tx) error {
		var err error
		file, err = tx.UploadedFile(context.Background(), id)
		return err
	}))
	return file
}

func (env testEnv) dashboard(t *testing.T, countyID int64) models.CountyDashboard {
	t.Helper()
	var cdb models.CountyDashboard
	require.NoError(t, env.db.WithTx(context.Background(), func(tx database.Tx) error {
		var err error
		cdb, err = tx.CountyDashboard(context.Background(), countyID)
		return err
	}))
	return cdb
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestFileProcessor_Upload(t *testing.T) {
	ctx := context.Background()

	t.Run("should store a file and verify its hash", func(t *testing.T) {
		env := newTestEnv(t)

		file := env.uploadFile(t, 1, models.FileKindCVR, cvrExport)

		assert.NotZero(t, file.ID)
		assert.Equal(t, models.FileStatusHashVerified, file.Status)
		assert.Equal(t, int64(3), file.ApproximateRecordCount)
		assert.Equal(t, asm.CountyUploadState(asm.NotUploaded, asm.HashVerified), env.countyState(t, 1))

		stored := env.uploadedFile(t, file.ID)
		assert.Equal(t, models.FileStatusHashVerified, stored.Status)
		assert.Equal(t, sha256Of(t, cvrExport), stored.ComputedHash)
	})

	t.Run("should accept the submitted hash in any case", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.machines.Apply(ctx, asm.County, asm.CountyKey(1), asm.AuthenticateCountyAdministrator, nil)
		require.NoError(t, err)

		file, err := env.files.Upload(ctx, 1, models.FileKindManifest, "bmi.csv", strings.ToUpper(sha256Of(t, ballotManifest)), strings.NewReader(ballotManifest))

		require.NoError(t, err)
		assert.Equal(t, models.FileStatusHashVerified, file.Status)
		assert.Equal(t, int64(2), file.ApproximateRecordCount)
	})

	t.Run("should hash gzip uploads as they were sent", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.machines.Apply(ctx, asm.County, asm.CountyKey(1), asm.AuthenticateCountyAdministrator, nil)
		require.NoError(t, err)

		var compressed bytes.Buffer
		gz := gzip.NewWriter(&compressed)
		_, err = gz.Write([]byte(ballotManifest))
		require.NoError(t, err)
		require.NoError(t, gz.Close())

		file, err := env.files.Upload(ctx, 1, models.FileKindManifest, "bmi.csv.gz", sha256Of(t, compressed.String()), bytes.NewReader(compressed.Bytes()))

		require.NoError(t, err)
		assert.Equal(t, models.FileStatusHashVerified, file.Status)
		assert.Equal(t, int64(len(ballotManifest)), file.Size)
	})

	t.Run("should record a wrong hash and return it", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.machines.Apply(ctx, asm.County, asm.CountyKey(1), asm.AuthenticateCountyAdministrator, nil)
		require.NoError(t, err)

		file, err := env.files.Upload(ctx, 1, models.FileKindCVR, "cvr.csv", "deadbeef", strings.NewReader(cvrExport))

		assert.ErrorIs(t, err, ErrHashMismatch)
		assert.Equal(t, asm.CountyUploadState(asm.NotUploaded, asm.HashWrong), env.countyState(t, 1))
		assert.Equal(t, models.FileStatusHashWrong, env.uploadedFile(t, file.ID).Status)
	})

	t.Run("should reject a file of the wrong kind", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.machines.Apply(ctx, asm.County, asm.CountyKey(1), asm.AuthenticateCountyAdministrator, nil)
		require.NoError(t, err)

		file, err := env.files.Upload(ctx, 1, models.FileKindCVR, "cvr.csv", sha256Of(t, ballotManifest), strings.NewReader(ballotManifest))

		assert.ErrorIs(t, err, parser.ErrWrongFileType)
		assert.Equal(t, asm.CountyUploadState(asm.NotUploaded, asm.FileTypeWrong), env.countyState(t, 1))
		assert.Equal(t, models.FileStatusFailed, env.uploadedFile(t, file.ID).Status)
	})

	t.Run("should record an interrupted transmission", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.machines.Apply(ctx, asm.County, asm.CountyKey(1), asm.AuthenticateCountyAdministrator, nil)
		require.NoError(t, err)

		_, err = env.files.Upload(ctx, 1, models.FileKindManifest, "bmi.csv", "abc", io.MultiReader(strings.NewReader("County,"), failingReader{}))

		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, asm.CountyUploadState(asm.TransmissionInterrupted, asm.NotUploaded), env.countyState(t, 1))
	})

	t.Run("should refuse uploads before the county signs in", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.files.Upload(ctx, 1, models.FileKindCVR, "cvr.csv", sha256Of(t, cvrExport), strings.NewReader(cvrExport))

		assert.ErrorIs(t, err, asm.ErrIllegalTransition)
		assert.Equal(t, asm.CountyInitial, env.countyState(t, 1))
	})

	t.Run("should reject an unknown kind", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.files.Upload(ctx, 1, models.FileKind("pdf"), "x.pdf", "", strings.NewReader(""))

		assert.ErrorIs(t, err, ErrUnknownFileKind)
	})
}

func TestFileProcessor_ImportManifest(t *testing.T) {
	ctx := context.Background()

	t.Run("should import the manifest and count its ballots", func(t *testing.T) {
		env := newTestEnv(t)
		file := env.uploadFile(t, 1, models.FileKindManifest, ballotManifest)

		imported, err := env.files.ImportManifest(ctx, 1, file.ID)

		require.NoError(t, err)
		assert.Equal(t, models.FileStatusImported, imported.Status)
		assert.True(t, imported.Result.Success)
		assert.Equal(t, int64(2), imported.Result.ImportedCount)
		assert.Equal(t, asm.CountyUploadState(asm.DataParsed, asm.NotUploaded), env.countyState(t, 1))

		cdb := env.dashboard(t, 1)
		assert.Equal(t, int64(3), cdb.BallotsInManifest)
		require.NotNil(t, cdb.ManifestFileID)
		assert.Equal(t, file.ID, *cdb.ManifestFileID)

		require.NoError(t, env.db.WithTx(ctx, func(tx database.Tx) error {
			entry, err := tx.ManifestEntryHolding(ctx, 1, 3)
			require.NoError(t, err)
			assert.Equal(t, "B", entry.BatchID)
			return nil
		}))
	})

	t.Run("should record the failing row of a malformed manifest", func(t *testing.T) {
		env := newTestEnv(t)
		content := "County,Tabulator,Batch,Number of Ballots,Storage Location\nAdams,1,A,many,Bin 1\n"
		file := env.uploadFile(t, 1, models.FileKindManifest, content)

		_, err := env.files.ImportManifest(ctx, 1, file.ID)

		var appErr *models.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, int64(2), appErr.RowNum)

		stored := env.uploadedFile(t, file.ID)
		assert.Equal(t, models.FileStatusFailed, stored.Status)
		assert.Equal(t, int64(2), stored.Result.ErrorRowNum)
		assert.Equal(t, "Adams,1,A,many,Bin 1", stored.Result.ErrorRowContent)
		assert.Equal(t, asm.CountyUploadState(asm.HashVerified, asm.NotUploaded), env.countyState(t, 1))
	})

	t.Run("should refuse a file of another county", func(t *testing.T) {
		env := newTestEnv(t)
		file := env.uploadFile(t, 1, models.FileKindManifest, ballotManifest)
		env.uploadFile(t, 2, models.FileKindManifest, ballotManifest)

		_, err := env.files.ImportManifest(ctx, 2, file.ID)

		assert.ErrorIs(t, err, ErrFileNotImportable)
	})

	t.Run("should refuse a CVR file", func(t *testing.T) {
		env := newTestEnv(t)
		file := env.uploadFile(t, 1, models.FileKindCVR, cvrExport)

		_, err := env.files.ImportManifest(ctx, 1, file.ID)

		assert.ErrorIs(t, err, ErrFileNotImportable)
	})
}

func TestFileProcessor_DeleteFile(t *testing.T) {
	ctx := context.Background()

	t.Run("should delete the manifest and reset its count", func(t *testing.T) {
		env := newTestEnv(t)
		file := env.uploadFile(t, 1, models.FileKindManifest, ballotManifest)
		_, err := env.files.ImportManifest(ctx, 1, file.ID)
		require.NoError(t, err)

		require.NoError(t, env.files.DeleteFile(ctx, 1, models.FileKindManifest))

		assert.Equal(t, asm.CountyNoFiles, env.countyState(t, 1))
		cdb := env.dashboard(t, 1)
		assert.Zero(t, cdb.BallotsInManifest)
		assert.Nil(t, cdb.ManifestFileID)
		require.NoError(t, env.db.WithTx(ctx, func(tx database.Tx) error {
			_, err := tx.ManifestEntryHolding(ctx, 1, 1)
			assert.ErrorIs(t, err, database.ErrNotFound)
			return nil
		}))
	})

	t.Run("should delete imported CVRs and their results", func(t *testing.T) {
		env := newTestEnv(t)
		svc := NewIngestionService(env.db, env.machines, env.store, Setup{ResultsChannelSize: 10}, testConfig(), nil)
		file := env.uploadFile(t, 1, models.FileKindCVR, cvrExport)
		require.NoError(t, svc.ImportNow(ctx, 1, file.ID))

		require.NoError(t, env.files.DeleteFile(ctx, 1, models.FileKindCVR))

		assert.Equal(t, asm.CountyNoFiles, env.countyState(t, 1))
		cdb := env.dashboard(t, 1)
		assert.Zero(t, cdb.CVRsImported)
		assert.Nil(t, cdb.CVRFileID)
		assert.Equal(t, models.ImportNotAttempted, cdb.ImportStatus)
		require.NoError(t, env.db.WithTx(ctx, func(tx database.Tx) error {
			_, err := tx.CVRAtPosition(ctx, 1, 1, "A", 1)
			assert.ErrorIs(t, err, database.ErrNotFound)
			results, err := tx.CountyContestResults(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, results)
			return nil
		}))
	})

	t.Run("should refuse to delete a file never uploaded", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.machines.Apply(ctx, asm.County, asm.CountyKey(1), asm.AuthenticateCountyAdministrator, nil)
		require.NoError(t, err)

		err = env.files.DeleteFile(ctx, 1, models.FileKindCVR)

		assert.ErrorIs(t, err, asm.ErrIllegalTransition)
	})
}
