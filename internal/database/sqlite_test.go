package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/config"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SQLiteDBManager {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "rla.db"), 2, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.CreateTables(context.Background()))
	return db
}

func TestOpenSQLite(t *testing.T) {
	t.Run("should require a path", func(t *testing.T) {
		_, err := OpenSQLite("", 1, nil)
		assert.Error(t, err)
	})

	t.Run("should create tables idempotently", func(t *testing.T) {
		db := openTestDB(t)
		assert.NoError(t, db.CreateTables(context.Background()))
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("should open the sqlite store with its tables", func(t *testing.T) {
		cfg := &config.Config{
			StorageDriver:  config.DriverSQLite,
			SQLitePath:     filepath.Join(t.TempDir(), "rla.db"),
			SQLitePoolSize: 1,
		}

		db, err := Open(ctx, cfg, nil)
		require.NoError(t, err)
		defer db.Close()

		var cdb models.CountyDashboard
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			cdb, err = tx.CountyDashboard(ctx, 7)
			return err
		}))
		assert.Equal(t, models.NewCountyDashboard(7), cdb)
	})

	t.Run("should reject an unknown driver", func(t *testing.T) {
		_, err := Open(ctx, &config.Config{StorageDriver: "mysql"}, nil)

		assert.ErrorContains(t, err, "unknown storage driver")
	})
}

func TestSQLite_MachineState(t *testing.T) {
	ctx := context.Background()

	t.Run("should report missing machines as not found", func(t *testing.T) {
		db := openTestDB(t)

		err := db.WithTx(ctx, func(tx Tx) error {
			_, err := tx.MachineState(ctx, "county", "1")
			return err
		})

		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should insert then advance the version", func(t *testing.T) {
		db := openTestDB(t)

		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			return tx.SaveMachineState(ctx, models.MachineState{Machine: "county", Key: "1", State: "A"})
		}))
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			return tx.SaveMachineState(ctx, models.MachineState{Machine: "county", Key: "1", State: "B", Version: 1})
		}))

		var st models.MachineState
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			st, err = tx.MachineState(ctx, "county", "1")
			return err
		}))
		assert.Equal(t, "B", st.State)
		assert.Equal(t, int64(2), st.Version)
	})

	t.Run("should reject a stale version", func(t *testing.T) {
		db := openTestDB(t)
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			return tx.SaveMachineState(ctx, models.MachineState{Machine: "county", Key: "1", State: "A"})
		}))

		err := db.WithTx(ctx, func(tx Tx) error {
			return tx.SaveMachineState(ctx, models.MachineState{Machine: "county", Key: "1", State: "C", Version: 7})
		})

		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("should reject a second insert of the same machine", func(t *testing.T) {
		db := openTestDB(t)
		save := func(tx Tx) error {
			return tx.SaveMachineState(ctx, models.MachineState{Machine: "county", Key: "1", State: "A"})
		}
		require.NoError(t, db.WithTx(ctx, save))

		assert.ErrorIs(t, db.WithTx(ctx, save), ErrConflict)
	})

	t.Run("should roll back every write when the function fails", func(t *testing.T) {
		db := openTestDB(t)
		boom := errors.New("boom")

		err := db.WithTx(ctx, func(tx Tx) error {
			if err := tx.SaveMachineState(ctx, models.MachineState{Machine: "county", Key: "1", State: "A"}); err != nil {
				return err
			}
			return boom
		})

		assert.ErrorIs(t, err, boom)
		err = db.WithTx(ctx, func(tx Tx) error {
			_, err := tx.MachineState(ctx, "county", "1")
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLite_CountyDashboard(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	t.Run("should default a missing dashboard", func(t *testing.T) {
		var cdb models.CountyDashboard
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			cdb, err = tx.CountyDashboard(ctx, 3)
			return err
		}))
		assert.Equal(t, models.NewCountyDashboard(3), cdb)
	})

	t.Run("should round trip a saved dashboard", func(t *testing.T) {
		fileID := int64(12)
		saved := models.CountyDashboard{
			CountyID:          3,
			CVRFileID:         &fileID,
			BallotsInManifest: 18,
			CVRsImported:      17,
			ImportStatus:      models.ImportSuccessful,
		}

		var cdb models.CountyDashboard
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			if err := tx.SaveCountyDashboard(ctx, saved); err != nil {
				return err
			}
			var err error
			cdb, err = tx.CountyDashboard(ctx, 3)
			return err
		}))
		assert.Nil(t, cdb.ManifestFileID)
		require.NotNil(t, cdb.CVRFileID)
		assert.Equal(t, fileID, *cdb.CVRFileID)
		assert.Equal(t, int64(17), cdb.CVRsImported)
		assert.Equal(t, models.ImportSuccessful, cdb.ImportStatus)
	})
}

func TestSQLite_UploadedFile(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var id int64
	require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
		var err error
		id, err = tx.InsertUploadedFile(ctx, models.UploadedFile{
			CountyID:      1,
			Kind:          models.FileKindCVR,
			Filename:      "cvr.csv",
			Digest:        "d1",
			SubmittedHash: "abc",
			Size:          42,
			Status:        models.FileStatusUploaded,
		})
		return err
	}))

	t.Run("should update status and import result", func(t *testing.T) {
		var f models.UploadedFile
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			err := tx.UpdateUploadedFile(ctx, models.UploadedFile{
				ID:           id,
				ComputedHash: "abc",
				Status:       models.FileStatusFailed,
				Result:       models.ImportResult{ErrorMessage: "bad row", ErrorRowNum: 7, ErrorRowContent: "1,2"},
			})
			if err != nil {
				return err
			}
			f, err = tx.UploadedFile(ctx, id)
			return err
		}))

		assert.Equal(t, models.FileKindCVR, f.Kind)
		assert.Equal(t, "cvr.csv", f.Filename)
		assert.Equal(t, int64(42), f.Size)
		assert.Equal(t, models.FileStatusFailed, f.Status)
		assert.Equal(t, int64(7), f.Result.ErrorRowNum)
		assert.Equal(t, "1,2", f.Result.ErrorRowContent)
	})

	t.Run("should report unknown files", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx Tx) error {
			_, err := tx.UploadedFile(ctx, id+100)
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)

		err = db.WithTx(ctx, func(tx Tx) error {
			return tx.UpdateUploadedFile(ctx, models.UploadedFile{ID: id + 100})
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLite_ManifestAndCVRs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	entries := []models.BallotManifestEntry{
		{CountyID: 7, ScannerID: 1, BatchID: "A", BatchSize: 10, StorageLocation: "Bin 1", SequenceStart: 1, SequenceEnd: 10},
		{CountyID: 7, ScannerID: 2, BatchID: "B", BatchSize: 5, StorageLocation: "Bin 2", SequenceStart: 11, SequenceEnd: 15},
	}
	cvrs := []models.CastVoteRecord{
		{CountyID: 7, RecordType: models.RecordTypeUploaded, CVRNumber: 3, ScannerID: 1, BatchID: "A", RecordID: 3,
			ImprintedID: "1-A-3", BallotType: "Ballot 1", CheckSum: "c3",
			Contests: []models.ContestInfo{{ContestName: "Mayor", Choices: []string{"Alice"}}}},
		{CountyID: 7, RecordType: models.RecordTypeUploaded, CVRNumber: 12, ScannerID: 2, BatchID: "B", RecordID: 2,
			ImprintedID: "2-B-2", BallotType: "Ballot 2"},
	}
	require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertManifestEntries(ctx, entries); err != nil {
			return err
		}
		return tx.InsertCVRs(ctx, cvrs)
	}))

	t.Run("should find the entry holding a sequence number", func(t *testing.T) {
		var e models.BallotManifestEntry
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			e, err = tx.ManifestEntryHolding(ctx, 7, 13)
			return err
		}))
		assert.Equal(t, "B", e.BatchID)
		assert.Equal(t, "Bin 2", e.StorageLocation)
		assert.Equal(t, int64(3), e.PositionOf(13))
	})

	t.Run("should miss sequence numbers beyond the manifest", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx Tx) error {
			_, err := tx.ManifestEntryHolding(ctx, 7, 16)
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should locate a batch by scanner and batch id", func(t *testing.T) {
		var e models.BallotManifestEntry
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			e, err = tx.ManifestEntryLocating(ctx, 7, 1, "A")
			return err
		}))
		assert.Equal(t, int64(1), e.SequenceStart)
		assert.Equal(t, int64(10), e.SequenceEnd)
	})

	t.Run("should reject a duplicate batch", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx Tx) error {
			return tx.InsertManifestEntries(ctx, entries[:1])
		})
		assert.Error(t, err)
	})

	t.Run("should find the record at a manifest position", func(t *testing.T) {
		var cvr models.CastVoteRecord
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			cvr, err = tx.CVRAtPosition(ctx, 7, 1, "A", 3)
			return err
		}))
		assert.NotZero(t, cvr.ID)
		assert.Equal(t, int64(3), cvr.CVRNumber)
		assert.Equal(t, "c3", cvr.CheckSum)
		assert.Equal(t, cvrs[0].Contests, cvr.Contests)
		assert.Nil(t, cvr.SequenceNumber)
	})

	t.Run("should keep revisions in order and out of positional lookups", func(t *testing.T) {
		var (
			latest     models.CastVoteRecord
			positional models.CastVoteRecord
		)
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			cvr, err := tx.CVRAtPosition(ctx, 7, 1, "A", 3)
			if err != nil {
				return err
			}
			if _, err := tx.LatestRevision(ctx, cvr.ID); !errors.Is(err, ErrNotFound) {
				return errors.New("expected no revision yet")
			}
			for rev := int64(1); rev <= 2; rev++ {
				acvr := cvr
				acvr.RecordType = models.RecordTypeAuditorEntered
				acvr.Revision = rev
				acvr.AuditedCVRID = &cvr.ID
				acvr.TalliedContests = []string{"Mayor"}
				if _, err := tx.InsertRevision(ctx, acvr); err != nil {
					return err
				}
			}
			if latest, err = tx.LatestRevision(ctx, cvr.ID); err != nil {
				return err
			}
			positional, err = tx.CVRAtPosition(ctx, 7, 1, "A", 3)
			return err
		}))
		assert.Equal(t, int64(2), latest.Revision)
		assert.Equal(t, models.RecordTypeAuditorEntered, latest.RecordType)
		assert.Equal(t, []string{"Mayor"}, latest.TalliedContests)
		assert.Equal(t, models.RecordTypeUploaded, positional.RecordType)
		assert.Empty(t, positional.TalliedContests)
	})

	t.Run("should store a phantom record once per imprinted id", func(t *testing.T) {
		sequence := int64(15)
		phantom := models.CastVoteRecord{
			CountyID: 7, RecordType: models.RecordTypePhantomRecord, SequenceNumber: &sequence, ScannerID: 2,
			BatchID: "B", RecordID: 5, ImprintedID: "2-B-5", BallotType: models.PhantomBallotType,
		}
		var first, second models.CastVoteRecord
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			first, err = tx.SavePhantomRecord(ctx, phantom)
			return err
		}))
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			second, err = tx.SavePhantomRecord(ctx, phantom)
			return err
		}))

		assert.NotZero(t, first.ID)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, models.RecordTypePhantomRecord, first.RecordType)
		assert.Equal(t, "2-B-5", first.ImprintedID)
		require.NotNil(t, first.SequenceNumber)
		assert.Equal(t, int64(15), *first.SequenceNumber)
		err := db.WithTx(ctx, func(tx Tx) error {
			_, err := tx.CVRAtPosition(ctx, 7, 2, "B", 5)
			return err
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should delete a county's records", func(t *testing.T) {
		var n int64
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			n, err = tx.DeleteCVRs(ctx, 7)
			return err
		}))
		assert.Equal(t, int64(5), n)
	})
}

func TestSQLite_ContestResults(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
		if err := tx.ReplaceContestResults(ctx, 1, []models.ContestResult{
			{ContestName: "Mayor", VotesAllowed: 1, BallotCount: 10, ContestBallotCount: 9, Tallies: map[string]int64{"Alice": 6, "Bob": 3}},
			{ContestName: "Council", VotesAllowed: 2, BallotCount: 10, ContestBallotCount: 10, Tallies: map[string]int64{"Carol": 8}},
		}); err != nil {
			return err
		}
		return tx.ReplaceContestResults(ctx, 2, []models.ContestResult{
			{ContestName: "Mayor", VotesAllowed: 1, BallotCount: 5, ContestBallotCount: 5, Tallies: map[string]int64{"Alice": 1, "Bob": 4}},
		})
	}))

	t.Run("should return one row per county for a contest", func(t *testing.T) {
		var results []models.ContestResult
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			results, err = tx.ContestResults(ctx, "Mayor")
			return err
		}))
		require.Len(t, results, 2)
		agg := models.AggregateContestResults(results)
		assert.Equal(t, int64(15), agg.BallotCount)
		assert.Equal(t, map[string]int64{"Alice": 7, "Bob": 7}, agg.Tallies)
	})

	t.Run("should replace a county's results", func(t *testing.T) {
		var results []models.ContestResult
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			if err := tx.ReplaceContestResults(ctx, 1, nil); err != nil {
				return err
			}
			var err error
			results, err = tx.CountyContestResults(ctx, 1)
			return err
		}))
		assert.Empty(t, results)
	})
}

func TestSQLite_ContestAudit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var a models.ContestAudit
	require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.ContestAudit(ctx, "Mayor"); !errors.Is(err, ErrNotFound) {
			return errors.New("expected a missing contest audit")
		}
		err := tx.SaveContestAudit(ctx, models.ContestAudit{
			ContestName:   "Mayor",
			RiskLimit:     "0.05",
			Gamma:         "1.03905",
			AuditedCount:  4,
			Discrepancies: models.Discrepancies{OneOver: 1, TwoUnder: 2},
		})
		if err != nil {
			return err
		}
		a, err = tx.ContestAudit(ctx, "Mayor")
		return err
	}))

	assert.Equal(t, "0.05", a.RiskLimit)
	assert.Equal(t, int64(4), a.AuditedCount)
	assert.Equal(t, models.Discrepancies{OneOver: 1, TwoUnder: 2}, a.Discrepancies)
	assert.False(t, a.UpdatedAt.IsZero())
}

func TestSQLite_ImportLease(t *testing.T) {
	ctx := context.Background()

	acquire := func(t *testing.T, db *SQLiteDBManager, owner string, ttl time.Duration) bool {
		t.Helper()
		var ok bool
		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			var err error
			ok, err = tx.AcquireImportLease(ctx, 5, owner, ttl)
			return err
		}))
		return ok
	}

	t.Run("should grant the lease to one owner at a time", func(t *testing.T) {
		db := openTestDB(t)

		assert.True(t, acquire(t, db, "first", time.Minute))
		assert.False(t, acquire(t, db, "second", time.Minute))
	})

	t.Run("should grant the lease again after release", func(t *testing.T) {
		db := openTestDB(t)
		require.True(t, acquire(t, db, "first", time.Minute))

		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			return tx.ReleaseImportLease(ctx, 5, "first")
		}))

		assert.True(t, acquire(t, db, "second", time.Minute))
	})

	t.Run("should ignore releases by other owners", func(t *testing.T) {
		db := openTestDB(t)
		require.True(t, acquire(t, db, "first", time.Minute))

		require.NoError(t, db.WithTx(ctx, func(tx Tx) error {
			return tx.ReleaseImportLease(ctx, 5, "second")
		}))

		assert.False(t, acquire(t, db, "third", time.Minute))
	})

	t.Run("should let a new owner take an expired lease", func(t *testing.T) {
		db := openTestDB(t)
		require.True(t, acquire(t, db, "crashed", time.Millisecond))
		time.Sleep(5 * time.Millisecond)

		assert.True(t, acquire(t, db, "second", time.Minute))
	})
}
