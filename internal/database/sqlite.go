package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLiteDBManager stores audit data in a single SQLite file. Write transactions are
// IMMEDIATE, so SQLite serializes them and version checks only fail across transactions.
type SQLiteDBManager struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

func OpenSQLite(path string, poolSize int, logger *slog.Logger) (*SQLiteDBManager, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}

	logger.Info("sqlite pool opened", "path", path, "pool_size", poolSize)
	return &SQLiteDBManager{pool: pool, logger: logger, path: path}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (m *SQLiteDBManager) Close() {
	if err := m.pool.Close(); err != nil {
		m.logger.Error("sqlite pool close error", "path", m.path, "error", err)
	}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS machine_states (
	machine TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	state TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (machine, entity_key)
);
CREATE TABLE IF NOT EXISTS county_dashboards (
	county_id INTEGER PRIMARY KEY,
	manifest_file_id INTEGER,
	cvr_file_id INTEGER,
	ballots_in_manifest INTEGER NOT NULL DEFAULT 0,
	cvrs_imported INTEGER NOT NULL DEFAULT 0,
	import_status TEXT NOT NULL,
	import_error TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS uploaded_files (
	id INTEGER PRIMARY KEY,
	county_id INTEGER NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('cvr', 'bmi')),
	filename TEXT NOT NULL,
	digest TEXT NOT NULL,
	submitted_hash TEXT NOT NULL,
	computed_hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	approximate_record_count INTEGER NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	result TEXT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ballot_manifest_entries (
	id INTEGER PRIMARY KEY,
	county_id INTEGER NOT NULL,
	scanner_id INTEGER NOT NULL,
	batch_id TEXT NOT NULL,
	batch_size INTEGER NOT NULL,
	storage_location TEXT NOT NULL,
	sequence_start INTEGER NOT NULL,
	sequence_end INTEGER NOT NULL,
	UNIQUE (county_id, scanner_id, batch_id)
);
CREATE INDEX IF NOT EXISTS idx_manifest_sequence ON ballot_manifest_entries (county_id, sequence_start, sequence_end);
CREATE TABLE IF NOT EXISTS cast_vote_records (
	id INTEGER PRIMARY KEY,
	county_id INTEGER NOT NULL,
	record_type TEXT NOT NULL,
	cvr_number INTEGER NOT NULL,
	sequence_number INTEGER,
	scanner_id INTEGER NOT NULL,
	batch_id TEXT NOT NULL,
	record_id INTEGER NOT NULL,
	imprinted_id TEXT NOT NULL,
	ballot_type TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	audited_cvr_id INTEGER,
	reaudit INTEGER NOT NULL DEFAULT 0,
	contests BLOB,
	checksum TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	tallied_contests BLOB
);
CREATE INDEX IF NOT EXISTS idx_cvr_position ON cast_vote_records (county_id, scanner_id, batch_id, record_id) WHERE record_type = 'UPLOADED';
CREATE INDEX IF NOT EXISTS idx_cvr_audited ON cast_vote_records (audited_cvr_id, revision);
CREATE UNIQUE INDEX IF NOT EXISTS idx_cvr_phantom ON cast_vote_records (county_id, imprinted_id) WHERE record_type = 'PHANTOM_RECORD';
CREATE TABLE IF NOT EXISTS county_contest_results (
	county_id INTEGER NOT NULL,
	contest_name TEXT NOT NULL,
	votes_allowed INTEGER NOT NULL,
	ballot_count INTEGER NOT NULL,
	contest_ballot_count INTEGER NOT NULL,
	tallies BLOB NOT NULL,
	PRIMARY KEY (county_id, contest_name)
);
CREATE TABLE IF NOT EXISTS contest_audits (
	contest_name TEXT PRIMARY KEY,
	risk_limit TEXT NOT NULL,
	gamma TEXT NOT NULL,
	audited_count INTEGER NOT NULL,
	two_under INTEGER NOT NULL,
	one_under INTEGER NOT NULL,
	one_over INTEGER NOT NULL,
	two_over INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS import_leases (
	county_id INTEGER PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

func (m *SQLiteDBManager) CreateTables(ctx context.Context) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("error taking connection: %w", err)
	}
	defer m.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("error creating tables: %w", err)
	}
	return nil
}

func (m *SQLiteDBManager) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	conn, err := m.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("error taking connection: %w", err)
	}
	defer m.pool.Put(conn)

	return classifySQLiteError(runSQLiteTx(conn, fn))
}

func runSQLiteTx(conn *sqlite.Conn, fn func(tx Tx) error) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(&sqliteTx{conn: conn})
}

func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

type sqliteTx struct {
	conn *sqlite.Conn
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBlob(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

func columnNullableInt(stmt *sqlite.Stmt, col int) *int64 {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	v := stmt.ColumnInt64(col)
	return &v
}

func (t *sqliteTx) exec(query string, args ...any) (int64, error) {
	if err := sqlitex.Execute(t.conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, err
	}
	return int64(t.conn.Changes()), nil
}

// queryOne runs query and calls read for the first row. It returns ErrNotFound when no row matches.
func (t *sqliteTx) queryOne(query string, args []any, read func(stmt *sqlite.Stmt) error) error {
	found := false
	err := sqlitex.Execute(t.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if found {
				return nil
			}
			found = true
			return read(stmt)
		},
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) MachineState(ctx context.Context, machine, key string) (models.MachineState, error) {
	st := models.MachineState{Machine: machine, Key: key}
	err := t.queryOne(
		`SELECT state, version, updated_at FROM machine_states WHERE machine = ? AND entity_key = ?`,
		[]any{machine, key},
		func(stmt *sqlite.Stmt) error {
			st.State = stmt.ColumnText(0)
			st.Version = stmt.ColumnInt64(1)
			st.UpdatedAt = fromUnixNanos(stmt.ColumnInt64(2))
			return nil
		})
	if err != nil && err != ErrNotFound {
		return st, fmt.Errorf("error reading machine state: %w", err)
	}
	return st, err
}

func (t *sqliteTx) SaveMachineState(ctx context.Context, st models.MachineState) error {
	var (
		changed int64
		err     error
	)
	if st.Version == 0 {
		changed, err = t.exec(
			`INSERT INTO machine_states (machine, entity_key, state, version, updated_at)
			VALUES (?, ?, ?, 1, ?) ON CONFLICT (machine, entity_key) DO NOTHING`,
			st.Machine, st.Key, st.State, unixNanos(st.UpdatedAt))
	} else {
		changed, err = t.exec(
			`UPDATE machine_states SET state = ?, version = version + 1, updated_at = ?
			WHERE machine = ? AND entity_key = ? AND version = ?`,
			st.State, unixNanos(st.UpdatedAt), st.Machine, st.Key, st.Version)
	}
	if err != nil {
		return fmt.Errorf("error saving machine state: %w", err)
	}
	if changed == 0 {
		return fmt.Errorf("%w: %s %s changed since version %d", ErrConflict, st.Machine, st.Key, st.Version)
	}
	return nil
}

func (t *sqliteTx) CountyDashboard(ctx context.Context, countyID int64) (models.CountyDashboard, error) {
	cdb := models.NewCountyDashboard(countyID)
	err := t.queryOne(
		`SELECT manifest_file_id, cvr_file_id, ballots_in_manifest, cvrs_imported, import_status, import_error, updated_at
		FROM county_dashboards WHERE county_id = ?`,
		[]any{countyID},
		func(stmt *sqlite.Stmt) error {
			cdb.ManifestFileID = columnNullableInt(stmt, 0)
			cdb.CVRFileID = columnNullableInt(stmt, 1)
			cdb.BallotsInManifest = stmt.ColumnInt64(2)
			cdb.CVRsImported = stmt.ColumnInt64(3)
			cdb.ImportStatus = models.ImportStatus(stmt.ColumnText(4))
			cdb.ImportError = stmt.ColumnText(5)
			cdb.UpdatedAt = fromUnixNanos(stmt.ColumnInt64(6))
			return nil
		})
	if err == ErrNotFound {
		return cdb, nil
	}
	if err != nil {
		return cdb, fmt.Errorf("error reading county dashboard: %w", err)
	}
	return cdb, nil
}

func (t *sqliteTx) SaveCountyDashboard(ctx context.Context, cdb models.CountyDashboard) error {
	_, err := t.exec(
		`INSERT INTO county_dashboards (county_id, manifest_file_id, cvr_file_id, ballots_in_manifest, cvrs_imported, import_status, import_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (county_id) DO UPDATE SET
			manifest_file_id = excluded.manifest_file_id,
			cvr_file_id = excluded.cvr_file_id,
			ballots_in_manifest = excluded.ballots_in_manifest,
			cvrs_imported = excluded.cvrs_imported,
			import_status = excluded.import_status,
			import_error = excluded.import_error,
			updated_at = excluded.updated_at`,
		cdb.CountyID, nullableInt(cdb.ManifestFileID), nullableInt(cdb.CVRFileID), cdb.BallotsInManifest, cdb.CVRsImported,
		string(cdb.ImportStatus), cdb.ImportError, unixNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("error saving county dashboard: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertUploadedFile(ctx context.Context, f models.UploadedFile) (int64, error) {
	result, err := encodeResult(f.Result)
	if err != nil {
		return 0, err
	}
	_, err = t.exec(
		`INSERT INTO uploaded_files (county_id, kind, filename, digest, submitted_hash, computed_hash, size,
			approximate_record_count, status, error_message, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.CountyID, string(f.Kind), f.Filename, f.Digest, f.SubmittedHash, f.ComputedHash, f.Size,
		f.ApproximateRecordCount, string(f.Status), f.ErrorMessage, string(result), unixNanos(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("error inserting uploaded file: %w", err)
	}
	return t.conn.LastInsertRowID(), nil
}

func (t *sqliteTx) UploadedFile(ctx context.Context, id int64) (models.UploadedFile, error) {
	f := models.UploadedFile{ID: id}
	var result string
	err := t.queryOne(
		`SELECT county_id, kind, filename, digest, submitted_hash, computed_hash, size, approximate_record_count,
			status, error_message, result, created_at
		FROM uploaded_files WHERE id = ?`,
		[]any{id},
		func(stmt *sqlite.Stmt) error {
			f.CountyID = stmt.ColumnInt64(0)
			f.Kind = models.FileKind(stmt.ColumnText(1))
			f.Filename = stmt.ColumnText(2)
			f.Digest = stmt.ColumnText(3)
			f.SubmittedHash = stmt.ColumnText(4)
			f.ComputedHash = stmt.ColumnText(5)
			f.Size = stmt.ColumnInt64(6)
			f.ApproximateRecordCount = stmt.ColumnInt64(7)
			f.Status = models.FileStatus(stmt.ColumnText(8))
			f.ErrorMessage = stmt.ColumnText(9)
			result = stmt.ColumnText(10)
			f.CreatedAt = fromUnixNanos(stmt.ColumnInt64(11))
			return nil
		})
	if err == ErrNotFound {
		return f, fmt.Errorf("uploaded file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return f, fmt.Errorf("error reading uploaded file: %w", err)
	}
	f.Result, err = decodeResult([]byte(result))
	return f, err
}

func (t *sqliteTx) UpdateUploadedFile(ctx context.Context, f models.UploadedFile) error {
	result, err := encodeResult(f.Result)
	if err != nil {
		return err
	}
	changed, err := t.exec(
		`UPDATE uploaded_files SET computed_hash = ?, approximate_record_count = ?, status = ?,
			error_message = ?, result = ?
		WHERE id = ?`,
		f.ComputedHash, f.ApproximateRecordCount, string(f.Status), f.ErrorMessage, string(result), f.ID)
	if err != nil {
		return fmt.Errorf("error updating uploaded file: %w", err)
	}
	if changed == 0 {
		return fmt.Errorf("uploaded file %d: %w", f.ID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) InsertManifestEntries(ctx context.Context, entries []models.BallotManifestEntry) error {
	for _, e := range entries {
		_, err := t.exec(
			`INSERT INTO ballot_manifest_entries (county_id, scanner_id, batch_id, batch_size, storage_location, sequence_start, sequence_end)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.CountyID, e.ScannerID, e.BatchID, e.BatchSize, e.StorageLocation, e.SequenceStart, e.SequenceEnd)
		if err != nil {
			return fmt.Errorf("error inserting manifest entry %d/%s: %w", e.ScannerID, e.BatchID, err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteManifestEntries(ctx context.Context, countyID int64) (int64, error) {
	n, err := t.exec(`DELETE FROM ballot_manifest_entries WHERE county_id = ?`, countyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting manifest entries: %w", err)
	}
	return n, nil
}

func readManifestEntry(e *models.BallotManifestEntry) func(stmt *sqlite.Stmt) error {
	return func(stmt *sqlite.Stmt) error {
		e.ID = stmt.ColumnInt64(0)
		e.CountyID = stmt.ColumnInt64(1)
		e.ScannerID = stmt.ColumnInt(2)
		e.BatchID = stmt.ColumnText(3)
		e.BatchSize = stmt.ColumnInt64(4)
		e.StorageLocation = stmt.ColumnText(5)
		e.SequenceStart = stmt.ColumnInt64(6)
		e.SequenceEnd = stmt.ColumnInt64(7)
		return nil
	}
}

func (t *sqliteTx) ManifestEntryHolding(ctx context.Context, countyID, sequence int64) (models.BallotManifestEntry, error) {
	var e models.BallotManifestEntry
	err := t.queryOne(
		`SELECT `+manifestColumns+` FROM ballot_manifest_entries
		WHERE county_id = ? AND sequence_start <= ? AND sequence_end >= ?
		ORDER BY sequence_start LIMIT 1`,
		[]any{countyID, sequence, sequence}, readManifestEntry(&e))
	if err != nil && err != ErrNotFound {
		return e, fmt.Errorf("error reading manifest entry: %w", err)
	}
	return e, err
}

func (t *sqliteTx) ManifestEntryLocating(ctx context.Context, countyID int64, scannerID int, batchID string) (models.BallotManifestEntry, error) {
	var e models.BallotManifestEntry
	err := t.queryOne(
		`SELECT `+manifestColumns+` FROM ballot_manifest_entries
		WHERE county_id = ? AND scanner_id = ? AND batch_id = ?`,
		[]any{countyID, scannerID, batchID}, readManifestEntry(&e))
	if err != nil && err != ErrNotFound {
		return e, fmt.Errorf("error reading manifest entry: %w", err)
	}
	return e, err
}

func (t *sqliteTx) insertCVR(c models.CastVoteRecord) error {
	contests, err := encodeContests(c.Contests)
	if err != nil {
		return err
	}
	tallied, err := encodeNames(c.TalliedContests)
	if err != nil {
		return err
	}
	_, err = t.exec(
		`INSERT INTO cast_vote_records (county_id, record_type, cvr_number, sequence_number, scanner_id, batch_id,
			record_id, imprinted_id, ballot_type, revision, audited_cvr_id, reaudit, contests, checksum, created_at,
			tallied_contests)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CountyID, string(c.RecordType), c.CVRNumber, nullableInt(c.SequenceNumber), c.ScannerID, c.BatchID,
		c.RecordID, c.ImprintedID, c.BallotType, c.Revision, nullableInt(c.AuditedCVRID), boolInt(c.ReAudit),
		nullableBlob(contests), c.CheckSum, unixNanos(c.Timestamp), nullableBlob(tallied))
	return err
}

func (t *sqliteTx) InsertCVRs(ctx context.Context, cvrs []models.CastVoteRecord) error {
	for _, c := range cvrs {
		if err := t.insertCVR(c); err != nil {
			return fmt.Errorf("error inserting cast vote record %d: %w", c.CVRNumber, err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteCVRs(ctx context.Context, countyID int64) (int64, error) {
	n, err := t.exec(`DELETE FROM cast_vote_records WHERE county_id = ?`, countyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting cast vote records: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) queryCVR(query string, args ...any) (models.CastVoteRecord, error) {
	var c models.CastVoteRecord
	var contests, tallied []byte
	err := t.queryOne(query, args, func(stmt *sqlite.Stmt) error {
		c.ID = stmt.ColumnInt64(0)
		c.CountyID = stmt.ColumnInt64(1)
		c.RecordType = models.RecordType(stmt.ColumnText(2))
		c.CVRNumber = stmt.ColumnInt64(3)
		c.SequenceNumber = columnNullableInt(stmt, 4)
		c.ScannerID = stmt.ColumnInt(5)
		c.BatchID = stmt.ColumnText(6)
		c.RecordID = stmt.ColumnInt64(7)
		c.ImprintedID = stmt.ColumnText(8)
		c.BallotType = stmt.ColumnText(9)
		c.Revision = stmt.ColumnInt64(10)
		c.AuditedCVRID = columnNullableInt(stmt, 11)
		c.ReAudit = stmt.ColumnInt64(12) != 0
		contests = columnBlob(stmt, 13)
		c.CheckSum = stmt.ColumnText(14)
		c.Timestamp = fromUnixNanos(stmt.ColumnInt64(15))
		tallied = columnBlob(stmt, 16)
		return nil
	})
	if err == ErrNotFound {
		return c, err
	}
	if err != nil {
		return c, fmt.Errorf("error reading cast vote record: %w", err)
	}
	if c.Contests, err = decodeContests(contests); err != nil {
		return c, err
	}
	c.TalliedContests, err = decodeNames(tallied)
	return c, err
}

func (t *sqliteTx) CVR(ctx context.Context, id int64) (models.CastVoteRecord, error) {
	return t.queryCVR(`SELECT `+cvrColumns+` FROM cast_vote_records WHERE id = ?`, id)
}

func (t *sqliteTx) CVRAtPosition(ctx context.Context, countyID int64, scannerID int, batchID string, recordID int64) (models.CastVoteRecord, error) {
	return t.queryCVR(
		`SELECT `+cvrColumns+` FROM cast_vote_records
		WHERE county_id = ? AND scanner_id = ? AND batch_id = ? AND record_id = ? AND record_type = 'UPLOADED'
		ORDER BY id LIMIT 1`, countyID, scannerID, batchID, recordID)
}

func (t *sqliteTx) LatestRevision(ctx context.Context, cvrID int64) (models.CastVoteRecord, error) {
	return t.queryCVR(
		`SELECT `+cvrColumns+` FROM cast_vote_records
		WHERE audited_cvr_id = ? ORDER BY revision DESC LIMIT 1`, cvrID)
}

func (t *sqliteTx) InsertRevision(ctx context.Context, acvr models.CastVoteRecord) (int64, error) {
	if err := t.insertCVR(acvr); err != nil {
		return 0, fmt.Errorf("error inserting audited revision: %w", err)
	}
	return t.conn.LastInsertRowID(), nil
}

func (t *sqliteTx) SavePhantomRecord(ctx context.Context, phantom models.CastVoteRecord) (models.CastVoteRecord, error) {
	_, err := t.exec(
		`INSERT INTO cast_vote_records (county_id, record_type, cvr_number, sequence_number, scanner_id, batch_id,
			record_id, imprinted_id, ballot_type, created_at)
		VALUES (?, 'PHANTOM_RECORD', ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		phantom.CountyID, phantom.CVRNumber, nullableInt(phantom.SequenceNumber), phantom.ScannerID, phantom.BatchID,
		phantom.RecordID, phantom.ImprintedID, phantom.BallotType, time.Now().UTC().UnixNano())
	if err != nil {
		return models.CastVoteRecord{}, fmt.Errorf("error inserting phantom record: %w", err)
	}
	return t.queryCVR(
		`SELECT `+cvrColumns+` FROM cast_vote_records
		WHERE county_id = ? AND imprinted_id = ? AND record_type = 'PHANTOM_RECORD'`,
		phantom.CountyID, phantom.ImprintedID)
}

func (t *sqliteTx) ReplaceContestResults(ctx context.Context, countyID int64, results []models.ContestResult) error {
	if _, err := t.DeleteContestResults(ctx, countyID); err != nil {
		return err
	}
	for _, r := range results {
		tallies, err := encodeTallies(r.Tallies)
		if err != nil {
			return err
		}
		_, err = t.exec(
			`INSERT INTO county_contest_results (county_id, contest_name, votes_allowed, ballot_count, contest_ballot_count, tallies)
			VALUES (?, ?, ?, ?, ?, ?)`,
			countyID, r.ContestName, r.VotesAllowed, r.BallotCount, r.ContestBallotCount, tallies)
		if err != nil {
			return fmt.Errorf("error inserting contest result %s: %w", r.ContestName, err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteContestResults(ctx context.Context, countyID int64) (int64, error) {
	n, err := t.exec(`DELETE FROM county_contest_results WHERE county_id = ?`, countyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting contest results: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) queryContestResults(where string, arg any) ([]models.ContestResult, error) {
	var results []models.ContestResult
	err := sqlitex.Execute(t.conn,
		`SELECT county_id, contest_name, votes_allowed, ballot_count, contest_ballot_count, tallies
		FROM county_contest_results WHERE `+where+` ORDER BY county_id, contest_name`,
		&sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := models.ContestResult{
					CountyID:           stmt.ColumnInt64(0),
					ContestName:        stmt.ColumnText(1),
					VotesAllowed:       stmt.ColumnInt(2),
					BallotCount:        stmt.ColumnInt64(3),
					ContestBallotCount: stmt.ColumnInt64(4),
				}
				tallies, err := decodeTallies(columnBlob(stmt, 5))
				if err != nil {
					return err
				}
				r.Tallies = tallies
				results = append(results, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("error querying contest results: %w", err)
	}
	return results, nil
}

func (t *sqliteTx) ContestResults(ctx context.Context, contestName string) ([]models.ContestResult, error) {
	return t.queryContestResults(`contest_name = ?`, contestName)
}

func (t *sqliteTx) CountyContestResults(ctx context.Context, countyID int64) ([]models.ContestResult, error) {
	return t.queryContestResults(`county_id = ?`, countyID)
}

func (t *sqliteTx) ContestAudit(ctx context.Context, contestName string) (models.ContestAudit, error) {
	a := models.ContestAudit{ContestName: contestName}
	err := t.queryOne(
		`SELECT risk_limit, gamma, audited_count, two_under, one_under, one_over, two_over, updated_at
		FROM contest_audits WHERE contest_name = ?`,
		[]any{contestName},
		func(stmt *sqlite.Stmt) error {
			a.RiskLimit = stmt.ColumnText(0)
			a.Gamma = stmt.ColumnText(1)
			a.AuditedCount = stmt.ColumnInt64(2)
			a.Discrepancies = models.Discrepancies{
				TwoUnder: stmt.ColumnInt64(3),
				OneUnder: stmt.ColumnInt64(4),
				OneOver:  stmt.ColumnInt64(5),
				TwoOver:  stmt.ColumnInt64(6),
			}
			a.UpdatedAt = fromUnixNanos(stmt.ColumnInt64(7))
			return nil
		})
	if err != nil && err != ErrNotFound {
		return a, fmt.Errorf("error reading contest audit: %w", err)
	}
	return a, err
}

func (t *sqliteTx) SaveContestAudit(ctx context.Context, a models.ContestAudit) error {
	d := a.Discrepancies
	_, err := t.exec(
		`INSERT INTO contest_audits (contest_name, risk_limit, gamma, audited_count, two_under, one_under, one_over, two_over, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contest_name) DO UPDATE SET
			risk_limit = excluded.risk_limit,
			gamma = excluded.gamma,
			audited_count = excluded.audited_count,
			two_under = excluded.two_under,
			one_under = excluded.one_under,
			one_over = excluded.one_over,
			two_over = excluded.two_over,
			updated_at = excluded.updated_at`,
		a.ContestName, a.RiskLimit, a.Gamma, a.AuditedCount, d.TwoUnder, d.OneUnder, d.OneOver, d.TwoOver, unixNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("error saving contest audit: %w", err)
	}
	return nil
}

func (t *sqliteTx) AcquireImportLease(ctx context.Context, countyID int64, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	changed, err := t.exec(
		`INSERT INTO import_leases (county_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (county_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE import_leases.expires_at < ?`,
		countyID, owner, unixNanos(now.Add(ttl)), unixNanos(now))
	if err != nil {
		return false, fmt.Errorf("error acquiring import lease: %w", err)
	}
	return changed == 1, nil
}

func (t *sqliteTx) ReleaseImportLease(ctx context.Context, countyID int64, owner string) error {
	if _, err := t.exec(`DELETE FROM import_leases WHERE county_id = ? AND owner = ?`, countyID, owner); err != nil {
		return fmt.Errorf("error releasing import lease: %w", err)
	}
	return nil
}
