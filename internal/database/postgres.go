package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func ConnectDB(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	dbpool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return dbpool, nil
}

type PostgresDBManager struct {
	dbpool *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresDBManager(pool *pgxpool.Pool, logger *slog.Logger) *PostgresDBManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDBManager{dbpool: pool, logger: logger}
}

func (m *PostgresDBManager) Close() {
	m.dbpool.Close()
}

func (m *PostgresDBManager) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS machine_states (
			machine VARCHAR(32) NOT NULL,
			entity_key VARCHAR(128) NOT NULL,
			state VARCHAR(128) NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (machine, entity_key)
		);`,
		`CREATE TABLE IF NOT EXISTS county_dashboards (
			county_id BIGINT PRIMARY KEY,
			manifest_file_id BIGINT,
			cvr_file_id BIGINT,
			ballots_in_manifest BIGINT NOT NULL DEFAULT 0,
			cvrs_imported BIGINT NOT NULL DEFAULT 0,
			import_status VARCHAR(32) NOT NULL,
			import_error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS uploaded_files (
			id BIGSERIAL PRIMARY KEY,
			county_id BIGINT NOT NULL,
			kind VARCHAR(8) NOT NULL CHECK (kind IN ('cvr', 'bmi')),
			filename TEXT NOT NULL,
			digest VARCHAR(64) NOT NULL,
			submitted_hash VARCHAR(128) NOT NULL,
			computed_hash VARCHAR(64) NOT NULL,
			size BIGINT NOT NULL,
			approximate_record_count BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL CHECK (status IN ('UPLOADED', 'HASH_VERIFIED', 'HASH_WRONG', 'IMPORTING', 'IMPORTED', 'FAILED')),
			error_message TEXT NOT NULL DEFAULT '',
			result jsonb,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ballot_manifest_entries (
			id BIGSERIAL PRIMARY KEY,
			county_id BIGINT NOT NULL,
			scanner_id INTEGER NOT NULL,
			batch_id VARCHAR(64) NOT NULL,
			batch_size BIGINT NOT NULL,
			storage_location TEXT NOT NULL,
			sequence_start BIGINT NOT NULL,
			sequence_end BIGINT NOT NULL,
			UNIQUE (county_id, scanner_id, batch_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_manifest_sequence ON ballot_manifest_entries (county_id, sequence_start, sequence_end);`,
		`CREATE TABLE IF NOT EXISTS cast_vote_records (
			id BIGSERIAL PRIMARY KEY,
			county_id BIGINT NOT NULL,
			record_type VARCHAR(32) NOT NULL,
			cvr_number BIGINT NOT NULL,
			sequence_number BIGINT,
			scanner_id INTEGER NOT NULL,
			batch_id VARCHAR(64) NOT NULL,
			record_id BIGINT NOT NULL,
			imprinted_id VARCHAR(128) NOT NULL,
			ballot_type VARCHAR(128) NOT NULL,
			revision BIGINT NOT NULL DEFAULT 0,
			audited_cvr_id BIGINT,
			reaudit BOOLEAN NOT NULL DEFAULT FALSE,
			contests BYTEA,
			checksum VARCHAR(16) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			tallied_contests BYTEA
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cvr_position ON cast_vote_records (county_id, scanner_id, batch_id, record_id) WHERE record_type = 'UPLOADED';`,
		`CREATE INDEX IF NOT EXISTS idx_cvr_audited ON cast_vote_records (audited_cvr_id, revision);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cvr_phantom ON cast_vote_records (county_id, imprinted_id) WHERE record_type = 'PHANTOM_RECORD';`,
		`CREATE TABLE IF NOT EXISTS county_contest_results (
			county_id BIGINT NOT NULL,
			contest_name VARCHAR(255) NOT NULL,
			votes_allowed INTEGER NOT NULL,
			ballot_count BIGINT NOT NULL,
			contest_ballot_count BIGINT NOT NULL,
			tallies BYTEA NOT NULL,
			PRIMARY KEY (county_id, contest_name)
		);`,
		`CREATE TABLE IF NOT EXISTS contest_audits (
			contest_name VARCHAR(255) PRIMARY KEY,
			risk_limit VARCHAR(64) NOT NULL,
			gamma VARCHAR(64) NOT NULL,
			audited_count BIGINT NOT NULL,
			two_under BIGINT NOT NULL,
			one_under BIGINT NOT NULL,
			one_over BIGINT NOT NULL,
			two_over BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS import_leases (
			county_id BIGINT PRIMARY KEY,
			owner VARCHAR(64) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := m.dbpool.Exec(ctx, query); err != nil {
			return fmt.Errorf("error creating tables: %w", err)
		}
	}

	return nil
}

// WithTx runs fn in a transaction. Serialization failures and deadlocks are reported as ErrConflict.
func (m *PostgresDBManager) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := m.dbpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", classifyPgError(err))
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		rx := tx.Rollback(ctx)
		if rx != nil {
			m.logger.Error("error rolling back transaction", "error", rx)
		}
		return classifyPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing transaction: %w", classifyPgError(err))
	}

	return nil
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) MachineState(ctx context.Context, machine, key string) (models.MachineState, error) {
	st := models.MachineState{Machine: machine, Key: key}
	err := t.tx.QueryRow(ctx,
		`SELECT state, version, updated_at FROM machine_states WHERE machine = $1 AND entity_key = $2`,
		machine, key,
	).Scan(&st.State, &st.Version, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("error reading machine state: %w", err)
	}
	return st, nil
}

func (t *pgTx) SaveMachineState(ctx context.Context, st models.MachineState) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if st.Version == 0 {
		tag, err = t.tx.Exec(ctx,
			`INSERT INTO machine_states (machine, entity_key, state, version, updated_at)
			VALUES ($1, $2, $3, 1, $4) ON CONFLICT (machine, entity_key) DO NOTHING`,
			st.Machine, st.Key, st.State, st.UpdatedAt)
	} else {
		tag, err = t.tx.Exec(ctx,
			`UPDATE machine_states SET state = $3, version = version + 1, updated_at = $4
			WHERE machine = $1 AND entity_key = $2 AND version = $5`,
			st.Machine, st.Key, st.State, st.UpdatedAt, st.Version)
	}
	if err != nil {
		return fmt.Errorf("error saving machine state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s changed since version %d", ErrConflict, st.Machine, st.Key, st.Version)
	}
	return nil
}

func (t *pgTx) CountyDashboard(ctx context.Context, countyID int64) (models.CountyDashboard, error) {
	cdb := models.NewCountyDashboard(countyID)
	var status string
	err := t.tx.QueryRow(ctx,
		`SELECT manifest_file_id, cvr_file_id, ballots_in_manifest, cvrs_imported, import_status, import_error, updated_at
		FROM county_dashboards WHERE county_id = $1`, countyID,
	).Scan(&cdb.ManifestFileID, &cdb.CVRFileID, &cdb.BallotsInManifest, &cdb.CVRsImported, &status, &cdb.ImportError, &cdb.UpdatedAt)
	if err == pgx.ErrNoRows {
		return cdb, nil
	}
	if err != nil {
		return cdb, fmt.Errorf("error reading county dashboard: %w", err)
	}
	cdb.ImportStatus = models.ImportStatus(status)
	return cdb, nil
}

func (t *pgTx) SaveCountyDashboard(ctx context.Context, cdb models.CountyDashboard) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO county_dashboards (county_id, manifest_file_id, cvr_file_id, ballots_in_manifest, cvrs_imported, import_status, import_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (county_id) DO UPDATE SET
			manifest_file_id = EXCLUDED.manifest_file_id,
			cvr_file_id = EXCLUDED.cvr_file_id,
			ballots_in_manifest = EXCLUDED.ballots_in_manifest,
			cvrs_imported = EXCLUDED.cvrs_imported,
			import_status = EXCLUDED.import_status,
			import_error = EXCLUDED.import_error,
			updated_at = EXCLUDED.updated_at`,
		cdb.CountyID, cdb.ManifestFileID, cdb.CVRFileID, cdb.BallotsInManifest, cdb.CVRsImported,
		string(cdb.ImportStatus), cdb.ImportError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("error saving county dashboard: %w", err)
	}
	return nil
}

func (t *pgTx) InsertUploadedFile(ctx context.Context, f models.UploadedFile) (int64, error) {
	result, err := encodeResult(f.Result)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO uploaded_files (county_id, kind, filename, digest, submitted_hash, computed_hash, size,
			approximate_record_count, status, error_message, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		f.CountyID, string(f.Kind), f.Filename, f.Digest, f.SubmittedHash, f.ComputedHash, f.Size,
		f.ApproximateRecordCount, string(f.Status), f.ErrorMessage, result, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error inserting uploaded file: %w", err)
	}
	return id, nil
}

func (t *pgTx) UploadedFile(ctx context.Context, id int64) (models.UploadedFile, error) {
	f := models.UploadedFile{ID: id}
	var kind, status string
	var result []byte
	err := t.tx.QueryRow(ctx,
		`SELECT county_id, kind, filename, digest, submitted_hash, computed_hash, size, approximate_record_count,
			status, error_message, result, created_at
		FROM uploaded_files WHERE id = $1`, id,
	).Scan(&f.CountyID, &kind, &f.Filename, &f.Digest, &f.SubmittedHash, &f.ComputedHash, &f.Size,
		&f.ApproximateRecordCount, &status, &f.ErrorMessage, &result, &f.CreatedAt)
	if err == pgx.ErrNoRows {
		return f, fmt.Errorf("uploaded file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return f, fmt.Errorf("error reading uploaded file: %w", err)
	}
	f.Kind = models.FileKind(kind)
	f.Status = models.FileStatus(status)
	f.Result, err = decodeResult(result)
	return f, err
}

func (t *pgTx) UpdateUploadedFile(ctx context.Context, f models.UploadedFile) error {
	result, err := encodeResult(f.Result)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE uploaded_files SET computed_hash = $2, approximate_record_count = $3, status = $4,
			error_message = $5, result = $6
		WHERE id = $1`,
		f.ID, f.ComputedHash, f.ApproximateRecordCount, string(f.Status), f.ErrorMessage, result)
	if err != nil {
		return fmt.Errorf("error updating uploaded file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("uploaded file %d: %w", f.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertManifestEntries(ctx context.Context, entries []models.BallotManifestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"ballot_manifest_entries"},
		[]string{"county_id", "scanner_id", "batch_id", "batch_size", "storage_location", "sequence_start", "sequence_end"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{e.CountyID, e.ScannerID, e.BatchID, e.BatchSize, e.StorageLocation, e.SequenceStart, e.SequenceEnd}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("error inserting manifest entries: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteManifestEntries(ctx context.Context, countyID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM ballot_manifest_entries WHERE county_id = $1`, countyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting manifest entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

const manifestColumns = `id, county_id, scanner_id, batch_id, batch_size, storage_location, sequence_start, sequence_end`

func (t *pgTx) scanManifestEntry(row pgx.Row) (models.BallotManifestEntry, error) {
	var e models.BallotManifestEntry
	err := row.Scan(&e.ID, &e.CountyID, &e.ScannerID, &e.BatchID, &e.BatchSize, &e.StorageLocation, &e.SequenceStart, &e.SequenceEnd)
	if err == pgx.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("error reading manifest entry: %w", err)
	}
	return e, nil
}

func (t *pgTx) ManifestEntryHolding(ctx context.Context, countyID, sequence int64) (models.BallotManifestEntry, error) {
	return t.scanManifestEntry(t.tx.QueryRow(ctx,
		`SELECT `+manifestColumns+` FROM ballot_manifest_entries
		WHERE county_id = $1 AND sequence_start <= $2 AND sequence_end >= $2
		ORDER BY sequence_start LIMIT 1`, countyID, sequence))
}

func (t *pgTx) ManifestEntryLocating(ctx context.Context, countyID int64, scannerID int, batchID string) (models.BallotManifestEntry, error) {
	return t.scanManifestEntry(t.tx.QueryRow(ctx,
		`SELECT `+manifestColumns+` FROM ballot_manifest_entries
		WHERE county_id = $1 AND scanner_id = $2 AND batch_id = $3`, countyID, scannerID, batchID))
}

func (t *pgTx) InsertCVRs(ctx context.Context, cvrs []models.CastVoteRecord) error {
	if len(cvrs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"cast_vote_records"},
		[]string{"county_id", "record_type", "cvr_number", "sequence_number", "scanner_id", "batch_id", "record_id",
			"imprinted_id", "ballot_type", "revision", "audited_cvr_id", "reaudit", "contests", "checksum", "created_at"},
		pgx.CopyFromSlice(len(cvrs), func(i int) ([]any, error) {
			c := cvrs[i]
			contests, err := encodeContests(c.Contests)
			if err != nil {
				return nil, err
			}
			return []any{c.CountyID, string(c.RecordType), c.CVRNumber, c.SequenceNumber, c.ScannerID, c.BatchID, c.RecordID,
				c.ImprintedID, c.BallotType, c.Revision, c.AuditedCVRID, c.ReAudit, contests, c.CheckSum, now}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("error inserting cast vote records: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteCVRs(ctx context.Context, countyID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM cast_vote_records WHERE county_id = $1`, countyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting cast vote records: %w", err)
	}
	return tag.RowsAffected(), nil
}

const cvrColumns = `id, county_id, record_type, cvr_number, sequence_number, scanner_id, batch_id, record_id,
	imprinted_id, ballot_type, revision, audited_cvr_id, reaudit, contests, checksum, created_at, tallied_contests`

func (t *pgTx) scanCVR(row pgx.Row) (models.CastVoteRecord, error) {
	var c models.CastVoteRecord
	var recordType string
	var contests, tallied []byte
	err := row.Scan(&c.ID, &c.CountyID, &recordType, &c.CVRNumber, &c.SequenceNumber, &c.ScannerID, &c.BatchID, &c.RecordID,
		&c.ImprintedID, &c.BallotType, &c.Revision, &c.AuditedCVRID, &c.ReAudit, &contests, &c.CheckSum, &c.Timestamp, &tallied)
	if err == pgx.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("error reading cast vote record: %w", err)
	}
	c.RecordType = models.RecordType(recordType)
	if c.Contests, err = decodeContests(contests); err != nil {
		return c, err
	}
	c.TalliedContests, err = decodeNames(tallied)
	return c, err
}

func (t *pgTx) CVR(ctx context.Context, id int64) (models.CastVoteRecord, error) {
	return t.scanCVR(t.tx.QueryRow(ctx, `SELECT `+cvrColumns+` FROM cast_vote_records WHERE id = $1`, id))
}

func (t *pgTx) CVRAtPosition(ctx context.Context, countyID int64, scannerID int, batchID string, recordID int64) (models.CastVoteRecord, error) {
	return t.scanCVR(t.tx.QueryRow(ctx,
		`SELECT `+cvrColumns+` FROM cast_vote_records
		WHERE county_id = $1 AND scanner_id = $2 AND batch_id = $3 AND record_id = $4 AND record_type = 'UPLOADED'
		ORDER BY id LIMIT 1`, countyID, scannerID, batchID, recordID))
}

func (t *pgTx) LatestRevision(ctx context.Context, cvrID int64) (models.CastVoteRecord, error) {
	return t.scanCVR(t.tx.QueryRow(ctx,
		`SELECT `+cvrColumns+` FROM cast_vote_records
		WHERE audited_cvr_id = $1 ORDER BY revision DESC LIMIT 1`, cvrID))
}

func (t *pgTx) InsertRevision(ctx context.Context, acvr models.CastVoteRecord) (int64, error) {
	contests, err := encodeContests(acvr.Contests)
	if err != nil {
		return 0, err
	}
	tallied, err := encodeNames(acvr.TalliedContests)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx,
		`INSERT INTO cast_vote_records (county_id, record_type, cvr_number, sequence_number, scanner_id, batch_id,
			record_id, imprinted_id, ballot_type, revision, audited_cvr_id, reaudit, contests, checksum, created_at,
			tallied_contests)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING id`,
		acvr.CountyID, string(acvr.RecordType), acvr.CVRNumber, acvr.SequenceNumber, acvr.ScannerID, acvr.BatchID,
		acvr.RecordID, acvr.ImprintedID, acvr.BallotType, acvr.Revision, acvr.AuditedCVRID, acvr.ReAudit, contests,
		acvr.CheckSum, acvr.Timestamp, tallied,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error inserting audited revision: %w", err)
	}
	return id, nil
}

func (t *pgTx) SavePhantomRecord(ctx context.Context, phantom models.CastVoteRecord) (models.CastVoteRecord, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO cast_vote_records (county_id, record_type, cvr_number, sequence_number, scanner_id, batch_id,
			record_id, imprinted_id, ballot_type, created_at)
		VALUES ($1, 'PHANTOM_RECORD', $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		phantom.CountyID, phantom.CVRNumber, phantom.SequenceNumber, phantom.ScannerID, phantom.BatchID,
		phantom.RecordID, phantom.ImprintedID, phantom.BallotType, time.Now().UTC())
	if err != nil {
		return models.CastVoteRecord{}, fmt.Errorf("error inserting phantom record: %w", err)
	}
	return t.scanCVR(t.tx.QueryRow(ctx,
		`SELECT `+cvrColumns+` FROM cast_vote_records
		WHERE county_id = $1 AND imprinted_id = $2 AND record_type = 'PHANTOM_RECORD'`,
		phantom.CountyID, phantom.ImprintedID))
}

func (t *pgTx) ReplaceContestResults(ctx context.Context, countyID int64, results []models.ContestResult) error {
	if _, err := t.DeleteContestResults(ctx, countyID); err != nil {
		return err
	}
	for _, r := range results {
		tallies, err := encodeTallies(r.Tallies)
		if err != nil {
			return err
		}
		_, err = t.tx.Exec(ctx,
			`INSERT INTO county_contest_results (county_id, contest_name, votes_allowed, ballot_count, contest_ballot_count, tallies)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			countyID, r.ContestName, r.VotesAllowed, r.BallotCount, r.ContestBallotCount, tallies)
		if err != nil {
			return fmt.Errorf("error inserting contest result %s: %w", r.ContestName, err)
		}
	}
	return nil
}

func (t *pgTx) DeleteContestResults(ctx context.Context, countyID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM county_contest_results WHERE county_id = $1`, countyID)
	if err != nil {
		return 0, fmt.Errorf("error deleting contest results: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) queryContestResults(ctx context.Context, where string, arg any) ([]models.ContestResult, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT county_id, contest_name, votes_allowed, ballot_count, contest_ballot_count, tallies
		FROM county_contest_results WHERE `+where+` ORDER BY county_id, contest_name`, arg)
	if err != nil {
		return nil, fmt.Errorf("error querying contest results: %w", err)
	}
	defer rows.Close()

	var results []models.ContestResult
	for rows.Next() {
		var r models.ContestResult
		var tallies []byte
		if err := rows.Scan(&r.CountyID, &r.ContestName, &r.VotesAllowed, &r.BallotCount, &r.ContestBallotCount, &tallies); err != nil {
			return nil, fmt.Errorf("error scanning contest result: %w", err)
		}
		if r.Tallies, err = decodeTallies(tallies); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contest results: %w", err)
	}
	return results, nil
}

func (t *pgTx) ContestResults(ctx context.Context, contestName string) ([]models.ContestResult, error) {
	return t.queryContestResults(ctx, `contest_name = $1`, contestName)
}

func (t *pgTx) CountyContestResults(ctx context.Context, countyID int64) ([]models.ContestResult, error) {
	return t.queryContestResults(ctx, `county_id = $1`, countyID)
}

func (t *pgTx) ContestAudit(ctx context.Context, contestName string) (models.ContestAudit, error) {
	a := models.ContestAudit{ContestName: contestName}
	d := &a.Discrepancies
	err := t.tx.QueryRow(ctx,
		`SELECT risk_limit, gamma, audited_count, two_under, one_under, one_over, two_over, updated_at
		FROM contest_audits WHERE contest_name = $1`, contestName,
	).Scan(&a.RiskLimit, &a.Gamma, &a.AuditedCount, &d.TwoUnder, &d.OneUnder, &d.OneOver, &d.TwoOver, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("error reading contest audit: %w", err)
	}
	return a, nil
}

func (t *pgTx) SaveContestAudit(ctx context.Context, a models.ContestAudit) error {
	d := a.Discrepancies
	_, err := t.tx.Exec(ctx,
		`INSERT INTO contest_audits (contest_name, risk_limit, gamma, audited_count, two_under, one_under, one_over, two_over, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (contest_name) DO UPDATE SET
			risk_limit = EXCLUDED.risk_limit,
			gamma = EXCLUDED.gamma,
			audited_count = EXCLUDED.audited_count,
			two_under = EXCLUDED.two_under,
			one_under = EXCLUDED.one_under,
			one_over = EXCLUDED.one_over,
			two_over = EXCLUDED.two_over,
			updated_at = EXCLUDED.updated_at`,
		a.ContestName, a.RiskLimit, a.Gamma, a.AuditedCount, d.TwoUnder, d.OneUnder, d.OneOver, d.TwoOver, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("error saving contest audit: %w", err)
	}
	return nil
}

func (t *pgTx) AcquireImportLease(ctx context.Context, countyID int64, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO import_leases (county_id, owner, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (county_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE import_leases.expires_at < $4`,
		countyID, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("error acquiring import lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ReleaseImportLease(ctx context.Context, countyID int64, owner string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM import_leases WHERE county_id = $1 AND owner = $2`, countyID, owner)
	if err != nil {
		return fmt.Errorf("error releasing import lease: %w", err)
	}
	return nil
}
