package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/asm"
	"github.com/ThiagoRGoveia/rla-audit/internal/config"
	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/ThiagoRGoveia/rla-audit/internal/parser"
	"github.com/google/uuid"
)

var (
	ErrImportConflict  = errors.New("an import is already running for this county")
	ErrImportQueueFull = errors.New("import queue is full")
	ErrNotStarted      = errors.New("import workers are not running")
)

// FatalCoordinationError reports an import whose outcome could not be committed to the county
// machine within the retry bound.
type FatalCoordinationError struct {
	CountyID int64
	Event    asm.Event
	Attempts int
	Err      error
}

func (e *FatalCoordinationError) Error() string {
	return fmt.Sprintf("county %d: could not commit %s after %d attempts: %v", e.CountyID, e.Event, e.Attempts, e.Err)
}

func (e *FatalCoordinationError) Unwrap() error {
	return e.Err
}

// FileOpener reads stored uploads back by digest.
type FileOpener interface {
	Open(digest string) (io.ReadCloser, error)
}

// CommitPolicy bounds the retries of the import cleanup and of the terminal import event.
type CommitPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay is base·2^(attempt-1), capped at MaxDelay.
func (p CommitPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type importJob struct {
	id       string
	countyID int64
	fileID   int64
	owner    string
}

// IngestionService coordinates CVR imports: one at a time per county, run on a bounded pool.
type IngestionService struct {
	dbManager database.DBManager
	machines  *asm.Service
	files     FileOpener
	setup     ISetup
	workerCfg AsyncWorkerConfig
	logger    *slog.Logger
	policy    CommitPolicy
	leaseTTL  time.Duration
	poolSize  int
	newWorker func() Worker
	jobs      chan importJob
	inFlight  atomic.Int64
	workersWg sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	stopped   bool
}

func NewIngestionService(dbManager database.DBManager, machines *asm.Service, files FileOpener, setup ISetup, cfg *config.Config, logger *slog.Logger) *IngestionService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &IngestionService{
		dbManager: dbManager,
		machines:  machines,
		files:     files,
		setup:     setup,
		workerCfg: AsyncWorkerConfig{DBBatchSize: cfg.DBBatchSize},
		logger:    logger,
		policy: CommitPolicy{
			MaxAttempts: max(cfg.CommitMaxAttempts, 1),
			BaseDelay:   cfg.CommitBaseDelay,
			MaxDelay:    cfg.CommitMaxDelay,
		},
		leaseTTL: cfg.ImportLeaseTTL,
		poolSize: max(cfg.NumImportWorkers, 1),
		jobs:     make(chan importJob, max(cfg.ImportQueueSize, 0)),
	}
	s.newWorker = func() Worker { return NewAsyncWorker(s.workerCfg, s.logger) }
	return s
}

// Start launches the import workers. Jobs run with ctx.
func (s *IngestionService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	for i := 1; i <= s.poolSize; i++ {
		s.workersWg.Add(1)
		go func(workerID int) {
			defer s.workersWg.Done()
			for job := range s.jobs {
				s.logger.Info("import worker picked up job", "worker", workerID, "job", job.id, "county", job.countyID)
				s.run(ctx, job)
			}
		}(i)
	}
	s.running = true
}

// Stop stops accepting imports and waits for queued and running jobs to end.
func (s *IngestionService) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.running = false
		close(s.jobs)
	}
	s.mu.Unlock()
	s.workersWg.Wait()
}

// InFlight is the number of imports queued or running.
func (s *IngestionService) InFlight() int64 {
	return s.inFlight.Load()
}

// StartImport claims the county, moves it to IMPORTING and queues the import of fileID. It
// returns the job id.
func (s *IngestionService) StartImport(ctx context.Context, countyID, fileID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return "", ErrNotStarted
	}
	job, err := s.begin(ctx, countyID, fileID)
	if err != nil {
		return "", err
	}

	s.inFlight.Add(1)
	select {
	case s.jobs <- job:
		s.logger.Info("import queued", "job", job.id, "county", countyID, "file", fileID)
		return job.id, nil
	default:
		s.inFlight.Add(-1)
		s.logger.Warn("import queue is full", "county", countyID, "file", fileID)
		s.finishFailed(context.WithoutCancel(ctx), job, &models.AppError{FileID: fileID, Message: "Import queue is full", Err: ErrImportQueueFull})
		s.releaseLease(ctx, job)
		return "", ErrImportQueueFull
	}
}

// ImportNow runs the import of fileID on the calling goroutine and returns its outcome.
func (s *IngestionService) ImportNow(ctx context.Context, countyID, fileID int64) error {
	job, err := s.begin(ctx, countyID, fileID)
	if err != nil {
		return err
	}
	s.inFlight.Add(1)
	return s.run(ctx, job)
}

func (s *IngestionService) begin(ctx context.Context, countyID, fileID int64) (importJob, error) {
	job := importJob{id: uuid.NewString(), countyID: countyID, fileID: fileID, owner: uuid.NewString()}

	var acquired bool
	err := s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		var err error
		acquired, err = tx.AcquireImportLease(ctx, countyID, job.owner, s.leaseTTL)
		return err
	})
	if err != nil {
		return job, fmt.Errorf("acquiring import lease for county %d: %w", countyID, err)
	}
	if !acquired {
		return job, ErrImportConflict
	}

	_, err = s.machines.Apply(ctx, asm.County, asm.CountyKey(countyID), asm.ImportCVRs,
		func(ctx context.Context, tx database.Tx, _, _ asm.State) error {
			file, err := importableFile(ctx, tx, countyID, fileID, models.FileKindCVR)
			if err != nil {
				return err
			}
			file.Status = models.FileStatusImporting
			file.ErrorMessage = ""
			file.Result = models.ImportResult{}
			if err := tx.UpdateUploadedFile(ctx, file); err != nil {
				return err
			}

			cdb, err := tx.CountyDashboard(ctx, countyID)
			if err != nil {
				return err
			}
			cdb.CVRFileID = &fileID
			cdb.ImportStatus = models.ImportInProgress
			cdb.ImportError = ""
			return tx.SaveCountyDashboard(ctx, cdb)
		})
	if err != nil {
		s.releaseLease(ctx, job)
		return job, err
	}
	return job, nil
}

func (s *IngestionService) releaseLease(ctx context.Context, job importJob) {
	ctx = context.WithoutCancel(ctx)
	err := s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		return tx.ReleaseImportLease(ctx, job.countyID, job.owner)
	})
	if err != nil {
		s.logger.Error("failed to release import lease", "county", job.countyID, "job", job.id, "error", err)
	}
}

// run imports one job and commits its outcome. The lease is released however the job ends.
func (s *IngestionService) run(ctx context.Context, job importJob) (err error) {
	defer s.inFlight.Add(-1)
	defer s.releaseLease(ctx, job)

	started := time.Now()
	count, results, appErr := s.importRecords(ctx, job)
	if appErr != nil {
		if err := s.finishFailed(context.WithoutCancel(ctx), job, appErr); err != nil {
			return errors.Join(appErr, err)
		}
		return appErr
	}

	attempts, err := s.commit(ctx, job, asm.CVRImportSuccess, func(ctx context.Context, tx database.Tx, _, _ asm.State) error {
		return recordSuccess(ctx, tx, job, count, results)
	})
	if err != nil {
		s.logger.Error("import outcome could not be committed", "county", job.countyID, "job", job.id, "attempts", attempts, "error", err)
		if ferr := s.finishFailed(context.WithoutCancel(ctx), job, &models.AppError{
			FileID:  job.fileID,
			Message: "Import finished but its result could not be recorded; contact an operator",
			Err:     err,
		}); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}

	s.logger.Info("import finished", "county", job.countyID, "job", job.id, "records", count,
		"contests", len(results), "attempts", attempts, "elapsed", time.Since(started))
	return nil
}

// importRecords streams the stored CVR export into storage through the job's workers.
func (s *IngestionService) importRecords(ctx context.Context, job importJob) (count int64, results []models.ContestResult, appErr *models.AppError) {
	defer func() {
		if r := recover(); r != nil {
			appErr = &models.AppError{FileID: job.fileID, Message: "Import panicked", Err: fmt.Errorf("%v", r)}
		}
	}()
	fail := func(message string, err error) *models.AppError {
		e := &models.AppError{FileID: job.fileID, Message: message, Err: err}
		var rowErr *parser.RowError
		if errors.As(err, &rowErr) {
			e.RowNum = rowErr.Row
			e.RowContent = rowErr.Content
		}
		return e
	}

	var file models.UploadedFile
	err := s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		var err error
		if file, err = tx.UploadedFile(ctx, job.fileID); err != nil {
			return err
		}
		if _, err := tx.DeleteCVRs(ctx, job.countyID); err != nil {
			return err
		}
		_, err = tx.DeleteContestResults(ctx, job.countyID)
		return err
	})
	if err != nil {
		return 0, nil, fail("Failed to prepare county for import", err)
	}

	rc, err := s.files.Open(file.Digest)
	if err != nil {
		return 0, nil, fail("Failed to open stored file", err)
	}
	defer rc.Close()

	reader, err := parser.NewCVRExportReader(rc, job.countyID)
	if err != nil {
		return 0, nil, fail("Failed to read CVR export header", err)
	}

	env, err := s.setup.build()
	if err != nil {
		return 0, nil, fail("Failed to set up import", err)
	}
	channels, waitGroups, importErrors := env.GetValues()

	jobCtx, abort := context.WithCancel(ctx)
	defer abort()

	worker := s.newWorker().WithChannels(channels).WithWaitGroups(waitGroups)

	errorRunner, errorWg, err := worker.SetupErrorWorker(abort)
	if err != nil {
		return 0, nil, fail("Failed to set up import", err)
	}
	errorRunner.Run(importErrors)

	parserRunner, parserWg, err := worker.SetupParserWorker(jobCtx, job.fileID, reader)
	if err != nil {
		close(channels.Errors)
		errorWg.Wait()
		return 0, nil, fail("Failed to set up import", err)
	}
	dbRunner, dbWg, err := worker.SetupDBWorker(jobCtx, job.fileID)
	if err != nil {
		close(channels.Errors)
		errorWg.Wait()
		return 0, nil, fail("Failed to set up import", err)
	}

	tally := newContestTally(job.countyID, reader.Contests)
	parserRunner.Run()
	dbRunner.Run(func(ctx context.Context, batch []models.CastVoteRecord) error {
		err := s.dbManager.WithTx(ctx, func(tx database.Tx) error {
			return tx.InsertCVRs(ctx, batch)
		})
		if err == nil {
			tally.add(batch)
		}
		return err
	})

	parserWg.Wait()
	close(channels.Results)
	dbWg.Wait()
	close(channels.Errors)
	errorWg.Wait()

	if first := importErrors.First(); first != nil {
		return 0, nil, first
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, fail("Import cancelled", err)
	}
	return tally.ballots, tally.Results(), nil
}

// errCountyNotReady marks a commit attempt made while the county is not yet in a state accepting
// the event.
var errCountyNotReady = errors.New("county not ready")

// retry runs step until it returns nil. Write conflicts and errCountyNotReady are retried with
// exponential backoff up to the policy bound; any other error ends the loop. It returns the number
// of attempts made.
func (s *IngestionService) retry(ctx context.Context, job importJob, event asm.Event, step func(ctx context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := step(ctx)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, database.ErrConflict) && !errors.Is(err, errCountyNotReady) {
			return attempt, err
		}

		if attempt >= s.policy.MaxAttempts {
			return attempt, &FatalCoordinationError{CountyID: job.countyID, Event: event, Attempts: attempt, Err: err}
		}

		delay := s.policy.Delay(attempt)
		s.logger.Warn("retrying import step", "county", job.countyID, "event", event, "attempt", attempt, "delay", delay, "reason", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
}

// commit applies event to the county with TryApply until it is applied.
func (s *IngestionService) commit(ctx context.Context, job importJob, event asm.Event, effect asm.Effect) (int, error) {
	return s.retry(ctx, job, event, func(ctx context.Context) error {
		state, applied, err := s.machines.TryApply(ctx, asm.County, asm.CountyKey(job.countyID), event, effect)
		if err == nil && !applied {
			return fmt.Errorf("%w: county is in %s", errCountyNotReady, state)
		}
		return err
	})
}

// finishFailed rolls back the county's imported data, records the failure, and only then moves the
// county machine to IMPORT_FAILED. A cleanup that cannot be committed leaves the machine where it
// is and returns a FatalCoordinationError.
func (s *IngestionService) finishFailed(ctx context.Context, job importJob, appErr *models.AppError) error {
	attempts, err := s.retry(ctx, job, asm.CVRImportFailure, func(ctx context.Context) error {
		return s.dbManager.WithTx(ctx, func(tx database.Tx) error {
			return recordFailure(ctx, tx, job, appErr)
		})
	})
	if err != nil {
		s.logger.Error("import cleanup could not be committed; the county needs an operator",
			"county", job.countyID, "job", job.id, "attempts", attempts, "error", err)
		return err
	}

	attempts, err = s.commit(ctx, job, asm.CVRImportFailure, nil)
	if err != nil {
		s.logger.Error("import failure could not be committed", "county", job.countyID, "job", job.id, "attempts", attempts, "error", err)
		return err
	}
	s.logger.Warn("import failed", "county", job.countyID, "job", job.id, "error", appErr.Error())
	return nil
}

func recordSuccess(ctx context.Context, tx database.Tx, job importJob, count int64, results []models.ContestResult) error {
	file, err := tx.UploadedFile(ctx, job.fileID)
	if err != nil {
		return err
	}
	file.Status = models.FileStatusImported
	file.ApproximateRecordCount = count
	file.Result = models.ImportResult{Success: true, ImportedCount: count}
	if err := tx.UpdateUploadedFile(ctx, file); err != nil {
		return err
	}

	if err := tx.ReplaceContestResults(ctx, job.countyID, results); err != nil {
		return err
	}

	cdb, err := tx.CountyDashboard(ctx, job.countyID)
	if err != nil {
		return err
	}
	cdb.CVRsImported = count
	cdb.ImportStatus = models.ImportSuccessful
	cdb.ImportError = ""
	return tx.SaveCountyDashboard(ctx, cdb)
}

func recordFailure(ctx context.Context, tx database.Tx, job importJob, appErr *models.AppError) error {
	if _, err := tx.DeleteCVRs(ctx, job.countyID); err != nil {
		return err
	}
	if _, err := tx.DeleteContestResults(ctx, job.countyID); err != nil {
		return err
	}

	file, err := tx.UploadedFile(ctx, job.fileID)
	if err != nil {
		return err
	}
	file.Status = models.FileStatusFailed
	file.ErrorMessage = appErr.Error()
	file.Result = models.ImportResult{
		ErrorMessage:    appErr.Message,
		ErrorRowNum:     appErr.RowNum,
		ErrorRowContent: appErr.RowContent,
	}
	if err := tx.UpdateUploadedFile(ctx, file); err != nil {
		return err
	}

	cdb, err := tx.CountyDashboard(ctx, job.countyID)
	if err != nil {
		return err
	}
	cdb.CVRsImported = 0
	cdb.ImportStatus = models.ImportFailed
	cdb.ImportError = appErr.Error()
	return tx.SaveCountyDashboard(ctx, cdb)
}
