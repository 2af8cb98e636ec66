package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/ThiagoRGoveia/rla-audit/internal/parser"
)

type Runner[T any] struct {
	Run T
}

type AsyncWorkerConfig struct {
	DBBatchSize int
}

// RecordReader yields cast vote records until io.EOF.
type RecordReader interface {
	Next() (models.CastVoteRecord, error)
}

// BatchHandler stores one batch of parsed records.
type BatchHandler func(ctx context.Context, batch []models.CastVoteRecord) error

// Worker defines the asynchronous stages of one import job.
type Worker interface {
	WithChannels(channels *ImportChannels) Worker
	WithWaitGroups(waitGroups *ImportWaitGroups) Worker
	SetupErrorWorker(abort context.CancelFunc) (Runner[func(*ImportErrors)], *sync.WaitGroup, error)
	SetupParserWorker(ctx context.Context, fileID int64, reader RecordReader) (Runner[func()], *sync.WaitGroup, error)
	SetupDBWorker(ctx context.Context, fileID int64) (Runner[func(BatchHandler)], *sync.WaitGroup, error)
}

type AsyncWorker struct {
	config     AsyncWorkerConfig
	logger     *slog.Logger
	channels   *ImportChannels
	waitGroups *ImportWaitGroups
}

func NewAsyncWorker(cfg AsyncWorkerConfig, logger *slog.Logger) *AsyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DBBatchSize <= 0 {
		cfg.DBBatchSize = 1
	}
	return &AsyncWorker{config: cfg, logger: logger}
}

func (w *AsyncWorker) WithChannels(channels *ImportChannels) Worker {
	w.channels = channels
	return w
}

func (w *AsyncWorker) WithWaitGroups(waitGroups *ImportWaitGroups) Worker {
	w.waitGroups = waitGroups
	return w
}

// recoverTo turns a panic in a worker goroutine into an AppError for the job.
func (w *AsyncWorker) recoverTo(fileID int64, stage string) {
	if r := recover(); r != nil {
		w.channels.Errors <- &models.AppError{FileID: fileID, Message: stage + " panicked", Err: fmt.Errorf("%v", r)}
	}
}

func (w *AsyncWorker) ParserWorker(ctx context.Context, fileID int64, reader RecordReader) {
	defer w.waitGroups.ParserWg.Done()
	defer w.recoverTo(fileID, "parser")

	w.logger.Info("parser worker started", "file", fileID)
	var parsed int64
	for {
		cvr, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			appErr := &models.AppError{FileID: fileID, Message: "Failed to parse CVR export", Err: err}
			var rowErr *parser.RowError
			if errors.As(err, &rowErr) {
				appErr.RowNum = rowErr.Row
				appErr.RowContent = rowErr.Content
			}
			w.channels.Errors <- appErr
			return
		}

		select {
		case w.channels.Results <- cvr:
			parsed++
		case <-ctx.Done():
			w.logger.Info("parser worker aborted", "file", fileID, "parsed", parsed)
			return
		}
	}
	w.logger.Info("parser worker finished", "file", fileID, "parsed", parsed)
}

func (w *AsyncWorker) SetupParserWorker(ctx context.Context, fileID int64, reader RecordReader) (Runner[func()], *sync.WaitGroup, error) {
	if w.channels == nil || w.waitGroups == nil {
		return Runner[func()]{}, nil, errors.New("worker channels and wait groups must be set")
	}
	return Runner[func()]{
		Run: func() {
			w.waitGroups.ParserWg.Add(1)
			go w.ParserWorker(ctx, fileID, reader)
		},
	}, w.waitGroups.ParserWg, nil
}

// DbWorker stores the parsed records in batches. After a failure, or once the job is aborted, it
// keeps draining the results channel without storing so the parser never blocks.
func (w *AsyncWorker) DbWorker(ctx context.Context, fileID int64, handler BatchHandler) {
	defer w.waitGroups.DbWg.Done()

	batch := make([]models.CastVoteRecord, 0, w.config.DBBatchSize)
	failed := false
	var stored int64

	flush := func(final bool) {
		if failed || len(batch) == 0 {
			batch = batch[:0]
			return
		}
		if ctx.Err() != nil {
			failed = true
			batch = batch[:0]
			return
		}
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("batch handler panicked: %v", r)
				}
			}()
			return handler(ctx, batch)
		}()
		if err != nil {
			message := "Failed to insert batch of cast vote records"
			if final {
				message = "Failed to insert remaining batch of cast vote records"
			}
			w.channels.Errors <- &models.AppError{FileID: fileID, Message: message, Err: err}
			failed = true
		} else {
			stored += int64(len(batch))
		}
		batch = batch[:0]
	}

	for cvr := range w.channels.Results {
		if failed {
			continue
		}
		batch = append(batch, cvr)
		if len(batch) >= w.config.DBBatchSize {
			flush(false)
		}
	}
	flush(true)

	w.logger.Info("db worker finished", "file", fileID, "stored", stored, "failed", failed)
}

func (w *AsyncWorker) SetupDBWorker(ctx context.Context, fileID int64) (Runner[func(BatchHandler)], *sync.WaitGroup, error) {
	if w.channels == nil || w.waitGroups == nil {
		return Runner[func(BatchHandler)]{}, nil, errors.New("worker channels and wait groups must be set")
	}
	return Runner[func(BatchHandler)]{
		Run: func(handler BatchHandler) {
			w.waitGroups.DbWg.Add(1)
			go w.DbWorker(ctx, fileID, handler)
		},
	}, w.waitGroups.DbWg, nil
}

// ErrorWorker records the errors of the job and aborts it on the first one.
func (w *AsyncWorker) ErrorWorker(importErrors *ImportErrors, abort context.CancelFunc) {
	defer w.waitGroups.ErrorWg.Done()
	for appErr := range w.channels.Errors {
		w.logger.Error("import error", "file", appErr.FileID, "row", appErr.RowNum, "error", appErr.Error())
		abort()
		// a malformed file can produce an error per row; keep the first hundred
		importErrors.Mu.Lock()
		if len(importErrors.Errors) < 100 {
			importErrors.Errors = append(importErrors.Errors, appErr)
		}
		importErrors.Mu.Unlock()
	}
}

func (w *AsyncWorker) SetupErrorWorker(abort context.CancelFunc) (Runner[func(*ImportErrors)], *sync.WaitGroup, error) {
	if w.channels == nil || w.waitGroups == nil {
		return Runner[func(*ImportErrors)]{}, nil, errors.New("worker channels and wait groups must be set")
	}
	return Runner[func(*ImportErrors)]{
		Run: func(importErrors *ImportErrors) {
			w.waitGroups.ErrorWg.Add(1)
			go w.ErrorWorker(importErrors, abort)
		},
	}, w.waitGroups.ErrorWg, nil
}
