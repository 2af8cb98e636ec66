package ingestion

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/ThiagoRGoveia/rla-audit/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceReader struct {
	records []models.CastVoteRecord
	err     error
}

func (r *sliceReader) Next() (models.CastVoteRecord, error) {
	if len(r.records) == 0 {
		if r.err != nil {
			return models.CastVoteRecord{}, r.err
		}
		return models.CastVoteRecord{}, io.EOF
	}
	next := r.records[0]
	r.records = r.records[1:]
	return next, nil
}

func records(n int) []models.CastVoteRecord {
	cvrs := make([]models.CastVoteRecord, n)
	for i := range cvrs {
		cvrs[i] = models.CastVoteRecord{CountyID: 1, CVRNumber: int64(i + 1)}
	}
	return cvrs
}

func newTestWorker(t *testing.T, batchSize int) (Worker, *ImportChannels, *ImportWaitGroups, *ImportErrors) {
	t.Helper()
	env, err := Setup{ResultsChannelSize: 10}.build()
	require.NoError(t, err)
	channels, waitGroups, importErrors := env.GetValues()
	worker := NewAsyncWorker(AsyncWorkerConfig{DBBatchSize: batchSize}, nil).WithChannels(channels).WithWaitGroups(waitGroups)
	return worker, channels, waitGroups, importErrors
}

func drainErrors(channels *ImportChannels) []*models.AppError {
	close(channels.Errors)
	var errs []*models.AppError
	for e := range channels.Errors {
		errs = append(errs, e)
	}
	return errs
}

func TestAsyncWorker_ParserWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("should send every record in order", func(t *testing.T) {
		worker, channels, _, _ := newTestWorker(t, 2)
		runner, wg, err := worker.SetupParserWorker(ctx, 1, &sliceReader{records: records(3)})
		require.NoError(t, err)

		runner.Run()
		wg.Wait()
		close(channels.Results)

		var got []int64
		for cvr := range channels.Results {
			got = append(got, cvr.CVRNumber)
		}
		assert.Equal(t, []int64{1, 2, 3}, got)
		assert.Empty(t, drainErrors(channels))
	})

	t.Run("should report the failing row", func(t *testing.T) {
		worker, channels, _, _ := newTestWorker(t, 2)
		rowErr := &parser.RowError{Row: 9, Content: "1,x", Err: errors.New("invalid RecordId")}
		runner, wg, err := worker.SetupParserWorker(ctx, 4, &sliceReader{records: records(1), err: rowErr})
		require.NoError(t, err)

		runner.Run()
		wg.Wait()

		errs := drainErrors(channels)
		require.Len(t, errs, 1)
		assert.Equal(t, int64(4), errs[0].FileID)
		assert.Equal(t, int64(9), errs[0].RowNum)
		assert.Equal(t, "1,x", errs[0].RowContent)
		assert.ErrorIs(t, errs[0], rowErr)
	})

	t.Run("should stop when the job is aborted", func(t *testing.T) {
		env, err := Setup{ResultsChannelSize: 1}.build()
		require.NoError(t, err)
		channels, waitGroups, _ := env.GetValues()
		worker := NewAsyncWorker(AsyncWorkerConfig{DBBatchSize: 1}, nil).WithChannels(channels).WithWaitGroups(waitGroups)
		aborted, abort := context.WithCancel(ctx)
		abort()

		runner, wg, err := worker.SetupParserWorker(aborted, 1, &sliceReader{records: records(50)})
		require.NoError(t, err)
		runner.Run()
		wg.Wait()

		assert.LessOrEqual(t, len(channels.Results), 1)
	})

	t.Run("should refuse to run without channels", func(t *testing.T) {
		worker := NewAsyncWorker(AsyncWorkerConfig{}, nil)

		_, _, err := worker.SetupParserWorker(ctx, 1, &sliceReader{})

		assert.Error(t, err)
	})
}

func TestAsyncWorker_DbWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("should store records in batches", func(t *testing.T) {
		worker, channels, _, _ := newTestWorker(t, 2)
		var sizes []int
		runner, wg, err := worker.SetupDBWorker(ctx, 1)
		require.NoError(t, err)

		runner.Run(func(ctx context.Context, batch []models.CastVoteRecord) error {
			sizes = append(sizes, len(batch))
			return nil
		})
		for _, cvr := range records(5) {
			channels.Results <- cvr
		}
		close(channels.Results)
		wg.Wait()

		assert.Equal(t, []int{2, 2, 1}, sizes)
		assert.Empty(t, drainErrors(channels))
	})

	t.Run("should report a failed batch and keep draining", func(t *testing.T) {
		worker, channels, _, _ := newTestWorker(t, 2)
		calls := 0
		runner, wg, err := worker.SetupDBWorker(ctx, 3)
		require.NoError(t, err)

		runner.Run(func(ctx context.Context, batch []models.CastVoteRecord) error {
			calls++
			return errors.New("disk full")
		})
		for _, cvr := range records(6) {
			channels.Results <- cvr
		}
		close(channels.Results)
		wg.Wait()

		assert.Equal(t, 1, calls)
		errs := drainErrors(channels)
		require.Len(t, errs, 1)
		assert.Equal(t, int64(3), errs[0].FileID)
		assert.ErrorContains(t, errs[0], "disk full")
	})

	t.Run("should turn a panicking handler into an error", func(t *testing.T) {
		worker, channels, _, _ := newTestWorker(t, 1)
		runner, wg, err := worker.SetupDBWorker(ctx, 1)
		require.NoError(t, err)

		runner.Run(func(ctx context.Context, batch []models.CastVoteRecord) error {
			panic("boom")
		})
		channels.Results <- records(1)[0]
		close(channels.Results)
		wg.Wait()

		errs := drainErrors(channels)
		require.Len(t, errs, 1)
		assert.ErrorContains(t, errs[0], "boom")
	})
}

func TestAsyncWorker_ErrorWorker(t *testing.T) {
	t.Run("should abort the job on the first error", func(t *testing.T) {
		worker, channels, _, importErrors := newTestWorker(t, 1)
		var once sync.Once
		aborted := make(chan struct{})
		runner, wg, err := worker.SetupErrorWorker(func() { once.Do(func() { close(aborted) }) })
		require.NoError(t, err)

		runner.Run(importErrors)
		channels.Errors <- &models.AppError{FileID: 1, Message: "first"}
		channels.Errors <- &models.AppError{FileID: 1, Message: "second"}
		close(channels.Errors)
		wg.Wait()

		<-aborted
		require.NotNil(t, importErrors.First())
		assert.Equal(t, "first", importErrors.First().Message)
		assert.Len(t, importErrors.Errors, 2)
	})

	t.Run("should keep at most a hundred errors", func(t *testing.T) {
		worker, channels, _, importErrors := newTestWorker(t, 1)
		runner, wg, err := worker.SetupErrorWorker(func() {})
		require.NoError(t, err)

		runner.Run(importErrors)
		for i := 0; i < 150; i++ {
			channels.Errors <- &models.AppError{FileID: 1, RowNum: int64(i + 1), Message: "bad row"}
		}
		close(channels.Errors)
		wg.Wait()

		assert.Len(t, importErrors.Errors, 100)
	})

	t.Run("should report no error for a clean job", func(t *testing.T) {
		_, _, _, importErrors := newTestWorker(t, 1)

		assert.Nil(t, importErrors.First())
	})
}
