package ingestion

import (
	"sync"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
)

// ImportChannels connect the workers of one import job.
type ImportChannels struct {
	Results chan models.CastVoteRecord
	Errors  chan *models.AppError
}

type ImportWaitGroups struct {
	ParserWg *sync.WaitGroup
	DbWg     *sync.WaitGroup
	ErrorWg  *sync.WaitGroup
}

// ImportErrors collects the errors reported while a job runs.
type ImportErrors struct {
	Mu     sync.Mutex
	Errors []*models.AppError
}

// First returns the error that aborted the job, or nil.
func (e *ImportErrors) First() *models.AppError {
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[0]
}

type ImportEnvironment struct {
	Channels   *ImportChannels
	WaitGroups *ImportWaitGroups
	Errors     *ImportErrors
}

func (e ImportEnvironment) GetValues() (*ImportChannels, *ImportWaitGroups, *ImportErrors) {
	return e.Channels, e.WaitGroups, e.Errors
}

type ISetup interface {
	build() (ImportEnvironment, error)
}

type Setup struct {
	ResultsChannelSize int
}

// Instantiate the channels and wait groups one import job uses.
// Kept in its own type so tests can inject a different environment.
func (h Setup) build() (ImportEnvironment, error) {
	size := h.ResultsChannelSize
	if size <= 0 {
		size = 1
	}

	var parserWg, dbWg, errorWg sync.WaitGroup
	return ImportEnvironment{
		Channels: &ImportChannels{
			Results: make(chan models.CastVoteRecord, size),
			Errors:  make(chan *models.AppError, 100),
		},
		WaitGroups: &ImportWaitGroups{ParserWg: &parserWg, DbWg: &dbWg, ErrorWg: &errorWg},
		Errors:     &ImportErrors{},
	}, nil
}
