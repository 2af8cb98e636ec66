package models

import (
	"fmt"
)

// AppError describes a failure while ingesting an uploaded file.
type AppError struct {
	FileID     int64
	Message    string
	Err        error
	RowNum     int64
	RowContent string
}

func (e *AppError) Error() string {
	var row string
	if e.RowNum > 0 {
		row = fmt.Sprintf(" (row %d: %q)", e.RowNum, e.RowContent)
	}

	if e.Err != nil {
		return fmt.Sprintf("FileID %d: %s%s - %v", e.FileID, e.Message, row, e.Err)
	}

	return fmt.Sprintf("FileID %d: %s%s", e.FileID, e.Message, row)
}

func (e *AppError) Unwrap() error {
	return e.Err
}
