package models

import (
	"time"
)

type FileKind string

const (
	FileKindCVR      FileKind = "cvr"
	FileKindManifest FileKind = "bmi"
)

func (k FileKind) Valid() bool {
	return k == FileKindCVR || k == FileKindManifest
}

type FileStatus string

const (
	FileStatusUploaded     FileStatus = "UPLOADED"
	FileStatusHashVerified FileStatus = "HASH_VERIFIED"
	FileStatusHashWrong    FileStatus = "HASH_WRONG"
	FileStatusImporting    FileStatus = "IMPORTING"
	FileStatusImported     FileStatus = "IMPORTED"
	FileStatusFailed       FileStatus = "FAILED"
)

// ImportResult summarizes the outcome of parsing an uploaded file.
type ImportResult struct {
	Success         bool   `json:"success"`
	ImportedCount   int64  `json:"imported_count"`
	ErrorMessage    string `json:"error_message,omitempty"`
	ErrorRowNum     int64  `json:"error_row_num,omitempty"`
	ErrorRowContent string `json:"error_row_content,omitempty"`
}

type UploadedFile struct {
	ID                     int64        `json:"id"`
	CountyID               int64        `json:"county_id"`
	Kind                   FileKind     `json:"kind"`
	Filename               string       `json:"filename"`
	Digest                 string       `json:"digest"`
	SubmittedHash          string       `json:"submitted_hash"`
	ComputedHash           string       `json:"computed_hash"`
	Size                   int64        `json:"size"`
	ApproximateRecordCount int64        `json:"approximate_record_count"`
	Status                 FileStatus   `json:"status"`
	ErrorMessage           string       `json:"error_message,omitempty"`
	Result                 ImportResult `json:"result"`
	CreatedAt              time.Time    `json:"created_at"`
}

type ImportStatus string

const (
	ImportNotAttempted ImportStatus = "NOT_ATTEMPTED"
	ImportInProgress   ImportStatus = "IN_PROGRESS"
	ImportSuccessful   ImportStatus = "SUCCESSFUL"
	ImportFailed       ImportStatus = "FAILED"
)

// CountyDashboard carries the per-county bookkeeping that side effects of county events update.
type CountyDashboard struct {
	CountyID          int64        `json:"county_id"`
	ManifestFileID    *int64       `json:"manifest_file_id,omitempty"`
	CVRFileID         *int64       `json:"cvr_file_id,omitempty"`
	BallotsInManifest int64        `json:"ballots_in_manifest"`
	CVRsImported      int64        `json:"cvrs_imported"`
	ImportStatus      ImportStatus `json:"import_status"`
	ImportError       string       `json:"import_error,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func NewCountyDashboard(countyID int64) CountyDashboard {
	return CountyDashboard{CountyID: countyID, ImportStatus: ImportNotAttempted}
}
