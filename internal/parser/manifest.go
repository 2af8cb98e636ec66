package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
)

var manifestColumns = []string{"county", "tabulator", "batch", "number of ballots", "storage location"}

// ParseManifest reads a ballot manifest and assigns each batch the next contiguous range of
// county-wide sequence numbers, starting at 1.
func ParseManifest(r io.Reader, countyID int64) ([]models.BallotManifestEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty ballot manifest", ErrWrongFileType)
	}
	if err != nil {
		return nil, &RowError{Row: 1, Err: err}
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range manifestColumns {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("%w: ballot manifest header has no %q column", ErrWrongFileType, name)
		}
	}

	var entries []models.BallotManifestEntry
	seen := make(map[string]bool)
	next := int64(1)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &RowError{Row: errorLine(err), Err: err}
		}
		row, _ := reader.FieldPos(0)
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		content := strings.Join(record, ",")
		if len(record) < len(header) {
			return nil, &RowError{Row: int64(row), Content: content, Err: fmt.Errorf("expected %d columns, found %d", len(header), len(record))}
		}

		field := func(name string) string {
			return strings.TrimSpace(record[columns[name]])
		}

		scannerID, err := strconv.Atoi(field("tabulator"))
		if err != nil {
			return nil, &RowError{Row: int64(row), Content: content, Err: fmt.Errorf("invalid tabulator %q", field("tabulator"))}
		}
		batchSize, err := strconv.ParseInt(field("number of ballots"), 10, 64)
		if err != nil || batchSize < 1 {
			return nil, &RowError{Row: int64(row), Content: content, Err: fmt.Errorf("invalid number of ballots %q", field("number of ballots"))}
		}
		batchID := field("batch")
		if batchID == "" {
			return nil, &RowError{Row: int64(row), Content: content, Err: fmt.Errorf("empty batch")}
		}
		key := fmt.Sprintf("%d/%s", scannerID, batchID)
		if seen[key] {
			return nil, &RowError{Row: int64(row), Content: content, Err: fmt.Errorf("batch %s of tabulator %d is listed twice", batchID, scannerID)}
		}
		seen[key] = true

		entries = append(entries, models.BallotManifestEntry{
			CountyID:        countyID,
			ScannerID:       scannerID,
			BatchID:         batchID,
			BatchSize:       batchSize,
			StorageLocation: field("storage location"),
			SequenceStart:   next,
			SequenceEnd:     next + batchSize - 1,
		})
		next += batchSize
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("ballot manifest has no batches")
	}
	return entries, nil
}

// DetectKind guesses the kind of an upload from its first lines.
func DetectKind(r *bufio.Reader) (models.FileKind, error) {
	head, err := r.Peek(64 * 1024)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", fmt.Errorf("reading file head: %w", err)
	}

	lines := bytes.SplitN(head, []byte("\n"), 5)
	if len(lines) > 0 && bytes.Contains(bytes.ToLower(lines[0]), []byte("number of ballots")) {
		return models.FileKindManifest, nil
	}
	if len(lines) > 3 && bytes.Contains(bytes.ToLower(lines[3]), []byte("cvrnumber")) {
		return models.FileKindCVR, nil
	}
	return "", ErrWrongFileType
}
