package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/ThiagoRGoveia/rla-audit/pkg/checksum"
)

var (
	ErrWrongFileType = errors.New("file is not of the expected type")
	ErrDuplicateRow  = errors.New("duplicate record")
)

// RowError reports a malformed line of an import file.
type RowError struct {
	Row     int64
	Content string
	Err     error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

var voteForPattern = regexp.MustCompile(`^(.*?)\s*\(Vote For=(\d+)\)\s*$`)

// ContestHeader is one contest of a CVR export and the columns holding its choices.
type ContestHeader struct {
	Name         string
	VotesAllowed int
	Choices      []string
	firstColumn  int
}

// CVRExportReader streams the cast vote records of a Dominion-style export. The first three lines
// carry the election name, the contest of each choice column and the choice names; the fourth is the
// column header.
type CVRExportReader struct {
	reader       *csv.Reader
	countyID     int64
	ElectionName string
	Contests     []ContestHeader

	width          int
	cvrNumberCol   int
	tabulatorCol   int
	batchCol       int
	recordCol      int
	imprintedCol   int
	ballotTypeCol  int
	firstChoiceCol int

	// checksum of every record read so far, mapped to its line
	seen map[string]int64
}

func NewCVRExportReader(r io.Reader, countyID int64) (*CVRExportReader, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	p := &CVRExportReader{reader: reader, countyID: countyID, seen: make(map[string]int64)}

	var lines [4][]string
	for i := range lines {
		record, err := reader.Read()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: CVR export ends before its header lines", ErrWrongFileType)
		}
		if err != nil {
			return nil, &RowError{Row: int64(i + 1), Err: err}
		}
		lines[i] = record
	}

	if len(lines[0]) > 0 {
		p.ElectionName = strings.TrimSpace(lines[0][0])
	}
	if err := p.readHeader(lines[3]); err != nil {
		return nil, err
	}
	if err := p.readContests(lines[1], lines[2]); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *CVRExportReader) readHeader(header []string) error {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	lookup := func(name string) (int, error) {
		i, ok := columns[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("%w: CVR export header has no %s column", ErrWrongFileType, name)
		}
		return i, nil
	}

	var err error
	if p.cvrNumberCol, err = lookup("CvrNumber"); err != nil {
		return err
	}
	if p.tabulatorCol, err = lookup("TabulatorNum"); err != nil {
		return err
	}
	if p.batchCol, err = lookup("BatchId"); err != nil {
		return err
	}
	if p.recordCol, err = lookup("RecordId"); err != nil {
		return err
	}
	if p.imprintedCol, err = lookup("ImprintedId"); err != nil {
		return err
	}
	if p.ballotTypeCol, err = lookup("BallotType"); err != nil {
		return err
	}

	p.width = len(header)
	p.firstChoiceCol = p.ballotTypeCol + 1
	return nil
}

func (p *CVRExportReader) readContests(contestLine, choiceLine []string) error {
	if len(contestLine) < p.width || len(choiceLine) < p.width {
		return &RowError{Row: 2, Content: strings.Join(contestLine, ","), Err: fmt.Errorf("contest lines are shorter than the header")}
	}

	for col := p.firstChoiceCol; col < p.width; col++ {
		raw := strings.TrimSpace(contestLine[col])
		if raw == "" {
			return &RowError{Row: 2, Content: strings.Join(contestLine, ","), Err: fmt.Errorf("choice column %d has no contest", col+1)}
		}

		name, votesAllowed := raw, 1
		if m := voteForPattern.FindStringSubmatch(raw); m != nil {
			name = m[1]
			n, err := strconv.Atoi(m[2])
			if err != nil || n < 1 {
				return &RowError{Row: 2, Content: raw, Err: fmt.Errorf("invalid votes allowed in %q", raw)}
			}
			votesAllowed = n
		}

		last := len(p.Contests) - 1
		if last < 0 || p.Contests[last].Name != name {
			p.Contests = append(p.Contests, ContestHeader{Name: name, VotesAllowed: votesAllowed, firstColumn: col})
			last++
		}
		p.Contests[last].Choices = append(p.Contests[last].Choices, strings.TrimSpace(choiceLine[col]))
	}
	return nil
}

// Next returns the next cast vote record, or io.EOF after the last one.
func (p *CVRExportReader) Next() (models.CastVoteRecord, error) {
	record, err := p.reader.Read()
	if err == io.EOF {
		return models.CastVoteRecord{}, io.EOF
	}
	if err != nil {
		return models.CastVoteRecord{}, &RowError{Row: errorLine(err), Err: err}
	}
	row, _ := p.reader.FieldPos(0)

	cvr, err := p.parseRecord(record)
	if err != nil {
		return models.CastVoteRecord{}, &RowError{Row: int64(row), Content: strings.Join(record, ","), Err: err}
	}
	if first, ok := p.seen[cvr.CheckSum]; ok {
		return models.CastVoteRecord{}, &RowError{
			Row:     int64(row),
			Content: strings.Join(record, ","),
			Err:     fmt.Errorf("%w: same content as row %d", ErrDuplicateRow, first),
		}
	}
	p.seen[cvr.CheckSum] = int64(row)
	return cvr, nil
}

func errorLine(err error) int64 {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return int64(parseErr.StartLine)
	}
	return 0
}

func (p *CVRExportReader) parseRecord(record []string) (models.CastVoteRecord, error) {
	if len(record) != p.width {
		return models.CastVoteRecord{}, fmt.Errorf("expected %d columns, found %d", p.width, len(record))
	}

	cvrNumber, err := strconv.ParseInt(strings.TrimSpace(record[p.cvrNumberCol]), 10, 64)
	if err != nil {
		return models.CastVoteRecord{}, fmt.Errorf("invalid CvrNumber %q", record[p.cvrNumberCol])
	}
	scannerID, err := strconv.Atoi(strings.TrimSpace(record[p.tabulatorCol]))
	if err != nil {
		return models.CastVoteRecord{}, fmt.Errorf("invalid TabulatorNum %q", record[p.tabulatorCol])
	}
	recordID, err := strconv.ParseInt(strings.TrimSpace(record[p.recordCol]), 10, 64)
	if err != nil {
		return models.CastVoteRecord{}, fmt.Errorf("invalid RecordId %q", record[p.recordCol])
	}
	batchID := strings.TrimSpace(record[p.batchCol])
	if batchID == "" {
		return models.CastVoteRecord{}, fmt.Errorf("empty BatchId")
	}

	imprintedID := strings.TrimSpace(record[p.imprintedCol])
	if imprintedID == "" {
		imprintedID = models.ImprintedIDFor(scannerID, batchID, recordID)
	}

	cvr := models.CastVoteRecord{
		CountyID:    p.countyID,
		RecordType:  models.RecordTypeUploaded,
		CVRNumber:   cvrNumber,
		ScannerID:   scannerID,
		BatchID:     batchID,
		RecordID:    recordID,
		ImprintedID: imprintedID,
		BallotType:  strings.TrimSpace(record[p.ballotTypeCol]),
		CheckSum:    checksum.CalculateHash(record),
	}

	for _, contest := range p.Contests {
		onBallot := false
		choices := []string{}
		for i, choice := range contest.Choices {
			switch strings.TrimSpace(record[contest.firstColumn+i]) {
			case "":
			case "0":
				onBallot = true
			case "1":
				onBallot = true
				choices = append(choices, choice)
			default:
				return models.CastVoteRecord{}, fmt.Errorf("invalid mark %q for %s in %s", record[contest.firstColumn+i], choice, contest.Name)
			}
		}
		if onBallot {
			cvr.Contests = append(cvr.Contests, models.ContestInfo{ContestName: contest.Name, Choices: choices})
		}
	}
	return cvr, nil
}
