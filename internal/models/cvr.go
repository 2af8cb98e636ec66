package models

import (
	"fmt"
	"sort"
	"time"
)

type RecordType string

const (
	RecordTypeUploaded          RecordType = "UPLOADED"
	RecordTypeAuditorEntered    RecordType = "AUDITOR_ENTERED"
	RecordTypePhantomRecord     RecordType = "PHANTOM_RECORD"
	RecordTypePhantomRecordACVR RecordType = "PHANTOM_RECORD_ACVR"
	RecordTypePhantomBallot     RecordType = "PHANTOM_BALLOT"
)

// IsAuditorGenerated reports whether the record was entered by an audit board.
func (r RecordType) IsAuditorGenerated() bool {
	return r == RecordTypeAuditorEntered || r == RecordTypePhantomBallot
}

// IsSystemGenerated reports whether the record is a placeholder created during selection.
func (r RecordType) IsSystemGenerated() bool {
	return r == RecordTypePhantomRecord || r == RecordTypePhantomRecordACVR
}

func (r RecordType) IsPhantom() bool {
	return r.IsSystemGenerated() || r == RecordTypePhantomBallot
}

func (r RecordType) Valid() bool {
	switch r {
	case RecordTypeUploaded, RecordTypeAuditorEntered, RecordTypePhantomRecord,
		RecordTypePhantomRecordACVR, RecordTypePhantomBallot:
		return true
	}
	return false
}

const PhantomBallotType = "PHANTOM RECORD"

// ContestInfo holds the choices marked for one contest on a ballot.
type ContestInfo struct {
	ContestName string   `json:"contest_name" cbor:"1,keyasint"`
	Choices     []string `json:"choices" cbor:"2,keyasint"`
	Comment     string   `json:"comment,omitempty" cbor:"3,keyasint,omitempty"`
}

func (c ContestInfo) HasChoice(choice string) bool {
	for _, ch := range c.Choices {
		if ch == choice {
			return true
		}
	}
	return false
}

type CastVoteRecord struct {
	ID             int64         `json:"id"`
	CountyID       int64         `json:"county_id"`
	RecordType     RecordType    `json:"record_type"`
	CVRNumber      int64         `json:"cvr_number"`
	SequenceNumber *int64        `json:"sequence_number,omitempty"`
	ScannerID      int           `json:"scanner_id"`
	BatchID        string        `json:"batch_id"`
	RecordID       int64         `json:"record_id"`
	ImprintedID    string        `json:"imprinted_id"`
	BallotType     string        `json:"ballot_type"`
	Revision       int64         `json:"revision"`
	AuditedCVRID   *int64        `json:"audited_cvr_id,omitempty"`
	ReAudit        bool          `json:"reaudit,omitempty"`
	Contests       []ContestInfo `json:"contests"`
	CheckSum       string        `json:"checksum,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	// TalliedContests names the contests under audit whose tallies counted this revision.
	TalliedContests []string `json:"tallied_contests,omitempty"`
}

// ImprintedIDFor builds the scanner-batch-record key printed on a ballot.
func ImprintedIDFor(scannerID int, batchID string, recordID int64) string {
	return fmt.Sprintf("%d-%s-%d", scannerID, batchID, recordID)
}

func (c *CastVoteRecord) ContestInfoFor(contestName string) (ContestInfo, bool) {
	for _, info := range c.Contests {
		if info.ContestName == contestName {
			return info, true
		}
	}
	return ContestInfo{}, false
}

// IsAuditPairWith reports whether other describes the same physical ballot.
func (c *CastVoteRecord) IsAuditPairWith(other *CastVoteRecord) bool {
	return other != nil &&
		c.CountyID == other.CountyID &&
		c.CVRNumber == other.CVRNumber &&
		c.ScannerID == other.ScannerID &&
		c.BatchID == other.BatchID &&
		c.RecordID == other.RecordID &&
		c.ImprintedID == other.ImprintedID &&
		c.BallotType == other.BallotType
}

// Compare orders records by scanner, batch (natural order) and record id.
func (c *CastVoteRecord) Compare(other *CastVoteRecord) int {
	if c.ScannerID != other.ScannerID {
		if c.ScannerID < other.ScannerID {
			return -1
		}
		return 1
	}
	if r := NaturalCompare(c.BatchID, other.BatchID); r != 0 {
		return r
	}
	switch {
	case c.RecordID < other.RecordID:
		return -1
	case c.RecordID > other.RecordID:
		return 1
	}
	return 0
}

// SortCanonical sorts records into display and pairing order.
func SortCanonical(cvrs []CastVoteRecord) {
	sort.SliceStable(cvrs, func(i, j int) bool {
		return cvrs[i].Compare(&cvrs[j]) < 0
	})
}

// NaturalCompare compares strings treating runs of digits as numbers, so "B2" < "B10".
func NaturalCompare(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			si := i
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			sj := j
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			na := trimZeros(a[si:i])
			nb := trimZeros(b[sj:j])
			if len(na) != len(nb) {
				if len(na) < len(nb) {
					return -1
				}
				return 1
			}
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	}
	return 0
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
