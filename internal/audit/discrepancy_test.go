package audit

import (
	"testing"

	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/stretchr/testify/assert"
)

func ballot(recordType models.RecordType, contest string, choices ...string) *models.CastVoteRecord {
	cvr := &models.CastVoteRecord{RecordType: recordType}
	if contest != "" {
		cvr.Contests = []models.ContestInfo{{ContestName: contest, Choices: choices}}
	}
	return cvr
}

func TestComputeDiscrepancy(t *testing.T) {
	mayor := models.ContestResult{
		ContestName:  "Mayor",
		VotesAllowed: 1,
		Tallies:      map[string]int64{"Alice": 60, "Bob": 40, "Carl": 10},
	}
	headToHead := models.ContestResult{
		ContestName:  "Mayor",
		VotesAllowed: 1,
		Tallies:      map[string]int64{"Alice": 60, "Bob": 40},
	}
	uncontested := models.ContestResult{
		ContestName:  "Clerk",
		VotesAllowed: 1,
		Tallies:      map[string]int64{"Dana": 90},
	}

	tests := []struct {
		name     string
		cvr      *models.CastVoteRecord
		acvr     *models.CastVoteRecord
		result   models.ContestResult
		expected int
		found    bool
	}{
		{
			name:     "should find no discrepancy when interpretations agree",
			cvr:      ballot(models.RecordTypeUploaded, "Mayor", "Alice"),
			acvr:     ballot(models.RecordTypeAuditorEntered, "Mayor", "Alice"),
			result:   mayor,
			expected: 0,
			found:    true,
		},
		{
			name:     "should count a winner vote read as a loser vote as two over",
			cvr:      ballot(models.RecordTypeUploaded, "Mayor", "Alice"),
			acvr:     ballot(models.RecordTypeAuditorEntered, "Mayor", "Bob"),
			result:   mayor,
			expected: 2,
			found:    true,
		},
		{
			name:     "should count a winner vote read as an undervote as one over",
			cvr:      ballot(models.RecordTypeUploaded, "Mayor", "Alice"),
			acvr:     ballot(models.RecordTypeAuditorEntered, "Mayor"),
			result:   mayor,
			expected: 1,
			found:    true,
		},
		{
			name:     "should count a loser vote read as an undervote as one under",
			cvr:      ballot(models.RecordTypeUploaded, "Mayor", "Bob"),
			acvr:     ballot(models.RecordTypeAuditorEntered, "Mayor"),
			result:   headToHead,
			expected: -1,
			found:    true,
		},
		{
			name:     "should count a loser vote read as a winner vote as two under",
			cvr:      ballot(models.RecordTypeUploaded, "Mayor", "Bob"),
			acvr:     ballot(models.RecordTypeAuditorEntered, "Mayor", "Alice"),
			result:   headToHead,
			expected: -2,
			found:    true,
		},
		{
			name:     "should take the least favourable pair when several losers are on the ballot",
			cvr:      ballot(models.RecordTypeUploaded, "Mayor", "Bob"),
			acvr:     ballot(models.RecordTypeAuditorEntered, "Mayor", "Alice"),
			result:   mayor,
			expected: -1,
			found:    true,
		},
		{
			name:     "should treat a missing physical ballot as two over",
			cvr:      ballot(models.RecordTypeUploaded, "Mayor", "Bob"),
			acvr:     ballot(models.RecordTypePhantomBallot, ""),
			result:   mayor,
			expected: 2,
			found:    true,
		},
		{
			name:     "should treat a phantom record as two over",
			cvr:      ballot(models.RecordTypePhantomRecord, ""),
			acvr:     ballot(models.RecordTypeAuditorEntered, "Mayor", "Alice"),
			result:   mayor,
			expected: 2,
			found:    true,
		},
		{
			name:   "should skip contests on neither record",
			cvr:    ballot(models.RecordTypeUploaded, "Council", "Erin"),
			acvr:   ballot(models.RecordTypeAuditorEntered, "Council", "Erin"),
			result: mayor,
			found:  false,
		},
		{
			name:     "should compare an uncontested race against its winners only",
			cvr:      ballot(models.RecordTypeUploaded, "Clerk", "Dana"),
			acvr:     ballot(models.RecordTypeAuditorEntered, "Clerk"),
			result:   uncontested,
			expected: 1,
			found:    true,
		},
		{
			name:     "should not report understatements for an uncontested race",
			cvr:      ballot(models.RecordTypeUploaded, "Clerk"),
			acvr:     ballot(models.RecordTypeAuditorEntered, "Clerk", "Dana"),
			result:   uncontested,
			expected: 0,
			found:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ComputeDiscrepancy(tt.cvr, tt.acvr, tt.result)

			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.expected, got)
		})
	}
}
