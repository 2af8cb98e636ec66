// Package audit compares audit board interpretations with imported records and keeps the
// per-contest discrepancy tallies that drive the risk calculations.
package audit

import (
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
)

// MaxDiscrepancy is the overstatement assigned to ballots that cannot be compared.
const MaxDiscrepancy = 2

// ComputeDiscrepancy returns the overstatement of result's outcome by cvr relative to the audited
// interpretation acvr. Positive values are overstatements and negative values understatements.
// The bool is false when the contest appears on neither record.
func ComputeDiscrepancy(cvr, acvr *models.CastVoteRecord, result models.ContestResult) (int, bool) {
	if cvr.RecordType.IsSystemGenerated() || acvr.RecordType == models.RecordTypePhantomBallot {
		return MaxDiscrepancy, true
	}

	reported, onCVR := cvr.ContestInfoFor(result.ContestName)
	audited, onACVR := acvr.ContestInfoFor(result.ContestName)
	if !onCVR && !onACVR {
		return 0, false
	}

	winners := result.Winners()
	losers := result.Losers()
	if len(losers) == 0 {
		// Uncontested: only a vote taken from a winner can overstate.
		best := 0
		for _, w := range winners {
			best = max(best, vote(reported, w)-vote(audited, w))
		}
		return best, true
	}

	best := -MaxDiscrepancy
	for _, w := range winners {
		for _, l := range losers {
			reportedMargin := vote(reported, w) - vote(reported, l)
			auditedMargin := vote(audited, w) - vote(audited, l)
			best = max(best, reportedMargin-auditedMargin)
		}
	}
	return best, true
}

func vote(info models.ContestInfo, choice string) int {
	if info.HasChoice(choice) {
		return 1
	}
	return 0
}
