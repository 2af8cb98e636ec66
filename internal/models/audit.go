package models

import (
	"sort"
	"time"
)

// Discrepancies counts the classified differences between machine and auditor interpretations.
type Discrepancies struct {
	TwoUnder int64 `json:"two_vote_under"`
	OneUnder int64 `json:"one_vote_under"`
	OneOver  int64 `json:"one_vote_over"`
	TwoOver  int64 `json:"two_vote_over"`
}

func (d Discrepancies) Total() int64 {
	return d.TwoUnder + d.OneUnder + d.OneOver + d.TwoOver
}

// Record adds one discrepancy of the given signed size; positive values are overstatements.
func (d *Discrepancies) Record(size int) {
	switch size {
	case -2:
		d.TwoUnder++
	case -1:
		d.OneUnder++
	case 1:
		d.OneOver++
	case 2:
		d.TwoOver++
	}
}

// Remove takes back one discrepancy previously recorded with Record.
func (d *Discrepancies) Remove(size int) {
	switch size {
	case -2:
		d.TwoUnder--
	case -1:
		d.OneUnder--
	case 1:
		d.OneOver--
	case 2:
		d.TwoOver--
	}
}

func (d Discrepancies) Valid() bool {
	return d.TwoUnder >= 0 && d.OneUnder >= 0 && d.OneOver >= 0 && d.TwoOver >= 0
}

// ContestResult holds the tallies of one contest within one county.
type ContestResult struct {
	CountyID           int64            `json:"county_id"`
	ContestName        string           `json:"contest_name"`
	VotesAllowed       int              `json:"votes_allowed"`
	BallotCount        int64            `json:"ballot_count"`
	ContestBallotCount int64            `json:"contest_ballot_count"`
	Tallies            map[string]int64 `json:"tallies"`
}

type choiceTally struct {
	choice string
	votes  int64
}

func (r ContestResult) ranked() []choiceTally {
	ranked := make([]choiceTally, 0, len(r.Tallies))
	for choice, votes := range r.Tallies {
		ranked = append(ranked, choiceTally{choice: choice, votes: votes})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].votes != ranked[j].votes {
			return ranked[i].votes > ranked[j].votes
		}
		return ranked[i].choice < ranked[j].choice
	})
	return ranked
}

func (r ContestResult) winnerCount() int {
	if r.VotesAllowed < 1 {
		return 1
	}
	return r.VotesAllowed
}

// Winners returns the VotesAllowed highest vote getters, ties broken by name.
func (r ContestResult) Winners() []string {
	ranked := r.ranked()
	n := min(r.winnerCount(), len(ranked))
	winners := make([]string, 0, n)
	for _, t := range ranked[:n] {
		winners = append(winners, t.choice)
	}
	return winners
}

func (r ContestResult) Losers() []string {
	ranked := r.ranked()
	n := min(r.winnerCount(), len(ranked))
	losers := make([]string, 0, len(ranked)-n)
	for _, t := range ranked[n:] {
		losers = append(losers, t.choice)
	}
	return losers
}

// Margin is the vote difference between the weakest winner and the strongest loser.
func (r ContestResult) Margin() int64 {
	ranked := r.ranked()
	n := min(r.winnerCount(), len(ranked))
	if n == 0 {
		return 0
	}
	lowestWinner := ranked[n-1].votes
	if n == len(ranked) {
		return lowestWinner
	}
	return lowestWinner - ranked[n].votes
}

// AggregateContestResults merges the per-county results of one contest.
func AggregateContestResults(results []ContestResult) ContestResult {
	agg := ContestResult{Tallies: make(map[string]int64)}
	for _, r := range results {
		agg.ContestName = r.ContestName
		agg.VotesAllowed = max(agg.VotesAllowed, r.VotesAllowed)
		agg.BallotCount += r.BallotCount
		agg.ContestBallotCount += r.ContestBallotCount
		for choice, votes := range r.Tallies {
			agg.Tallies[choice] += votes
		}
	}
	return agg
}

// ContestAudit is the running comparison audit state of one contest.
type ContestAudit struct {
	ContestName   string        `json:"contest_name"`
	RiskLimit     string        `json:"risk_limit"`
	Gamma         string        `json:"gamma"`
	AuditedCount  int64         `json:"audited_count"`
	Discrepancies Discrepancies `json:"discrepancies"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AuditResponse pairs a selected ballot with its physical location for an audit board.
type AuditResponse struct {
	AuditSequence   int           `json:"audit_sequence"`
	DBID            int64         `json:"db_id"`
	RecordType      RecordType    `json:"record_type"`
	ScannerID       int           `json:"scanner_id"`
	BatchID         string        `json:"batch_id"`
	RecordID        int64         `json:"record_id"`
	ImprintedID     string        `json:"imprinted_id"`
	CVRNumber       int64         `json:"cvr_number"`
	BallotType      string        `json:"ballot_type"`
	StorageLocation string        `json:"storage_location"`
	Contests        []ContestInfo `json:"contests"`
	Audited         bool          `json:"audited"`
}

// MachineState is the persisted current state of one workflow machine instance.
type MachineState struct {
	Machine   string    `json:"machine"`
	Key       string    `json:"key"`
	State     string    `json:"state"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry is one sampled ballot together with the position of its draw.
type AuditEntry struct {
	AuditSequence int
	CVR           CastVoteRecord
}

// SortActivity orders entries by submission time, keeping every revision.
func SortActivity(entries []AuditEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].CVR, entries[j].CVR
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Revision < b.Revision
	})
}

// SortResults orders entries by audit sequence; a ballot drawn twice appears twice.
func SortResults(entries []AuditEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].AuditSequence < entries[j].AuditSequence
	})
}
