package ingestion

import (
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/ThiagoRGoveia/rla-audit/internal/parser"
)

// contestTally accumulates the per-contest results of one county's CVR import.
type contestTally struct {
	countyID int64
	ballots  int64
	order    []string
	results  map[string]*models.ContestResult
}

func newContestTally(countyID int64, contests []parser.ContestHeader) *contestTally {
	t := &contestTally{countyID: countyID, results: make(map[string]*models.ContestResult, len(contests))}
	for _, c := range contests {
		tallies := make(map[string]int64, len(c.Choices))
		for _, choice := range c.Choices {
			tallies[choice] = 0
		}
		t.order = append(t.order, c.Name)
		t.results[c.Name] = &models.ContestResult{
			CountyID:     countyID,
			ContestName:  c.Name,
			VotesAllowed: c.VotesAllowed,
			Tallies:      tallies,
		}
	}
	return t
}

func (t *contestTally) add(cvrs []models.CastVoteRecord) {
	for i := range cvrs {
		t.ballots++
		for _, info := range cvrs[i].Contests {
			r, ok := t.results[info.ContestName]
			if !ok {
				continue
			}
			r.ContestBallotCount++
			for _, choice := range info.Choices {
				r.Tallies[choice]++
			}
		}
	}
}

// Results returns one result per contest of the export, in export order.
func (t *contestTally) Results() []models.ContestResult {
	results := make([]models.ContestResult, 0, len(t.order))
	for _, name := range t.order {
		r := *t.results[name]
		r.BallotCount = t.ballots
		results = append(results, r)
	}
	return results
}
