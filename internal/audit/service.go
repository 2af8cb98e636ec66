package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/asm"
	"github.com/ThiagoRGoveia/rla-audit/internal/auditmath"
	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/cockroachdb/apd/v3"
)

var (
	ErrUnknownContest  = errors.New("unknown contest")
	ErrAlreadyAudited  = errors.New("ballot already audited; submit a re-audit instead")
	ErrNotAuditable    = errors.New("record cannot be audited")
	ErrNotUnderAudit   = errors.New("contest is not under audit")
	ErrWrongCountyCVR  = errors.New("record belongs to another county")
	ErrInvalidDecimals = errors.New("invalid decimal setting")
)

// ContestStatus is the current risk measurement of one audited contest.
type ContestStatus struct {
	ContestName        string               `json:"contest_name"`
	RiskLimit          string               `json:"risk_limit"`
	Gamma              string               `json:"gamma"`
	Margin             int64                `json:"margin"`
	BallotCount        int64                `json:"ballot_count"`
	DilutedMargin      string               `json:"diluted_margin"`
	AuditedCount       int64                `json:"audited_count"`
	Discrepancies      models.Discrepancies `json:"discrepancies"`
	OptimisticSamples  int64                `json:"optimistic_samples_to_audit"`
	PValue             string               `json:"p_value"`
	RiskLimitAchieved  bool                 `json:"risk_limit_achieved"`
	EstimatedRemaining int64                `json:"estimated_remaining"`
}

// Submission is an audit board's reading of one selected ballot.
type Submission struct {
	CVRID    int64                `json:"cvr_id"`
	Contests []models.ContestInfo `json:"contests"`
	NotFound bool                 `json:"not_found"`
	ReAudit  bool                 `json:"reaudit"`
	Comment  string               `json:"comment,omitempty"`
}

type Service struct {
	dbManager database.DBManager
	machines  *asm.Service
	logger    *slog.Logger
	riskLimit *apd.Decimal
	gamma     *apd.Decimal
}

func NewService(dbManager database.DBManager, machines *asm.Service, riskLimit, gamma string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	risk, err := auditmath.ParseDecimal(riskLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: risk limit %q: %v", ErrInvalidDecimals, riskLimit, err)
	}
	g, err := auditmath.ParseDecimal(gamma)
	if err != nil {
		return nil, fmt.Errorf("%w: gamma %q: %v", ErrInvalidDecimals, gamma, err)
	}
	return &Service{dbManager: dbManager, machines: machines, logger: logger, riskLimit: risk, gamma: g}, nil
}

// contestUniverse aggregates the county results of contestName.
func contestUniverse(ctx context.Context, tx database.Tx, contestName string) (models.ContestResult, error) {
	results, err := tx.ContestResults(ctx, contestName)
	if err != nil {
		return models.ContestResult{}, err
	}
	if len(results) == 0 {
		return models.ContestResult{}, fmt.Errorf("%w: %s", ErrUnknownContest, contestName)
	}
	return models.AggregateContestResults(results), nil
}

func (s *Service) dilutedMargin(result models.ContestResult) (*apd.Decimal, error) {
	return auditmath.DilutedMargin(result.Margin(), result.BallotCount)
}

// ComputeSampleSize returns the optimistic number of ballots to audit for contestName given the
// discrepancies observed so far. A nil riskLimit uses the configured one.
func (s *Service) ComputeSampleSize(ctx context.Context, contestName string, d models.Discrepancies, riskLimit *apd.Decimal) (int64, error) {
	if riskLimit == nil {
		riskLimit = s.riskLimit
	}

	var result models.ContestResult
	err := s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		var err error
		result, err = contestUniverse(ctx, tx, contestName)
		return err
	})
	if err != nil {
		return 0, err
	}

	dm, err := s.dilutedMargin(result)
	if err != nil {
		return 0, err
	}
	return auditmath.OptimisticSampleSize(riskLimit, dm, s.gamma, d.TwoUnder, d.OneUnder, d.OneOver, d.TwoOver)
}

// PValue returns the conservative Kaplan-Markov p-value of contestName after audited ballots.
func (s *Service) PValue(ctx context.Context, contestName string, d models.Discrepancies, audited int64) (*apd.Decimal, error) {
	var result models.ContestResult
	err := s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		var err error
		result, err = contestUniverse(ctx, tx, contestName)
		return err
	})
	if err != nil {
		return nil, err
	}

	dm, err := s.dilutedMargin(result)
	if err != nil {
		return nil, err
	}
	return auditmath.PValueApproximation(audited, dm, s.gamma, d.OneUnder, d.TwoUnder, d.OneOver, d.TwoOver)
}

// TargetContest opens the comparison audit of contestName at riskLimit. Retargeting keeps the
// tallies gathered so far.
func (s *Service) TargetContest(ctx context.Context, contestName, riskLimit string) (models.ContestAudit, error) {
	if riskLimit == "" {
		riskLimit = s.riskLimit.String()
	}
	risk, err := auditmath.ParseDecimal(riskLimit)
	if err != nil {
		return models.ContestAudit{}, fmt.Errorf("%w: risk limit %q: %v", ErrInvalidDecimals, riskLimit, err)
	}
	if risk.Sign() <= 0 || risk.Cmp(apd.New(1, 0)) > 0 {
		return models.ContestAudit{}, auditmath.ErrInvalidRiskLimit
	}

	var contestAudit models.ContestAudit
	err = s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		if _, err := contestUniverse(ctx, tx, contestName); err != nil {
			return err
		}
		existing, err := tx.ContestAudit(ctx, contestName)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		contestAudit = existing
		contestAudit.ContestName = contestName
		contestAudit.RiskLimit = risk.String()
		contestAudit.Gamma = s.gamma.String()
		return tx.SaveContestAudit(ctx, contestAudit)
	})
	if err != nil {
		return models.ContestAudit{}, err
	}

	s.logger.Info("contest targeted for audit", "contest", contestName, "risk_limit", contestAudit.RiskLimit)
	return contestAudit, nil
}

// Status reports the stored tallies of contestName together with the risk measurement they imply.
func (s *Service) Status(ctx context.Context, contestName string) (ContestStatus, error) {
	var (
		result       models.ContestResult
		contestAudit models.ContestAudit
	)
	err := s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		var err error
		if result, err = contestUniverse(ctx, tx, contestName); err != nil {
			return err
		}
		contestAudit, err = tx.ContestAudit(ctx, contestName)
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotUnderAudit, contestName)
		}
		return err
	})
	if err != nil {
		return ContestStatus{}, err
	}

	risk, err := auditmath.ParseDecimal(contestAudit.RiskLimit)
	if err != nil {
		return ContestStatus{}, err
	}
	dm, err := s.dilutedMargin(result)
	if err != nil {
		return ContestStatus{}, err
	}
	d := contestAudit.Discrepancies
	samples, err := auditmath.OptimisticSampleSize(risk, dm, s.gamma, d.TwoUnder, d.OneUnder, d.OneOver, d.TwoOver)
	if err != nil {
		return ContestStatus{}, err
	}
	p, err := auditmath.PValueApproximation(contestAudit.AuditedCount, dm, s.gamma, d.OneUnder, d.TwoUnder, d.OneOver, d.TwoOver)
	if err != nil {
		return ContestStatus{}, err
	}

	return ContestStatus{
		ContestName:        contestName,
		RiskLimit:          contestAudit.RiskLimit,
		Gamma:              s.gamma.String(),
		Margin:             result.Margin(),
		BallotCount:        result.BallotCount,
		DilutedMargin:      dm.String(),
		AuditedCount:       contestAudit.AuditedCount,
		Discrepancies:      d,
		OptimisticSamples:  samples,
		PValue:             p.String(),
		RiskLimitAchieved:  auditmath.RiskLimitAchieved(p, risk),
		EstimatedRemaining: max(samples-contestAudit.AuditedCount, 0),
	}, nil
}

// Submit records an audit board's interpretation of a selected ballot as a new revision and
// updates the discrepancy tallies of every contest under audit, atomically with the audit board
// transition.
func (s *Service) Submit(ctx context.Context, countyID int64, board int, sub Submission) (models.CastVoteRecord, error) {
	event := asm.RemoteMarkings
	if sub.NotFound {
		event = asm.ReportBallotNotFound
	}

	var acvr models.CastVoteRecord
	_, err := s.machines.Apply(ctx, asm.AuditBoard, asm.AuditBoardKey(countyID, board), event,
		func(ctx context.Context, tx database.Tx, _, _ asm.State) error {
			var err error
			acvr, err = s.recordSubmission(ctx, tx, countyID, sub)
			return err
		})
	if err != nil {
		return models.CastVoteRecord{}, err
	}

	s.logger.Info("audited ballot recorded", "county", countyID, "board", board, "cvr", acvr.CVRNumber,
		"record_type", acvr.RecordType, "revision", acvr.Revision)
	return acvr, nil
}

func (s *Service) recordSubmission(ctx context.Context, tx database.Tx, countyID int64, sub Submission) (models.CastVoteRecord, error) {
	cvr, err := tx.CVR(ctx, sub.CVRID)
	if errors.Is(err, database.ErrNotFound) {
		return models.CastVoteRecord{}, fmt.Errorf("%w: cvr %d does not exist", ErrNotAuditable, sub.CVRID)
	}
	if err != nil {
		return models.CastVoteRecord{}, err
	}
	if cvr.CountyID != countyID {
		return models.CastVoteRecord{}, ErrWrongCountyCVR
	}
	if cvr.RecordType != models.RecordTypeUploaded && cvr.RecordType != models.RecordTypePhantomRecord {
		return models.CastVoteRecord{}, fmt.Errorf("%w: cvr %d is %s", ErrNotAuditable, sub.CVRID, cvr.RecordType)
	}

	previous, err := tx.LatestRevision(ctx, cvr.ID)
	hasPrevious := err == nil
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return models.CastVoteRecord{}, err
	}
	if hasPrevious && !sub.ReAudit {
		return models.CastVoteRecord{}, ErrAlreadyAudited
	}

	cvrID := cvr.ID
	acvr := models.CastVoteRecord{
		CountyID:       cvr.CountyID,
		RecordType:     models.RecordTypeAuditorEntered,
		CVRNumber:      cvr.CVRNumber,
		SequenceNumber: cvr.SequenceNumber,
		ScannerID:      cvr.ScannerID,
		BatchID:        cvr.BatchID,
		RecordID:       cvr.RecordID,
		ImprintedID:    cvr.ImprintedID,
		BallotType:     cvr.BallotType,
		Revision:       1,
		AuditedCVRID:   &cvrID,
		ReAudit:        sub.ReAudit && hasPrevious,
		Contests:       sub.Contests,
		Timestamp:      time.Now().UTC(),
	}
	if hasPrevious {
		acvr.Revision = previous.Revision + 1
	}
	switch {
	case sub.NotFound:
		acvr.RecordType = models.RecordTypePhantomBallot
	case cvr.RecordType == models.RecordTypePhantomRecord:
		acvr.RecordType = models.RecordTypePhantomRecordACVR
	}
	if acvr.RecordType != models.RecordTypeAuditorEntered {
		acvr.Contests = nil
		if sub.Comment != "" {
			acvr.Contests = []models.ContestInfo{{Comment: sub.Comment}}
		}
	}

	var prior *models.CastVoteRecord
	if hasPrevious {
		prior = &previous
	}
	if acvr.TalliedContests, err = s.updateTallies(ctx, tx, &cvr, &acvr, prior); err != nil {
		return models.CastVoteRecord{}, err
	}

	if acvr.ID, err = tx.InsertRevision(ctx, acvr); err != nil {
		return models.CastVoteRecord{}, err
	}
	return acvr, nil
}

// ballotContests names the contests a record is compared on. A phantom record carries no
// choices, so it stands for every contest of its county.
func ballotContests(ctx context.Context, tx database.Tx, cvr *models.CastVoteRecord) ([]string, error) {
	if !cvr.RecordType.IsSystemGenerated() {
		names := make([]string, 0, len(cvr.Contests))
		for _, info := range cvr.Contests {
			names = append(names, info.ContestName)
		}
		return names, nil
	}
	results, err := tx.CountyContestResults(ctx, cvr.CountyID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.ContestName)
	}
	return names, nil
}

// updateTallies adds the discrepancies of acvr to every contest under audit on the ballot and
// returns the contests it counted. A re-audit takes back what the replaced revision counted, and
// counts the ballot as audited only in contests the replaced revision was not counted in.
func (s *Service) updateTallies(ctx context.Context, tx database.Tx, cvr, acvr, prior *models.CastVoteRecord) ([]string, error) {
	names, err := ballotContests(ctx, tx, cvr)
	if err != nil {
		return nil, err
	}

	var tallied []string
	for _, name := range names {
		contestAudit, err := tx.ContestAudit(ctx, name)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result, err := contestUniverse(ctx, tx, name)
		if err != nil {
			return nil, err
		}

		if prior != nil && slices.Contains(prior.TalliedContests, name) {
			if size, ok := ComputeDiscrepancy(cvr, prior, result); ok {
				contestAudit.Discrepancies.Remove(size)
			}
		} else {
			contestAudit.AuditedCount++
		}
		if size, ok := ComputeDiscrepancy(cvr, acvr, result); ok {
			contestAudit.Discrepancies.Record(size)
		}

		if err := tx.SaveContestAudit(ctx, contestAudit); err != nil {
			return nil, err
		}
		tallied = append(tallied, name)
	}
	return tallied, nil
}
