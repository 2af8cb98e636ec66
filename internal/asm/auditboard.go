package asm

import (
	"fmt"
)

const MachineAuditBoard = "audit_board"

// AuditBoardKey addresses one audit board of a county.
func AuditBoardKey(countyID int64, board int) string {
	return fmt.Sprintf("%d:%d", countyID, board)
}

const (
	AuditInitial                   State = "AUDIT_INITIAL_STATE"
	AuditInProgress                State = "AUDIT_IN_PROGRESS_STATE"
	SignoffIntermediateAuditReport State = "SIGNOFF_INTERMEDIATE_AUDIT_REPORT_STATE"
	SubmitAuditReport              State = "SUBMIT_AUDIT_REPORT_STATE"
)

const (
	SignInAuditBoard               Event = "SIGN_IN_AUDIT_BOARD_EVENT"
	RemoteMarkings                 Event = "REMOTE_MARKINGS_EVENT"
	ReportBallotNotFound           Event = "REPORT_BALLOT_NOT_FOUND_EVENT"
	SubmitAuditInvestigationReport Event = "SUBMIT_AUDIT_INVESTIGATION_REPORT_EVENT"
	SubmitIntermediateAuditReport  Event = "SUBMIT_INTERMEDIATE_AUDIT_REPORT_EVENT"
	SubmitAuditReportEvent         Event = "SUBMIT_AUDIT_REPORT_EVENT"
)

var AuditBoard = register(newDefinition(MachineAuditBoard, AuditInitial, map[State]map[Event]State{
	AuditInitial: {
		SignInAuditBoard: AuditInProgress,
	},
	AuditInProgress: {
		RemoteMarkings:                 AuditInProgress,
		ReportBallotNotFound:           AuditInProgress,
		SubmitAuditInvestigationReport: AuditInProgress,
		SubmitIntermediateAuditReport:  SignoffIntermediateAuditReport,
		SubmitAuditReportEvent:         SubmitAuditReport,
	},
	SignoffIntermediateAuditReport: {
		SignInAuditBoard:       AuditInProgress,
		SubmitAuditReportEvent: SubmitAuditReport,
	},
	SubmitAuditReport: {},
}))
