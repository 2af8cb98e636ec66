package asm

const MachineDoS = "dos"

// DoSKey addresses the single state-level dashboard.
const DoSKey = "state"

const (
	DoSInitial                State = "DOS_INITIAL_STATE"
	DoSAuthenticated          State = "DOS_AUTHENTICATED"
	RiskLimitsSet             State = "RISK_LIMITS_SET"
	ContestsToAuditIdentified State = "CONTESTS_TO_AUDIT_IDENTIFIED"
	RandomSeedPublished       State = "RANDOM_SEED_PUBLISHED"
	BallotOrderDefined        State = "BALLOT_ORDER_DEFINED"
	AuditReadyToStart         State = "AUDIT_READY_TO_START"
	DoSAuditOngoing           State = "DOS_AUDIT_ONGOING"
	DoSAuditComplete          State = "DOS_AUDIT_COMPLETE"
	AuditResultsPublished     State = "AUDIT_RESULTS_PUBLISHED"
)

const (
	AuthenticateStateAdministrator Event = "AUTHENTICATE_STATE_ADMINISTRATOR_EVENT"
	EstablishRiskLimit             Event = "ESTABLISH_RISK_LIMIT_FOR_COMPARISON_AUDITS_EVENT"
	SelectContestsForAudit         Event = "SELECT_CONTESTS_FOR_COMPARISON_AUDIT_EVENT"
	PublicSeed                     Event = "PUBLIC_SEED_EVENT"
	PublishBallotsToAudit          Event = "PUBLISH_BALLOTS_TO_AUDIT_EVENT"
	DoSAuditReady                  Event = "DOS_AUDIT_READY_EVENT"
	DoSStartAudit                  Event = "DOS_START_AUDIT_EVENT"
	IndicateFullHandCount          Event = "INDICATE_FULL_HAND_COUNT_CONTEST_EVENT"
	DoSAuditCompleted              Event = "DOS_AUDIT_COMPLETE_EVENT"
	PublishAuditReport             Event = "PUBLISH_AUDIT_REPORT_EVENT"
)

var DoS = register(newDefinition(MachineDoS, DoSInitial, map[State]map[Event]State{
	DoSInitial: {
		AuthenticateStateAdministrator: DoSAuthenticated,
	},
	DoSAuthenticated: {
		EstablishRiskLimit: RiskLimitsSet,
	},
	RiskLimitsSet: {
		EstablishRiskLimit:     RiskLimitsSet,
		SelectContestsForAudit: ContestsToAuditIdentified,
	},
	ContestsToAuditIdentified: {
		SelectContestsForAudit: ContestsToAuditIdentified,
		IndicateFullHandCount:  ContestsToAuditIdentified,
		PublicSeed:             RandomSeedPublished,
	},
	RandomSeedPublished: {
		PublishBallotsToAudit: BallotOrderDefined,
	},
	BallotOrderDefined: {
		DoSAuditReady: AuditReadyToStart,
	},
	AuditReadyToStart: {
		DoSStartAudit: DoSAuditOngoing,
	},
	DoSAuditOngoing: {
		IndicateFullHandCount: DoSAuditOngoing,
		DoSAuditCompleted:     DoSAuditComplete,
	},
	DoSAuditComplete: {
		PublishAuditReport: AuditResultsPublished,
	},
	AuditResultsPublished: {},
}))
