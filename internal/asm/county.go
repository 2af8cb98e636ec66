package asm

import (
	"strconv"
	"strings"
)

const MachineCounty = "county"

// CountyKey addresses the dashboard of one county.
func CountyKey(countyID int64) string {
	return strconv.FormatInt(countyID, 10)
}

// Phases of a county outside the file-upload product states.
const (
	CountyInitial         State = "COUNTY_INITIAL_STATE"
	AuditBoardEstablished State = "AUDIT_BOARD_ESTABLISHED"
	CountyAuditUnderway   State = "COUNTY_AUDIT_UNDERWAY"
	CountyAuditComplete   State = "COUNTY_AUDIT_COMPLETE"
)

// Sub-lifecycle states shared by the ballot manifest and the CVR export.
const (
	NotUploaded             = "NOT_UPLOADED"
	UploadSuccessful        = "UPLOAD_SUCCESSFUL"
	CheckingHash            = "CHECKING_HASH"
	HashVerified            = "HASH_VERIFIED"
	HashWrong               = "HASH_WRONG"
	FileTypeWrong           = "FILE_TYPE_WRONG"
	DataParsed              = "DATA_PARSED"
	TransmissionInterrupted = "TRANSMISSION_INTERRUPTED"
	TooLate                 = "TOO_LATE"
	Importing               = "IMPORTING"
	ImportFailed            = "IMPORT_FAILED"
)

const (
	ManifestPrefix = "BALLOT_MANIFEST_"
	CVRPrefix      = "CVRS_"
)

const (
	AuthenticateCountyAdministrator Event = "AUTHENTICATE_COUNTY_ADMINISTRATOR_EVENT"

	UploadBallotManifest                  Event = "BALLOT_MANIFEST_UPLOAD_EVENT"
	BallotManifestTransmissionInterrupted Event = "BALLOT_MANIFEST_TRANSMISSION_INTERRUPTED_EVENT"
	CheckBallotManifestHash               Event = "BALLOT_MANIFEST_CHECK_HASH_EVENT"
	BallotManifestHashVerified            Event = "BALLOT_MANIFEST_HASH_VERIFIED_EVENT"
	BallotManifestHashWrong               Event = "BALLOT_MANIFEST_HASH_WRONG_EVENT"
	BallotManifestFileTypeWrong           Event = "BALLOT_MANIFEST_FILE_TYPE_WRONG_EVENT"
	ImportBallotManifest                  Event = "IMPORT_BALLOT_MANIFEST_EVENT"
	DeleteBallotManifest                  Event = "DELETE_BALLOT_MANIFEST_EVENT"

	UploadCVRs                 Event = "CVR_UPLOAD_EVENT"
	CVRTransmissionInterrupted Event = "CVR_TRANSMISSION_INTERRUPTED_EVENT"
	CheckCVRHash               Event = "CVR_CHECK_HASH_EVENT"
	CVRHashVerified            Event = "CVR_HASH_VERIFIED_EVENT"
	CVRHashWrong               Event = "CVR_HASH_WRONG_EVENT"
	CVRFileTypeWrong           Event = "CVR_FILE_TYPE_WRONG_EVENT"
	ImportCVRs                 Event = "IMPORT_CVRS_EVENT"
	CVRImportSuccess           Event = "CVR_IMPORT_SUCCESS_EVENT"
	CVRImportFailure           Event = "CVR_IMPORT_FAILURE_EVENT"
	DeleteCVRs                 Event = "DELETE_CVRS_EVENT"

	CountyDeadlineMissed Event = "COUNTY_DEADLINE_MISSED_EVENT"
	EstablishAuditBoard  Event = "ESTABLISH_AUDIT_BOARD_EVENT"
	CountyStartAudit     Event = "COUNTY_START_AUDIT_EVENT"
	CountyAuditCompleted Event = "COUNTY_AUDIT_COMPLETE_EVENT"
)

// subLifecycle is the upload/verify/parse progression of one county file. The county
// machine runs two of them side by side.
type subLifecycle struct {
	prefix      string
	states      []string
	transitions map[Event]map[string]string
}

func (l subLifecycle) state(s string) string {
	return l.prefix + s
}

func uploadLifecycle(prefix string, withImport bool, upload, interrupted, checkHash, verified, wrong, typeWrong, parse, del Event) subLifecycle {
	states := []string{NotUploaded, UploadSuccessful, CheckingHash, HashVerified, HashWrong, FileTypeWrong, DataParsed, TransmissionInterrupted, TooLate}
	uploadable := []string{NotUploaded, UploadSuccessful, HashVerified, HashWrong, FileTypeWrong, DataParsed, TransmissionInterrupted}
	if withImport {
		states = append(states, Importing, ImportFailed)
		uploadable = append(uploadable, ImportFailed)
	}

	t := map[Event]map[string]string{
		upload:      {},
		interrupted: {},
		checkHash:   {UploadSuccessful: CheckingHash},
		verified:    {CheckingHash: HashVerified},
		wrong:       {CheckingHash: HashWrong},
		typeWrong:   {HashVerified: FileTypeWrong},
		del:         {},
	}
	for _, s := range uploadable {
		t[upload][s] = UploadSuccessful
		t[interrupted][s] = TransmissionInterrupted
		if s != NotUploaded {
			t[del][s] = NotUploaded
		}
	}
	if withImport {
		t[parse] = map[string]string{HashVerified: Importing}
		t[CVRImportSuccess] = map[string]string{Importing: DataParsed}
		t[CVRImportFailure] = map[string]string{Importing: ImportFailed}
	} else {
		t[parse] = map[string]string{HashVerified: DataParsed}
	}

	return subLifecycle{prefix: prefix, states: states, transitions: t}
}

var (
	manifestLifecycle = uploadLifecycle(ManifestPrefix, false,
		UploadBallotManifest, BallotManifestTransmissionInterrupted, CheckBallotManifestHash,
		BallotManifestHashVerified, BallotManifestHashWrong, BallotManifestFileTypeWrong,
		ImportBallotManifest, DeleteBallotManifest)
	cvrLifecycle = uploadLifecycle(CVRPrefix, true,
		UploadCVRs, CVRTransmissionInterrupted, CheckCVRHash,
		CVRHashVerified, CVRHashWrong, CVRFileTypeWrong,
		ImportCVRs, DeleteCVRs)
)

// CountyUploadState names the product state of the manifest and CVR sub-lifecycles,
// given their unprefixed states.
func CountyUploadState(manifest, cvrs string) State {
	return State(ManifestPrefix + manifest + "/" + CVRPrefix + cvrs)
}

// SplitCountyState returns the unprefixed sub-lifecycle states of an upload-phase state.
func SplitCountyState(s State) (manifest, cvrs string, ok bool) {
	m, c, found := strings.Cut(string(s), "/")
	if !found || !strings.HasPrefix(m, ManifestPrefix) || !strings.HasPrefix(c, CVRPrefix) {
		return "", "", false
	}
	return strings.TrimPrefix(m, ManifestPrefix), strings.TrimPrefix(c, CVRPrefix), true
}

// CountyReady is the upload-phase state in which both files have been imported.
var CountyReady = CountyUploadState(DataParsed, DataParsed)

// CountyNoFiles is the upload-phase state entered on authentication and after both files are deleted.
var CountyNoFiles = CountyUploadState(NotUploaded, NotUploaded)

func buildCountyTransitions() map[State]map[Event]State {
	table := map[State]map[Event]State{
		CountyInitial: {
			AuthenticateCountyAdministrator: CountyNoFiles,
			CountyDeadlineMissed:            CountyUploadState(TooLate, TooLate),
		},
		AuditBoardEstablished: {CountyStartAudit: CountyAuditUnderway},
		CountyAuditUnderway:   {CountyAuditCompleted: CountyAuditComplete},
		CountyAuditComplete:   {},
	}

	for _, m := range manifestLifecycle.states {
		for _, c := range cvrLifecycle.states {
			from := CountyUploadState(m, c)
			row := map[Event]State{}
			table[from] = row
			if m == TooLate || c == TooLate {
				continue
			}
			for event, moves := range manifestLifecycle.transitions {
				if to, ok := moves[m]; ok {
					row[event] = CountyUploadState(to, c)
				}
			}
			for event, moves := range cvrLifecycle.transitions {
				if to, ok := moves[c]; ok {
					row[event] = CountyUploadState(m, to)
				}
			}
			if m == DataParsed && c == DataParsed {
				row[EstablishAuditBoard] = AuditBoardEstablished
			} else if c != Importing {
				row[CountyDeadlineMissed] = CountyUploadState(tooLateUnlessParsed(m), tooLateUnlessParsed(c))
			}
		}
	}
	return table
}

func tooLateUnlessParsed(s string) string {
	if s == DataParsed {
		return s
	}
	return TooLate
}

var County = register(newDefinition(MachineCounty, CountyInitial, buildCountyTransitions()))
