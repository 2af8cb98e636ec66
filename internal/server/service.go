package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ThiagoRGoveia/rla-audit/internal/asm"
	"github.com/ThiagoRGoveia/rla-audit/internal/audit"
	"github.com/ThiagoRGoveia/rla-audit/internal/auditmath"
	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/ingestion"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/ThiagoRGoveia/rla-audit/internal/parser"
	"github.com/ThiagoRGoveia/rla-audit/internal/selection"
	"github.com/cockroachdb/apd/v3"
	"github.com/go-chi/chi/v5"
)

const maxUploadSize = 1 << 30

var errBadRequest = errors.New("bad request")

type Machines interface {
	Current(ctx context.Context, def *asm.Definition, key string) (asm.State, error)
	Apply(ctx context.Context, def *asm.Definition, key string, event asm.Event, effect asm.Effect) (asm.State, error)
}

type Importer interface {
	StartImport(ctx context.Context, countyID, fileID int64) (string, error)
	InFlight() int64
}

type BallotSelector interface {
	BallotsToAudit(ctx context.Context, countyID int64, draws []int64) ([]models.AuditResponse, error)
}

type Auditor interface {
	ComputeSampleSize(ctx context.Context, contestName string, d models.Discrepancies, riskLimit *apd.Decimal) (int64, error)
	PValue(ctx context.Context, contestName string, d models.Discrepancies, audited int64) (*apd.Decimal, error)
	TargetContest(ctx context.Context, contestName, riskLimit string) (models.ContestAudit, error)
	Status(ctx context.Context, contestName string) (audit.ContestStatus, error)
	Submit(ctx context.Context, countyID int64, board int, sub audit.Submission) (models.CastVoteRecord, error)
}

// managedEvents are applied by the endpoint that also performs their side effects.
var managedEvents = map[asm.Event]bool{
	asm.UploadBallotManifest:                  true,
	asm.BallotManifestTransmissionInterrupted: true,
	asm.CheckBallotManifestHash:               true,
	asm.BallotManifestHashVerified:            true,
	asm.BallotManifestHashWrong:               true,
	asm.BallotManifestFileTypeWrong:           true,
	asm.ImportBallotManifest:                  true,
	asm.DeleteBallotManifest:                  true,
	asm.UploadCVRs:                            true,
	asm.CVRTransmissionInterrupted:            true,
	asm.CheckCVRHash:                          true,
	asm.CVRHashVerified:                       true,
	asm.CVRHashWrong:                          true,
	asm.CVRFileTypeWrong:                      true,
	asm.ImportCVRs:                            true,
	asm.CVRImportSuccess:                      true,
	asm.CVRImportFailure:                      true,
	asm.DeleteCVRs:                            true,
	asm.RemoteMarkings:                        true,
	asm.ReportBallotNotFound:                  true,
}

type AuditService struct {
	Machines Machines
	Files    ingestion.Processor
	Imports  Importer
	Selector BallotSelector
	Audits   Auditor
	Logger   *slog.Logger
}

func NewAuditService(machines Machines, files ingestion.Processor, imports Importer, selector BallotSelector, audits Auditor, logger *slog.Logger) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditService{Machines: machines, Files: files, Imports: imports, Selector: selector, Audits: audits, Logger: logger}
}

type eventRequest struct {
	Event string `json:"event"`
}

type stateResponse struct {
	Machine string    `json:"machine"`
	Key     string    `json:"key"`
	State   asm.State `json:"state"`
}

func (h *AuditService) machine(r *http.Request) (*asm.Definition, string, error) {
	def, ok := asm.Lookup(chi.URLParam(r, "machine"))
	if !ok {
		return nil, "", fmt.Errorf("%w: unknown machine %q", errBadRequest, chi.URLParam(r, "machine"))
	}
	key := chi.URLParam(r, "key")
	if err := asm.CheckKey(def, key); err != nil {
		return nil, "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return def, key, nil
}

func (h *AuditService) GetMachineState(w http.ResponseWriter, r *http.Request) {
	def, key, err := h.machine(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	state, err := h.Machines.Current(r.Context(), def, key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Machine: def.Name, Key: key, State: state})
}

func (h *AuditService) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	def, key, err := h.machine(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	event := asm.Event(req.Event)
	if !def.HasEvent(event) {
		h.writeError(w, r, fmt.Errorf("%w: %s has no event %q", errBadRequest, def.Name, req.Event))
		return
	}
	if managedEvents[event] {
		h.writeError(w, r, fmt.Errorf("%w: %s is applied by its own endpoint", errBadRequest, event))
		return
	}

	state, err := h.Machines.Apply(r.Context(), def, key, event, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Machine: def.Name, Key: key, State: state})
}

type countyResponse struct {
	State     asm.State              `json:"state"`
	Dashboard models.CountyDashboard `json:"dashboard"`
}

func (h *AuditService) GetCounty(w http.ResponseWriter, r *http.Request) {
	countyID, err := pathInt(r, "county")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	state, err := h.Machines.Current(r.Context(), asm.County, asm.CountyKey(countyID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cdb, err := h.Files.Dashboard(r.Context(), countyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countyResponse{State: state, Dashboard: cdb})
}

type uploadResponse struct {
	File  models.UploadedFile `json:"file"`
	Error string              `json:"error,omitempty"`
}

func (h *AuditService) UploadFile(w http.ResponseWriter, r *http.Request) {
	countyID, err := pathInt(r, "county")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	kind := models.FileKind(query.Get("kind"))
	if !kind.Valid() {
		h.writeError(w, r, fmt.Errorf("%w: kind must be %q or %q", errBadRequest, models.FileKindCVR, models.FileKindManifest))
		return
	}
	hash := query.Get("hash")
	if hash == "" {
		h.writeError(w, r, fmt.Errorf("%w: hash is required", errBadRequest))
		return
	}
	filename := query.Get("filename")
	if filename == "" {
		filename = string(kind) + ".csv"
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, err := h.Files.Upload(r.Context(), countyID, kind, filename, hash, body)
	if err != nil {
		if file.ID == 0 {
			h.writeError(w, r, err)
			return
		}
		// the upload was recorded, report it along with the check that failed
		writeJSON(w, statusFor(err), uploadResponse{File: file, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{File: file})
}

type fileRequest struct {
	FileID int64           `json:"file_id"`
	Kind   models.FileKind `json:"kind"`
}

func (h *AuditService) DeleteFile(w http.ResponseWriter, r *http.Request) {
	countyID, err := pathInt(r, "county")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req fileRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !req.Kind.Valid() {
		h.writeError(w, r, fmt.Errorf("%w: unknown file kind %q", errBadRequest, req.Kind))
		return
	}
	if err := h.Files.DeleteFile(r.Context(), countyID, req.Kind); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuditService) StartCVRImport(w http.ResponseWriter, r *http.Request) {
	countyID, err := pathInt(r, "county")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req fileRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	jobID, err := h.Imports.StartImport(r.Context(), countyID, req.FileID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *AuditService) ImportManifest(w http.ResponseWriter, r *http.Request) {
	countyID, err := pathInt(r, "county")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req fileRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	file, err := h.Files.ImportManifest(r.Context(), countyID, req.FileID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

type ballotsRequest struct {
	Draws []int64 `json:"draws"`
	Seed  string  `json:"seed"`
	Count int     `json:"count"`
}

// BallotsToAudit resolves explicit draws, or draws generated from the public seed over the
// county's manifest.
func (h *AuditService) BallotsToAudit(w http.ResponseWriter, r *http.Request) {
	countyID, err := pathInt(r, "county")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req ballotsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	draws := req.Draws
	if req.Seed != "" {
		cdb, err := h.Files.Dashboard(r.Context(), countyID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if cdb.BallotsInManifest == 0 {
			h.writeError(w, r, fmt.Errorf("%w: county %d has no ballot manifest", selection.ErrMissingBallotManifest, countyID))
			return
		}
		draws, err = selection.GenerateDraws(req.Seed, req.Count, 1, cdb.BallotsInManifest)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}
	if len(draws) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: draws or a seed and count are required", errBadRequest))
		return
	}

	ballots, err := h.Selector.BallotsToAudit(r.Context(), countyID, draws)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ballots)
}

func (h *AuditService) SubmitACVR(w http.ResponseWriter, r *http.Request) {
	countyID, err := pathInt(r, "county")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	board, err := pathInt(r, "board")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var sub audit.Submission
	if err := decodeJSON(r, &sub); err != nil {
		h.writeError(w, r, err)
		return
	}
	acvr, err := h.Audits.Submit(r.Context(), countyID, int(board), sub)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acvr)
}

type riskRequest struct {
	RiskLimit     string               `json:"risk_limit"`
	Audited       int64                `json:"audited"`
	Discrepancies models.Discrepancies `json:"discrepancies"`
}

func (h *AuditService) GetContestStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Audits.Status(r.Context(), chi.URLParam(r, "contest"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *AuditService) TargetContest(w http.ResponseWriter, r *http.Request) {
	var req riskRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	contestAudit, err := h.Audits.TargetContest(r.Context(), chi.URLParam(r, "contest"), req.RiskLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contestAudit)
}

func (h *AuditService) ComputeSampleSize(w http.ResponseWriter, r *http.Request) {
	var req riskRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !req.Discrepancies.Valid() {
		h.writeError(w, r, fmt.Errorf("%w: discrepancy counts must not be negative", errBadRequest))
		return
	}
	var risk *apd.Decimal
	if req.RiskLimit != "" {
		var err error
		if risk, err = auditmath.ParseDecimal(req.RiskLimit); err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}

	size, err := h.Audits.ComputeSampleSize(r.Context(), chi.URLParam(r, "contest"), req.Discrepancies, risk)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sample_size": size})
}

func (h *AuditService) PValue(w http.ResponseWriter, r *http.Request) {
	var req riskRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !req.Discrepancies.Valid() || req.Audited < 0 {
		h.writeError(w, r, fmt.Errorf("%w: counts must not be negative", errBadRequest))
		return
	}

	p, err := h.Audits.PValue(r.Context(), chi.URLParam(r, "contest"), req.Discrepancies, req.Audited)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"p_value": p.String()})
}

func (h *AuditService) GetImports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"in_flight": h.Imports.InFlight()})
}

func pathInt(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, raw)
	}
	return v, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func statusFor(err error) int {
	var appErr *models.AppError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ingestion.ErrUnknownFileKind),
		errors.Is(err, auditmath.ErrInvalidRiskLimit),
		errors.Is(err, audit.ErrInvalidDecimals),
		errors.Is(err, auditmath.ErrNegativeCount):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, asm.ErrIllegalTransition),
		errors.Is(err, ingestion.ErrImportConflict),
		errors.Is(err, audit.ErrAlreadyAudited):
		return http.StatusConflict
	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, audit.ErrUnknownContest),
		errors.Is(err, audit.ErrNotUnderAudit):
		return http.StatusNotFound
	case errors.Is(err, selection.ErrMissingBallotManifest),
		errors.Is(err, ingestion.ErrHashMismatch),
		errors.Is(err, ingestion.ErrFileNotImportable),
		errors.Is(err, parser.ErrWrongFileType),
		errors.Is(err, audit.ErrNotAuditable),
		errors.Is(err, audit.ErrWrongCountyCVR),
		errors.Is(err, auditmath.ErrZeroMargin),
		errors.As(err, &appErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingestion.ErrImportQueueFull),
		errors.Is(err, ingestion.ErrNotStarted),
		errors.Is(err, database.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *AuditService) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	h.Logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
