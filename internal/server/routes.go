package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRoutes(auditService *AuditService) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/machines/{machine}/{key}", func(r chi.Router) {
		r.Get("/", auditService.GetMachineState)
		r.Post("/events", auditService.ApplyEvent)
	})

	r.Route("/counties/{county}", func(r chi.Router) {
		r.Get("/", auditService.GetCounty)
		r.Post("/files", auditService.UploadFile)
		r.Post("/files/delete", auditService.DeleteFile)
		r.Post("/cvr-import", auditService.StartCVRImport)
		r.Post("/manifest-import", auditService.ImportManifest)
		r.Post("/ballots-to-audit", auditService.BallotsToAudit)
		r.Post("/audit-boards/{board}/acvrs", auditService.SubmitACVR)
	})

	r.Route("/contests/{contest}", func(r chi.Router) {
		r.Get("/", auditService.GetContestStatus)
		r.Post("/target", auditService.TargetContest)
		r.Post("/sample-size", auditService.ComputeSampleSize)
		r.Post("/p-value", auditService.PValue)
	})

	r.Get("/imports", auditService.GetImports)

	return r
}
