package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"scanhub/internal/bootstrap/logging"
	"scanhub/internal/domain/scan"
	"scanhub/internal/errs"
	"scanhub/internal/ports"
	"scanhub/internal/usecase/schedule"
)

// maxConfigurationBytes bounds the scan configuration body. Artifact uploads
// are streamed and not bounded here.
const maxConfigurationBytes = 1 << 20

// QueueObserver exposes the execution queue fill level for the admin status
// endpoint.
type QueueObserver interface {
	Fill() (running, capacity int)
}

type App struct {
	Service *schedule.Service
	Queue   QueueObserver
}

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigurationBytes))
	if err != nil {
		a.error(w, r, http.StatusBadRequest, "configuration body unreadable")
		return
	}

	jobUUID, err := a.Service.CreateJob(r.Context(), projectID, raw)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, map[string]string{"jobId": jobUUID})
}

func (a *App) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	err := a.Service.UploadArtifact(
		r.Context(),
		chi.URLParam(r, "projectId"),
		chi.URLParam(r, "jobUUID"),
		chi.URLParam(r, "name"),
		r.Body,
	)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (a *App) ApproveJob(w http.ResponseWriter, r *http.Request) {
	err := a.Service.ApproveJob(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "jobUUID"))
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": string(scan.JobReadyToStart)})
}

func (a *App) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Service.GetJobStatus(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "jobUUID"))
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, status)
}

func (a *App) GetReport(w http.ResponseWriter, r *http.Request) {
	raw, err := a.Service.GetReport(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "jobUUID"))
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	err := a.Service.CancelJob(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "jobUUID"))
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": string(scan.JobCanceled)})
}

func (a *App) RestartJob(w http.ResponseWriter, r *http.Request) {
	err := a.Service.RestartJob(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "jobUUID"))
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": string(scan.JobReadyToStart)})
}

func (a *App) PurgeJob(w http.ResponseWriter, r *http.Request) {
	err := a.Service.PurgeJob(r.Context(), chi.URLParam(r, "projectId"), chi.URLParam(r, "jobUUID"))
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (a *App) EnableScheduler(w http.ResponseWriter, r *http.Request) {
	if err := a.Service.EnableScheduler(r.Context()); err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (a *App) DisableScheduler(w http.ResponseWriter, r *http.Request) {
	if err := a.Service.DisableScheduler(r.Context()); err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (a *App) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Service.GetSchedulerStatus(r.Context())
	if err != nil {
		a.domainError(w, r, err)
		return
	}

	body := map[string]any{
		"enabled":  status.Enabled,
		"strategy": status.Strategy,
	}
	if a.Queue != nil {
		running, capacity := a.Queue.Fill()
		body["queue"] = map[string]int{
			"running":  running,
			"capacity": capacity,
		}
	}
	a.json(w, http.StatusOK, body)
}

func (a *App) json(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// domainError maps domain sentinels to HTTP status codes. Internal failures
// are logged with their chain and answered with a generic message.
func (a *App) domainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scan.ErrValidation):
		a.error(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, scan.ErrJobNotFound),
		errors.Is(err, scan.ErrExecutionNotFound),
		errors.Is(err, ports.ErrArtifactNotFound):
		a.error(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, scan.ErrInvalidTransition):
		a.error(w, r, http.StatusConflict, err.Error())
	default:
		logging.Error(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", errs.Loggable(err)),
		)
		a.error(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *App) error(w http.ResponseWriter, _ *http.Request, status int, message string) {
	a.json(w, status, map[string]string{"error": message})
}
