package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)

	r.Get("/api/healthz", app.Health)

	r.Route("/api/project/{projectId}/job", func(r chi.Router) {
		r.Post("/", app.CreateJob)
		r.Route("/{jobUUID}", func(r chi.Router) {
			r.Get("/", app.GetJobStatus)
			r.Post("/upload/{name}", app.UploadArtifact)
			r.Put("/approve", app.ApproveJob)
			r.Get("/report", app.GetReport)
			r.Post("/cancel", app.CancelJob)
			r.Post("/restart", app.RestartJob)
			r.Delete("/", app.PurgeJob)
		})
	})

	r.Route("/api/admin/scheduler", func(r chi.Router) {
		r.Post("/enable", app.EnableScheduler)
		r.Post("/disable", app.DisableScheduler)
		r.Get("/status", app.SchedulerStatus)
	})

	return r
}
