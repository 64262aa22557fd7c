package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"genbot/internal/http/handlers"
	appmw "genbot/internal/middleware"
)

// NewRouter assembles the management API. rateLimitPerMin <= 0 disables rate
// limiting.
func NewRouter(app *handlers.App, rateLimitPerMin int) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
	)
	if rateLimitPerMin > 0 {
		r.Use(appmw.RateLimit(rateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/requests", func(r chi.Router) {
		r.Post("/", app.CreateRequest)
		r.Get("/{id}", app.GetRequest)
		// The path segment is the thread being refined; chi requires one
		// wildcard name per segment, so it rides under {id}.
		r.Post("/{id}/refine", app.RefineRequest)
	})

	r.Route("/v1/settings/{guild}", func(r chi.Router) {
		r.Get("/", app.GetSettings)
		r.Put("/", app.PutSettings)
		r.Delete("/", app.DeleteSettings)
		r.Get("/effective", app.GetEffectiveSettings)
		r.Route("/users/{user}", func(r chi.Router) {
			r.Get("/", app.GetSettings)
			r.Put("/", app.PutSettings)
			r.Delete("/", app.DeleteSettings)
		})
	})

	r.Delete("/v1/threads/{guild}/{thread}/context", app.ClearThreadContext)

	return r
}
