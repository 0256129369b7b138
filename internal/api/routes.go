package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lalithlochan/waitlistq/internal/auth"
	"github.com/lalithlochan/waitlistq/internal/redis"
)

// Routes mounts the public, owner and cron routes. joinLimiter may be nil.
func (h *Handler) Routes(tokens *auth.Tokens, joinLimiter *redis.RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		// embed surface
		r.Group(func(r chi.Router) {
			r.Use(WidgetCORS)
			r.With(RateLimitMiddleware(joinLimiter, h.logger, "join", IPKeyFunc)).Post("/join", h.Join)
			r.Options("/join", noContent)
			r.Get("/widget", h.Widget)
			r.Options("/widget", noContent)
		})

		r.Group(func(r chi.Router) {
			r.Use(OwnerAuth(tokens, h.logger))
			r.Post("/waitlists", h.CreateWaitlist)
			r.Get("/waitlists", h.ListWaitlists)
			r.Patch("/waitlists/{id}", h.UpdateWaitlist)
			r.Get("/waitlists/{id}/stats", h.Stats)
			r.Get("/waitlists/{id}/export", h.Export)
		})
	})

	r.Post("/internal/cron/{scan}", h.RunScan)

	return r
}

// noContent registers OPTIONS with chi so preflights reach WidgetCORS
// instead of being rejected with 405.
func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
