package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/onboarding", handler.Enqueue)
	r.Get("/onboarding/tasks/{id}", handler.GetTask)
	r.Post("/onboarding/tasks/{id}/cancel", handler.Cancel)
	r.Get("/onboarding/active", handler.GetActive)
	r.Get("/onboarding/last-failure", handler.GetLastFailure)
	return r
}
