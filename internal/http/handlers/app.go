// Package handlers implements the management HTTP surface: request intake,
// refinement, settings and thread context administration.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"genbot/internal/domain"
	"genbot/internal/settings"
)

// JobSubmitter is the queue boundary the handlers enqueue through.
type JobSubmitter interface {
	Submit(ctx context.Context, job *domain.Job) (string, error)
}

type App struct {
	Submitter JobSubmitter
	Requests  domain.RequestRepository
	Images    domain.ImageRepository
	Contexts  domain.ThreadContextRepository
	Settings  *settings.Service
	Logger    zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.json(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		a.json(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, domain.ErrMissingContext), errors.Is(err, domain.ErrDuplicateEntry):
		a.json(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		a.Logger.Error().Err(err).Msg("handlers: internal error")
		a.json(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
