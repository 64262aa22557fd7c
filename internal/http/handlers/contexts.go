package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"genbot/internal/domain"
)

// ClearThreadContext drops the refinement memory of one thread. Subsequent
// refine calls on the thread are rejected until a new generation completes.
func (a *App) ClearThreadContext(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guild")
	threadID := chi.URLParam(r, "thread")

	cleared, err := a.Contexts.Clear(r.Context(), guildID, threadID)
	if err != nil {
		a.error(w, err)
		return
	}
	if !cleared {
		a.error(w, domain.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
