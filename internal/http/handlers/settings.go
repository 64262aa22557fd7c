package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"genbot/internal/domain"
)

type settingsBody struct {
	DefaultModel *string          `json:"default_model"`
	DefaultLoras []domain.LoraRef `json:"default_loras"`
	PromptSuffix *string          `json:"prompt_suffix"`
	Params       domain.SDParams  `json:"params"`
	Seed         *int64           `json:"seed"`
	BatchSize    *int             `json:"batch_size"`
}

type settingsResponse struct {
	GuildID      string           `json:"guild_id"`
	UserID       *string          `json:"user_id,omitempty"`
	DefaultModel *string          `json:"default_model,omitempty"`
	DefaultLoras []domain.LoraRef `json:"default_loras,omitempty"`
	PromptSuffix *string          `json:"prompt_suffix,omitempty"`
	Params       domain.SDParams  `json:"params"`
	Seed         *int64           `json:"seed,omitempty"`
	BatchSize    *int             `json:"batch_size,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
}

func settingsToResponse(gs *domain.GlobalSettings, warnings []string) settingsResponse {
	return settingsResponse{
		GuildID:      gs.GuildID,
		UserID:       gs.UserID,
		DefaultModel: gs.DefaultModel,
		DefaultLoras: gs.DefaultLoras,
		PromptSuffix: gs.PromptSuffix,
		Params:       gs.Params,
		Seed:         gs.Seed,
		BatchSize:    gs.BatchSize,
		Warnings:     warnings,
	}
}

func layerAddress(r *http.Request) (guildID string, userID *string) {
	guildID = chi.URLParam(r, "guild")
	if user := chi.URLParam(r, "user"); user != "" {
		userID = &user
	}
	return guildID, userID
}

// GetSettings returns one stored layer.
func (a *App) GetSettings(w http.ResponseWriter, r *http.Request) {
	guildID, userID := layerAddress(r)
	gs, err := a.Settings.Get(r.Context(), guildID, userID)
	if err != nil {
		a.error(w, err)
		return
	}
	a.json(w, http.StatusOK, settingsToResponse(gs, nil))
}

// GetEffectiveSettings returns the merged guild+user view.
func (a *App) GetEffectiveSettings(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guild")
	userID := r.URL.Query().Get("user_id")
	gs, err := a.Settings.Effective(r.Context(), guildID, userID)
	if err != nil {
		a.error(w, err)
		return
	}
	a.json(w, http.StatusOK, settingsToResponse(gs, nil))
}

// PutSettings validates and stores one layer. Unknown sampler or scheduler
// names are stored anyway and echoed back as warnings.
func (a *App) PutSettings(w http.ResponseWriter, r *http.Request) {
	guildID, userID := layerAddress(r)

	var body settingsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.error(w, fmt.Errorf("%w: malformed settings body", domain.ErrValidation))
		return
	}
	gs := &domain.GlobalSettings{
		GuildID:      guildID,
		UserID:       userID,
		DefaultModel: body.DefaultModel,
		DefaultLoras: body.DefaultLoras,
		PromptSuffix: body.PromptSuffix,
		Params:       body.Params,
		Seed:         body.Seed,
		BatchSize:    body.BatchSize,
	}
	warnings, err := a.Settings.Upsert(r.Context(), gs)
	if err != nil {
		a.error(w, err)
		return
	}
	a.json(w, http.StatusOK, settingsToResponse(gs, warnings))
}

// DeleteSettings removes one layer.
func (a *App) DeleteSettings(w http.ResponseWriter, r *http.Request) {
	guildID, userID := layerAddress(r)
	if err := a.Settings.Delete(r.Context(), guildID, userID); err != nil {
		a.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
