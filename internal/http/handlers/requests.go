package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"genbot/internal/domain"
)

type createRequestBody struct {
	GuildID     string `json:"guild_id"`
	UserID      string `json:"user_id"`
	ThreadID    string `json:"thread_id"`
	Instruction string `json:"instruction"`
	WebResearch bool   `json:"web_research"`
	Priority    int    `json:"priority"`
}

type requestResponse struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status"`
}

// CreateRequest accepts a fresh generation request and enqueues it.
func (a *App) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.error(w, fmt.Errorf("%w: malformed request body", domain.ErrValidation))
		return
	}
	a.acceptRequest(w, r, body, false)
}

// RefineRequest accepts a delta instruction against a thread's latest
// generation. The thread must already have a generation on record.
func (a *App) RefineRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.error(w, fmt.Errorf("%w: malformed request body", domain.ErrValidation))
		return
	}
	body.ThreadID = chi.URLParam(r, "id")

	if body.GuildID == "" {
		a.error(w, fmt.Errorf("%w: guild_id is required", domain.ErrValidation))
		return
	}
	// Reject before anything is persisted when there is nothing to refine.
	if _, err := a.Contexts.Get(r.Context(), body.GuildID, body.ThreadID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, fmt.Errorf("%w: thread %s has no generation to refine", domain.ErrMissingContext, body.ThreadID))
			return
		}
		a.error(w, err)
		return
	}
	a.acceptRequest(w, r, body, true)
}

func (a *App) acceptRequest(w http.ResponseWriter, r *http.Request, body createRequestBody, refine bool) {
	if err := validateRequestBody(body, refine); err != nil {
		a.error(w, err)
		return
	}

	req := &domain.GenerationRequest{
		ID:          uuid.NewString(),
		GuildID:     body.GuildID,
		UserID:      body.UserID,
		ThreadID:    body.ThreadID,
		Instruction: strings.TrimSpace(body.Instruction),
		WebResearch: body.WebResearch,
		Status:      domain.RequestStatusPending,
	}
	if err := a.Requests.Create(r.Context(), req); err != nil {
		a.error(w, fmt.Errorf("create request: %w", err))
		return
	}

	payload, err := json.Marshal(domain.GenerationPayload{RequestID: req.ID, Refine: refine})
	if err != nil {
		a.error(w, err)
		return
	}
	job := &domain.Job{
		Kind:        domain.JobKindGeneration,
		Priority:    body.Priority,
		ScopeKey:    req.ScopeKey(),
		RequestID:   req.ID,
		PayloadJSON: payload,
	}
	jobID, err := a.Submitter.Submit(r.Context(), job)
	if err != nil {
		cause := "failed to enqueue"
		if uerr := a.Requests.UpdateStatus(r.Context(), req.ID, domain.RequestStatusFailed, &cause); uerr != nil {
			a.Logger.Error().Err(uerr).Str("request_id", req.ID).Msg("handlers: mark enqueue failure")
		}
		a.error(w, err)
		return
	}

	a.json(w, http.StatusAccepted, requestResponse{
		ID:     req.ID,
		JobID:  jobID,
		Status: string(req.Status),
	})
}

func validateRequestBody(body createRequestBody, refine bool) error {
	if body.GuildID == "" || body.UserID == "" || body.ThreadID == "" {
		return fmt.Errorf("%w: guild_id, user_id and thread_id are required", domain.ErrValidation)
	}
	instruction := strings.TrimSpace(body.Instruction)
	// Refinements may carry an empty delta, meaning "run it again".
	if !refine && instruction == "" {
		return fmt.Errorf("%w: instruction is required", domain.ErrValidation)
	}
	if len([]rune(instruction)) > domain.MaxInstructionLength {
		return fmt.Errorf("%w: instruction exceeds %d characters", domain.ErrValidation, domain.MaxInstructionLength)
	}
	return nil
}

type imageResponse struct {
	StorageKey    string `json:"storage_key"`
	FileSizeBytes int64  `json:"file_size_bytes"`
}

type requestDetailResponse struct {
	ID           string          `json:"id"`
	GuildID      string          `json:"guild_id"`
	ThreadID     string          `json:"thread_id"`
	Instruction  string          `json:"instruction"`
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Images       []imageResponse `json:"images,omitempty"`
}

// GetRequest returns a request's current status and any produced artifacts.
func (a *App) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := a.Requests.GetByID(r.Context(), id)
	if err != nil {
		a.error(w, err)
		return
	}
	images, err := a.Images.ListByRequestID(r.Context(), id)
	if err != nil {
		a.error(w, err)
		return
	}

	resp := requestDetailResponse{
		ID:           req.ID,
		GuildID:      req.GuildID,
		ThreadID:     req.ThreadID,
		Instruction:  req.Instruction,
		Status:       string(req.Status),
		ErrorMessage: req.ErrorMessage,
	}
	for _, img := range images {
		resp.Images = append(resp.Images, imageResponse{
			StorageKey:    img.StorageKey,
			FileSizeBytes: img.FileSizeBytes,
		})
	}
	a.json(w, http.StatusOK, resp)
}
