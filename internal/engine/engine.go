// Package engine hosts the job handlers behind the task queue: the full
// generation pipeline, research cache warming and asset mirroring.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genbot/internal/composer"
	"genbot/internal/domain"
	"genbot/internal/providers/render"
	"genbot/internal/research"
	"genbot/internal/resolver"
	"genbot/internal/settings"
	"genbot/internal/storage"
)

const maxAssetSize = 32 << 20

// Engine wires repositories, services and providers into queue handlers.
type Engine struct {
	requests domain.RequestRepository
	metadata domain.MetadataRepository
	images   domain.ImageRepository
	contexts domain.ThreadContextRepository
	settings *settings.Service
	research *research.Service
	composer *composer.Composer
	renderer render.Renderer
	store    *storage.FileStore
	notifier domain.Notifier
	fetcher  *http.Client
	defaults resolver.Defaults
	logger   zerolog.Logger
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Requests domain.RequestRepository
	Metadata domain.MetadataRepository
	Images   domain.ImageRepository
	Contexts domain.ThreadContextRepository
	Settings *settings.Service
	Research *research.Service
	Composer *composer.Composer
	Renderer render.Renderer
	Store    *storage.FileStore
	Notifier domain.Notifier
	Fetcher  *http.Client
	Defaults resolver.Defaults
	Logger   zerolog.Logger
}

func New(d Deps) *Engine {
	fetcher := d.Fetcher
	if fetcher == nil {
		fetcher = &http.Client{Timeout: 60 * time.Second}
	}
	return &Engine{
		requests: d.Requests,
		metadata: d.Metadata,
		images:   d.Images,
		contexts: d.Contexts,
		settings: d.Settings,
		research: d.Research,
		composer: d.Composer,
		renderer: d.Renderer,
		store:    d.Store,
		notifier: d.Notifier,
		fetcher:  fetcher,
		defaults: d.Defaults,
		logger:   d.Logger,
	}
}

// HandleGeneration runs one generation transaction end to end: resolve
// settings, compose, render, persist artifacts, update the thread context.
func (e *Engine) HandleGeneration(ctx context.Context, job *domain.Job) error {
	var payload domain.GenerationPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return fmt.Errorf("%w: malformed generation payload", domain.ErrValidation)
	}

	req, err := e.requests.GetByID(ctx, payload.RequestID)
	if err != nil {
		// The request row may still exist even when loading it failed; keep
		// its user-visible status in step with the failure notification.
		if !errors.Is(err, domain.ErrNotFound) {
			e.failRequest(ctx, payload.RequestID, Cause(err))
		}
		return fmt.Errorf("load request %s: %w", payload.RequestID, err)
	}
	if req.Status.Terminal() {
		e.logger.Warn().Str("request_id", req.ID).Str("status", string(req.Status)).
			Msg("engine: request already terminal, skipping")
		return nil
	}
	if err := e.requests.UpdateStatus(ctx, req.ID, domain.RequestStatusProcessing, nil); err != nil {
		e.failRequest(ctx, req.ID, Cause(err))
		return fmt.Errorf("mark request processing: %w", err)
	}

	logger := e.logger.With().Str("request_id", req.ID).Str("thread_id", req.ThreadID).Logger()

	if err := e.generate(ctx, logger, req, payload.Refine); err != nil {
		e.failRequest(ctx, req.ID, Cause(err))
		return err
	}
	if err := e.requests.UpdateStatus(ctx, req.ID, domain.RequestStatusCompleted, nil); err != nil {
		return fmt.Errorf("mark request completed: %w", err)
	}
	logger.Info().Msg("engine: generation completed")
	return nil
}

// failRequest records a failure on the request row. Best effort: a request
// that cannot be updated is logged, not retried, because the job row and the
// notification already carry the outcome.
func (e *Engine) failRequest(ctx context.Context, requestID, cause string) {
	if err := e.requests.UpdateStatus(ctx, requestID, domain.RequestStatusFailed, &cause); err != nil {
		e.logger.Error().Err(err).Str("request_id", requestID).Msg("engine: persist failed status")
	}
}

func (e *Engine) generate(ctx context.Context, logger zerolog.Logger, req *domain.GenerationRequest, refine bool) error {
	user, guild, err := e.settings.Layers(ctx, req.GuildID, req.UserID)
	if err != nil {
		return err
	}

	var previous *domain.GenerationMetadata
	if refine {
		tc, err := e.contexts.Get(ctx, req.GuildID, req.ThreadID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: thread %s has no generation to refine", domain.ErrMissingContext, req.ThreadID)
			}
			return fmt.Errorf("load thread context: %w", err)
		}
		previous, err = e.metadata.GetByID(ctx, tc.LatestMetadataID)
		if err != nil {
			return fmt.Errorf("load previous metadata %s: %w", tc.LatestMetadataID, err)
		}
	}

	var findings *domain.ResearchResult
	if req.WebResearch && previous == nil && !research.SkipRequested(req.Instruction) {
		findings = e.research.BestPractices(ctx, req.Instruction)
	}

	composed, err := e.composer.Compose(ctx, composer.Input{
		RequestID:   req.ID,
		Instruction: req.Instruction,
		Previous:    previous,
		Research:    findings,
		User:        user,
		Guild:       guild,
		Defaults:    e.defaults,
	})
	if err != nil {
		return err
	}
	md := composed.Metadata
	if err := e.metadata.Create(ctx, md); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	logger.Info().
		Str("metadata_id", md.ID).
		Int("steps", md.Steps).
		Float64("cfg_scale", md.CfgScale).
		Int64("seed", md.Seed).
		Msg("engine: parameters resolved")

	frames, err := e.renderer.Txt2Img(ctx, render.ParamsFromMetadata(md, composed.Effective.BatchSize))
	if err != nil {
		return err
	}

	images := make([]domain.GeneratedImage, 0, len(frames))
	for i, data := range frames {
		key := fmt.Sprintf("images/%s/%02d.png", req.ID, i)
		storedKey, err := e.store.Write(ctx, key, data)
		if err != nil {
			return fmt.Errorf("store image %d: %w", i, err)
		}
		images = append(images, domain.GeneratedImage{
			ID:            uuid.NewString(),
			RequestID:     req.ID,
			MetadataID:    md.ID,
			StorageKey:    storedKey,
			FileSizeBytes: int64(len(data)),
			CreatedAt:     time.Now().UTC(),
		})
	}
	if err := e.images.SaveAll(ctx, images); err != nil {
		return fmt.Errorf("persist image records: %w", err)
	}

	if err := e.contexts.Upsert(ctx, req.GuildID, req.ThreadID, req.UserID, md.ID, req.ID); err != nil {
		return fmt.Errorf("update thread context: %w", err)
	}
	logger.Info().Int("images", len(images)).Msg("engine: artifacts persisted")
	return nil
}

// HandleResearch warms the research cache for a theme.
func (e *Engine) HandleResearch(ctx context.Context, job *domain.Job) error {
	var payload domain.ResearchPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return fmt.Errorf("%w: malformed research payload", domain.ErrValidation)
	}
	if _, err := e.research.Lookup(ctx, payload.Theme); err != nil {
		return err
	}
	return nil
}

// HandleAssetFetch mirrors a remote asset into the file store.
func (e *Engine) HandleAssetFetch(ctx context.Context, job *domain.Job) error {
	var payload domain.AssetFetchPayload
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return fmt.Errorf("%w: malformed asset payload", domain.ErrValidation)
	}
	if payload.URL == "" || payload.StorageKey == "" {
		return fmt.Errorf("%w: url and storage_key are required", domain.ErrValidation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.URL, nil)
	if err != nil {
		return fmt.Errorf("build asset request: %w", err)
	}
	resp, err := e.fetcher.Do(req)
	if err != nil {
		return fmt.Errorf("fetch asset: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fetch asset: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize))
	if err != nil {
		return fmt.Errorf("read asset body: %w", err)
	}

	key, err := e.store.Write(ctx, payload.StorageKey, data)
	if err != nil {
		return fmt.Errorf("store asset: %w", err)
	}
	e.logger.Info().Str("storage_key", key).Int("bytes", len(data)).Msg("engine: asset mirrored")
	return nil
}

// Recover reconciles persisted state after a restart. Requests and jobs
// caught mid-flight are failed and reported; jobs still queued in storage go
// back onto the in-memory schedule, preserving their submission order.
func (e *Engine) Recover(ctx context.Context, jobs domain.JobRepository, enqueue func(*domain.Job)) error {
	const cause = "interrupted by restart"

	interrupted, err := e.requests.ListByStatus(ctx, domain.RequestStatusProcessing)
	if err != nil {
		return fmt.Errorf("recover: list processing requests: %w", err)
	}
	for i := range interrupted {
		req := &interrupted[i]
		msg := cause
		if err := e.requests.UpdateStatus(ctx, req.ID, domain.RequestStatusFailed, &msg); err != nil {
			e.logger.Error().Err(err).Str("request_id", req.ID).Msg("engine: recover mark failed")
			continue
		}
		e.logger.Warn().Str("request_id", req.ID).Msg("engine: request interrupted by restart")
		if e.notifier != nil {
			e.notifier.Notify(ctx, req.ID, domain.Outcome{Status: domain.JobStatusFailed, Cause: cause})
		}
	}

	stuck, err := jobs.ListByStatus(ctx, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("recover: list processing jobs: %w", err)
	}
	for i := range stuck {
		msg := cause
		if err := jobs.UpdateStatus(ctx, stuck[i].ID, domain.JobStatusFailed, &msg); err != nil {
			e.logger.Error().Err(err).Str("job_id", stuck[i].ID).Msg("engine: recover mark job failed")
		}
	}

	queued, err := jobs.ListByStatus(ctx, domain.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("recover: list queued jobs: %w", err)
	}
	for i := range queued {
		enqueue(&queued[i])
		e.logger.Info().Str("job_id", queued[i].ID).Msg("engine: queued job restored")
	}
	return nil
}

// Cause maps an internal error onto the short human-readable text stored on a
// failed request.
func Cause(err error) string {
	var re *render.Error
	switch {
	case errors.As(err, &re):
		return re.Msg
	case errors.Is(err, domain.ErrMissingContext):
		return "no previous generation to refine"
	case errors.Is(err, domain.ErrProviderFailure):
		return "prompt proposal failed"
	case errors.Is(err, domain.ErrValidation):
		return "invalid generation parameters"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
