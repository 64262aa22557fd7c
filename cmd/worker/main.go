package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"genbot/internal/adapter/repo"
	"genbot/internal/composer"
	"genbot/internal/domain"
	"genbot/internal/engine"
	"genbot/internal/infra"
	"genbot/internal/notify"
	"genbot/internal/providers/llm"
	"genbot/internal/providers/render"
	"genbot/internal/providers/search"
	"genbot/internal/queue"
	"genbot/internal/research"
	"genbot/internal/resolver"
	"genbot/internal/settings"
	"genbot/internal/storage"
)

const jobPollInterval = 2 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	jobs := repo.NewJobRepository(pool)
	requests := repo.NewRequestRepository(pool)
	settingsSvc := settings.NewService(repo.NewSettingsRepository(pool), logger)

	chat := llm.NewChatClient(llm.ChatOptions{
		BaseURL:     cfg.OllamaAPIURL,
		Model:       cfg.OllamaModel,
		HTTPClient:  &http.Client{Timeout: cfg.LLMTimeout},
		MaxAttempts: cfg.LLMMaxAttempts,
	})
	proposer := llm.NewOllamaProposer(chat, llm.NewStaticProposer())
	extractor := llm.NewOllamaExtractor(chat)
	searchClient := search.NewGoogleClient(search.Options{
		APIKey:     cfg.GoogleSearchAPIKey,
		EngineID:   cfg.GoogleSearchEngineID,
		HTTPClient: &http.Client{Timeout: cfg.SearchTimeout},
	})
	if !searchClient.Configured() {
		logger.Warn().Msg("worker: search credentials missing, research lookups will be skipped")
	}
	renderer := render.NewClient(render.Options{
		BaseURL: cfg.SDAPIURL,
		Timeout: cfg.SDAPITimeout,
	})
	researchSvc := research.NewService(searchClient, extractor, repo.NewResearchCacheRepository(pool), logger, research.Options{
		CacheTTL:       cfg.ResearchCacheTTL,
		MinInterval:    cfg.ResearchMinInterval,
		MaxAttempts:    cfg.ResearchMaxAttempts,
		InitialBackoff: cfg.ResearchInitialBackoff,
	})

	var notifier domain.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, &http.Client{Timeout: 10 * time.Second}, logger)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	eng := engine.New(engine.Deps{
		Requests: requests,
		Metadata: repo.NewMetadataRepository(pool),
		Images:   repo.NewImageRepository(pool),
		Contexts: repo.NewThreadContextRepository(pool),
		Settings: settingsSvc,
		Research: researchSvc,
		Composer: composer.New(proposer, logger),
		Renderer: renderer,
		Store:    fileStore,
		Notifier: notifier,
		Defaults: resolver.Defaults{
			ModelName: cfg.DefaultModel,
			Steps:     cfg.DefaultSteps,
			CfgScale:  cfg.DefaultCfgScale,
			Sampler:   cfg.DefaultSampler,
			Scheduler: cfg.DefaultScheduler,
			Width:     cfg.DefaultWidth,
			Height:    cfg.DefaultHeight,
			BatchSize: cfg.DefaultBatchSize,
		},
		Logger: logger,
	})

	q := queue.New(jobs, notifier, logger)
	q.Register(domain.JobKindGeneration, eng.HandleGeneration)
	q.Register(domain.JobKindResearch, eng.HandleResearch)
	q.Register(domain.JobKindAssetFetch, eng.HandleAssetFetch)

	feeder := &jobFeeder{
		queue:  q,
		jobs:   jobs,
		logger: logger,
		seen:   map[string]bool{},
	}

	if err := eng.Recover(ctx, jobs, feeder.enqueue); err != nil {
		logger.Fatal().Err(err).Msg("worker: recovery failed")
	}

	go feeder.run(ctx)

	if err := q.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// jobFeeder moves queued job rows written by the intake process onto the
// in-memory schedule. Rows stay queued in storage until the drain loop picks
// them up, so the feeder remembers what it already handed over.
type jobFeeder struct {
	queue  *queue.Queue
	jobs   domain.JobRepository
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

func (f *jobFeeder) enqueue(job *domain.Job) {
	f.mu.Lock()
	if f.seen[job.ID] {
		f.mu.Unlock()
		return
	}
	f.seen[job.ID] = true
	f.mu.Unlock()
	f.queue.Enqueue(job)
}

func (f *jobFeeder) run(ctx context.Context) {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rows, err := f.jobs.ListByStatus(ctx, domain.JobStatusQueued)
		if err != nil {
			f.logger.Error().Err(err).Msg("worker: poll queued jobs failed")
			continue
		}
		for i := range rows {
			f.enqueue(&rows[i])
		}
	}
}
