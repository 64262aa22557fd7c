package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"genbot/internal/adapter/repo"
	"genbot/internal/composer"
	"genbot/internal/domain"
	"genbot/internal/engine"
	"genbot/internal/http/handlers"
	httpapi "genbot/internal/http/httpapi"
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
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(pool)
	requests := repo.NewRequestRepository(pool)
	images := repo.NewImageRepository(pool)
	contexts := repo.NewThreadContextRepository(pool)
	settingsSvc := settings.NewService(repo.NewSettingsRepository(pool), logger)

	// With an inline worker the API process drains its own queue; otherwise it
	// only records jobs and a separate worker process picks them up.
	var submitter handlers.JobSubmitter
	if cfg.InlineWorker {
		q, err := buildInlineQueue(ctx, cfg, logger, pool, jobs, requests, images, contexts, settingsSvc)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure inline worker")
		}
		go func() {
			_ = q.Run(ctx)
		}()
		submitter = q
	} else {
		submitter = &queue.StoreSubmitter{Store: jobs, Logger: logger}
	}

	app := &handlers.App{
		Submitter: submitter,
		Requests:  requests,
		Images:    images,
		Contexts:  contexts,
		Settings:  settingsSvc,
		Logger:    logger,
	}
	router := httpapi.NewRouter(app, cfg.RateLimitPerMin)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func buildInlineQueue(
	ctx context.Context,
	cfg *infra.Config,
	logger zerolog.Logger,
	pool *pgxpool.Pool,
	jobs domain.JobRepository,
	requests domain.RequestRepository,
	images domain.ImageRepository,
	contexts domain.ThreadContextRepository,
	settingsSvc *settings.Service,
) (*queue.Queue, error) {
	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		return nil, err
	}

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
		Images:   images,
		Contexts: contexts,
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

	if err := eng.Recover(ctx, jobs, q.Enqueue); err != nil {
		return nil, err
	}
	return q, nil
}
