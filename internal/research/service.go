// Package research looks up generation best practices for a theme on the web,
// condenses them with the language model and caches the outcome. Research is
// advisory: every failure degrades to "no findings" so a generation is never
// blocked by it.
package research

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genbot/internal/domain"
	"genbot/internal/providers/llm"
	"genbot/internal/providers/search"
)

// skipKeywords opt a single instruction out of web research.
var skipKeywords = []string{"リサーチなし", "リサーチしない", "調べないで", "すぐに生成"}

// SkipRequested reports whether the instruction explicitly opts out of
// research.
func SkipRequested(instruction string) bool {
	for _, kw := range skipKeywords {
		if strings.Contains(instruction, kw) {
			return true
		}
	}
	return false
}

// Query normalizes a theme into the search query used for cache keying and
// the upstream search.
func Query(theme string) string {
	return "Stable Diffusion " + strings.Join(strings.Fields(theme), " ") + " prompt techniques best practices"
}

// QueryHash is the stable cache fingerprint of a query.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Options tunes caching and upstream pacing.
type Options struct {
	CacheTTL       time.Duration
	MinInterval    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

type configurable interface {
	Configured() bool
}

// Service coordinates cache, search client and extractor.
type Service struct {
	search    search.Client
	extractor llm.Extractor
	cache     domain.ResearchCacheRepository
	logger    zerolog.Logger
	opts      Options

	mu         sync.Mutex
	lastSearch time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(sc search.Client, ex llm.Extractor, cache domain.ResearchCacheRepository, logger zerolog.Logger, opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 7 * 24 * time.Hour
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	return &Service{
		search:    sc,
		extractor: ex,
		cache:     cache,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// BestPractices is the boundary the generation path uses. It never returns an
// error: anything that goes wrong is logged and reported as no findings.
func (s *Service) BestPractices(ctx context.Context, theme string) *domain.ResearchResult {
	result, err := s.Lookup(ctx, theme)
	if err != nil {
		s.logger.Warn().Err(err).Str("theme", theme).Msg("research: lookup failed, continuing without findings")
		return nil
	}
	return result
}

// Lookup resolves a theme to a research result, consulting the cache first.
// A (nil, nil) return means research produced no findings.
func (s *Service) Lookup(ctx context.Context, theme string) (*domain.ResearchResult, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return nil, nil
	}
	if c, ok := s.search.(configurable); ok && !c.Configured() {
		s.logger.Info().Msg("research: search client not configured, skipping")
		return nil, nil
	}

	query := Query(theme)
	hash := QueryHash(query)

	if entry, err := s.cache.GetByHash(ctx, hash); err == nil && entry != nil && entry.Fresh(s.now()) {
		s.logger.Info().Str("query_hash", hash).Msg("research: cache hit")
		return entry.Result, nil
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn().Err(err).Msg("research: cache read failed")
	}

	results, err := s.searchWithRetry(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("research: search %q: %w", query, err)
	}
	if len(results) == 0 {
		s.logger.Info().Str("query", query).Msg("research: no search results")
		return nil, nil
	}

	extracted, err := s.extractor.Extract(ctx, theme, results)
	if err != nil {
		return nil, fmt.Errorf("research: extract best practices: %w", err)
	}

	now := s.now().UTC()
	entry := &domain.ResearchCacheEntry{
		ID:        uuid.NewString(),
		QueryHash: hash,
		Query:     query,
		Result:    extracted,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.CacheTTL),
	}
	if err := s.cache.Put(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Msg("research: cache write failed")
	}
	return extracted, nil
}

// searchWithRetry spaces calls at least MinInterval apart and retries
// transient upstream failures with exponential backoff.
func (s *Service) searchWithRetry(ctx context.Context, query string) ([]search.Result, error) {
	if err := s.throttle(ctx); err != nil {
		return nil, err
	}

	backoff := s.opts.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		results, err := s.search.Search(ctx, query)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if !search.IsTransient(err) {
			return nil, err
		}
		if attempt == s.opts.MaxAttempts {
			break
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("research: search retry")
		if err := s.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("after %d attempts: %w", s.opts.MaxAttempts, lastErr)
}

func (s *Service) throttle(ctx context.Context) error {
	s.mu.Lock()
	wait := s.opts.MinInterval - s.now().Sub(s.lastSearch)
	s.lastSearch = s.now()
	s.mu.Unlock()

	if wait > 0 {
		return s.sleep(ctx, wait)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
