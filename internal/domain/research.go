package domain

import "time"

// ResearchResult is the extracted bundle produced by a web research pass.
type ResearchResult struct {
	Summary           string   `json:"summary"`
	PromptTechniques  []string `json:"prompt_techniques"`
	RecommendedLoras  []string `json:"recommended_loras"`
	RecommendedParams SDParams `json:"recommended_settings"`
	Sources           []string `json:"sources"`
}

// ResearchCacheEntry stores one research result keyed by the stable hash of
// its normalized query. Staleness is checked lazily on lookup; the core never
// actively evicts entries.
type ResearchCacheEntry struct {
	ID        string
	QueryHash string
	Query     string
	Result    *ResearchResult
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the entry is still within its TTL at the given time.
func (e *ResearchCacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
