package domain

import "time"

// GlobalSettings is one persisted configuration layer for a guild, or for a
// single user inside a guild when UserID is set. Sparse: nil fields fall
// through to the next layer at resolution time.
type GlobalSettings struct {
	ID           string
	GuildID      string
	UserID       *string
	DefaultModel *string
	DefaultLoras []LoraRef
	PromptSuffix *string
	Params       SDParams
	Seed         *int64
	BatchSize    *int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ThreadContext is the per-conversation memory enabling refinement: the most
// recent metadata reference plus the ordered history of request IDs.
type ThreadContext struct {
	ID               string
	GuildID          string
	ThreadID         string
	UserID           string
	LatestMetadataID string
	History          []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
