package domain

import "context"

// JobRepository persists queue entries. Terminal jobs are never deleted by
// the core; retention is an external concern.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, errMsg *string) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	ListByStatus(ctx context.Context, statuses ...JobStatus) ([]Job, error)
}

// RequestRepository persists generation requests.
type RequestRepository interface {
	Create(ctx context.Context, req *GenerationRequest) error
	GetByID(ctx context.Context, id string) (*GenerationRequest, error)
	UpdateStatus(ctx context.Context, id string, status RequestStatus, errMsg *string) error
	ListByStatus(ctx context.Context, statuses ...RequestStatus) ([]GenerationRequest, error)
}

// MetadataRepository persists immutable generation metadata records.
type MetadataRepository interface {
	Create(ctx context.Context, md *GenerationMetadata) error
	GetByID(ctx context.Context, id string) (*GenerationMetadata, error)
}

// ImageRepository persists generated image records.
type ImageRepository interface {
	SaveAll(ctx context.Context, images []GeneratedImage) error
	ListByRequestID(ctx context.Context, requestID string) ([]GeneratedImage, error)
}

// ThreadContextRepository persists per-conversation refinement memory.
// Upsert appends requestID to the history and swaps the latest metadata
// pointer in one atomic statement.
type ThreadContextRepository interface {
	Get(ctx context.Context, guildID, threadID string) (*ThreadContext, error)
	Upsert(ctx context.Context, guildID, threadID, userID, metadataID, requestID string) error
	Clear(ctx context.Context, guildID, threadID string) (bool, error)
}

// SettingsRepository persists configuration layers. A nil userID addresses
// the guild-wide default layer.
type SettingsRepository interface {
	Get(ctx context.Context, guildID string, userID *string) (*GlobalSettings, error)
	Upsert(ctx context.Context, settings *GlobalSettings) error
	Delete(ctx context.Context, guildID string, userID *string) (bool, error)
}

// ResearchCacheRepository persists research lookup results.
type ResearchCacheRepository interface {
	GetByHash(ctx context.Context, queryHash string) (*ResearchCacheEntry, error)
	Put(ctx context.Context, entry *ResearchCacheEntry) error
}

// Notifier delivers the terminal outcome of a request exactly once.
type Notifier interface {
	Notify(ctx context.Context, requestID string, outcome Outcome)
}
