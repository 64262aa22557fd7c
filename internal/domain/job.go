package domain

import "time"

// JobKind enumerates the categories of work drained by the task queue.
type JobKind string

const (
	JobKindGeneration JobKind = "generation"
	JobKindResearch   JobKind = "research"
	JobKindAssetFetch JobKind = "asset_fetch"
)

// Valid reports whether the kind is one the system knows how to run.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindGeneration, JobKindResearch, JobKindAssetFetch:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states. Transitions are monotonic:
// queued -> processing -> completed|failed, with no re-entry.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one unit of sequential work. Priority is higher-first; ties break by
// submission order. ScopeKey groups jobs that must run in submission order
// relative to each other (one conversation thread).
type Job struct {
	ID           string
	Kind         JobKind
	Priority     int
	Status       JobStatus
	ScopeKey     string
	RequestID    string
	PayloadJSON  []byte
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Outcome is the terminal result delivered to the completion consumer.
type Outcome struct {
	Status JobStatus
	Cause  string
}

// GenerationPayload references the request a generation job operates on.
// Refine marks the job as a differential run against the thread's latest
// metadata.
type GenerationPayload struct {
	RequestID string `json:"request_id"`
	Refine    bool   `json:"refine,omitempty"`
}

// ResearchPayload asks the worker to warm the research cache for a theme.
type ResearchPayload struct {
	Theme string `json:"theme"`
}

// AssetFetchPayload asks the worker to mirror a remote asset into storage.
type AssetFetchPayload struct {
	URL        string `json:"url"`
	StorageKey string `json:"storage_key"`
}
