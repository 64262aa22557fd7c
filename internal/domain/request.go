package domain

import "time"

// RequestStatus mirrors the job state machine but records only the
// user-visible outcome of a generation transaction.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed
}

// MaxInstructionLength bounds the originating instruction text.
const MaxInstructionLength = 2000

// GenerationRequest is the user-facing generation transaction. One request
// maps to exactly one resolved GenerationMetadata and zero or more images.
type GenerationRequest struct {
	ID           string
	GuildID      string
	UserID       string
	ThreadID     string
	Instruction  string
	WebResearch  bool
	Status       RequestStatus
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScopeKey identifies the conversation scope a request belongs to.
func (r *GenerationRequest) ScopeKey() string {
	return r.GuildID + "/" + r.ThreadID
}

// GeneratedImage is one produced artifact tied to a request and the exact
// metadata used to render it.
type GeneratedImage struct {
	ID            string
	RequestID     string
	MetadataID    string
	StorageKey    string
	FileSizeBytes int64
	CreatedAt     time.Time
}
