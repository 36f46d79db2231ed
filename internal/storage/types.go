package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type JobType string

const (
	JobForward    JobType = "forward"
	JobTransform  JobType = "transform"
	JobHeavyMedia JobType = "heavy_media"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is a durable unit of queued work. Terminal jobs are retained for
// audit; the core never deletes them (maintenance may, by retention policy).
type Job struct {
	ID          int64
	OwnerID     int64
	Type        JobType
	Payload     json.RawMessage
	Priority    int // higher first
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	Result      string
	Error       string
	CreatedAt   time.Time
	ProcessedAt time.Time
}

type RuleKind string

const (
	// RuleEntity replaces an exact phrase deterministically.
	RuleEntity RuleKind = "entity"
	// RuleContext rewrites phrasing around a matched pattern.
	RuleContext RuleKind = "context"
	// RuleSemantic carries guidance applied by the generation model,
	// never programmatically.
	RuleSemantic RuleKind = "semantic"
)

type Rule struct {
	ID          int64
	OwnerID     int64
	Kind        RuleKind
	Name        string
	Pattern     string
	Replacement string
	Guidance    string
	Priority    int
	Enabled     bool
}

type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// FieldSpec names a structured field the generate stage should extract.
type FieldSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// OwnerConfig is the per-tenant routing and processing configuration.
type OwnerConfig struct {
	OwnerID      int64
	Name         string
	Enabled      bool
	SourceChatID int64
	Destinations []int64
	AIEnabled    bool
	Provider     string
	Model        string
	Fallbacks    []ModelRef
	SystemPrompt string
	Temperature  float64
	RPMLimit     int
	TPMLimit     int
	TPDLimit     int
	Fields       []FieldSpec
}

// ArchiveRecord captures one processed unit. Serial is strictly increasing
// and gap-free per owner, allocated before dispatch.
type ArchiveRecord struct {
	OwnerID       int64
	Serial        int64
	SourceRef     string
	OriginalText  string
	ProcessedText string
	PublishedText string
	Fields        map[string]string
	Status        string
	CreatedAt     time.Time
}
