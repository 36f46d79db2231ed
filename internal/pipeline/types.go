package pipeline

import (
	"context"
	"time"

	"github.com/hidarameen/Hodhod/internal/ratelimit"
	"github.com/hidarameen/Hodhod/internal/storage"
)

// Stage names, in execution order.
const (
	StagePreprocess  = "preprocess"
	StageRules       = "rules"
	StageGenerate    = "generate"
	StagePostprocess = "postprocess"
)

// GenRequest is one call to the external inference collaborator.
type GenRequest struct {
	Provider    string
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Generator is the external inference service. An empty response and an
// error are treated identically by the fallback chain.
type Generator interface {
	Generate(ctx context.Context, req GenRequest) (string, error)
}

type Config struct {
	// GenerateTimeout bounds every single inference call. A timeout is a
	// provider error for fallback purposes, never a hung worker slot.
	GenerateTimeout time.Duration
	MaxTokens       int
}

func (c Config) withDefaults() Config {
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 45 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return c
}

// Request is one text unit to transform.
type Request struct {
	OwnerID      int64
	Text         string
	Provider     string
	Model        string
	Fallbacks    []storage.ModelRef
	SystemPrompt string
	Temperature  float64
	Limits       ratelimit.Limits
	Fields       []storage.FieldSpec
}

// StageTrace records one stage for diagnostics. Input and Output are short
// summaries, never full payloads.
type StageTrace struct {
	Name     string        `json:"name"`
	Input    string        `json:"input"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
}

// Result is the complete pipeline outcome. Success reflects error-severity
// validation failures only; a failed generate stage degrades to the
// rule-applied text and does not by itself flip Success.
type Result struct {
	OriginalText string
	FinalText    string
	Stages       []StageTrace
	QualityScore float64
	Success      bool

	RulesApplied []string
	Replacements int
	Guidance     []string

	Provider string
	Model    string

	Fields   map[string]string
	Warnings []string
	Errors   []string

	TotalTime time.Duration
}

const traceSnippet = 100

// snippet clips trace text to a fixed number of runes; byte truncation
// would split multi-byte characters in Arabic content.
func snippet(s string) string {
	if len(s) <= traceSnippet {
		return s
	}
	r := []rune(s)
	if len(r) <= traceSnippet {
		return s
	}
	return string(r[:traceSnippet])
}
