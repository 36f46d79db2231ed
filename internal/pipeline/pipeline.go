// Package pipeline transforms one text unit through four sequenced stages:
// preprocess, deterministic rule application, model generation with
// provider fallback, and output validation. Every stage leaves a trace in
// the result so an operator can reconstruct what happened to a given item.
//
// The pipeline degrades instead of failing: when every generation
// candidate is exhausted the rule-applied text becomes the final output
// and only the generate trace records the failure.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/hidarameen/Hodhod/internal/eventbus"
	"github.com/hidarameen/Hodhod/internal/ratelimit"
	"github.com/hidarameen/Hodhod/internal/rulecache"
	"github.com/hidarameen/Hodhod/internal/storage"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

// RuleSource loads the active rule set for one owner. Backed by the store
// in production, a stub in tests.
type RuleSource func(ctx context.Context, ownerID int64) ([]storage.Rule, error)

type Coordinator struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	gen     Generator
	limiter *ratelimit.Limiter
	rules   *rulecache.Cache[[]storage.Rule]
	source  RuleSource
}

func New(cfg Config, gen Generator, limiter *ratelimit.Limiter, source RuleSource, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		gen:     gen,
		limiter: limiter,
		rules:   rulecache.New[[]storage.Rule](rulecache.DefaultTTL),
		source:  source,
	}
}

// InvalidateRules drops the cached rule set for one owner, forcing the
// next Process call to reload from the source.
func (c *Coordinator) InvalidateRules(ownerID int64) {
	c.rules.Invalidate(ownerID)
}

// Process runs the full stage sequence for one request. It returns an
// error only for infrastructure faults (rule source unavailable); every
// content-level problem is reported inside the Result.
func (c *Coordinator) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res := &Result{
		OriginalText: req.Text,
		Success:      true,
		Fields:       map[string]string{},
	}

	if strings.TrimSpace(req.Text) == "" {
		res.Success = false
		res.Errors = append(res.Errors, "empty input")
		res.TotalTime = time.Since(start)
		return res, nil
	}

	// Stage 1: preprocess.
	pre, trace := runPreprocess(req.Text)
	res.Stages = append(res.Stages, trace)

	// Stage 2: deterministic rules.
	rules, err := c.rules.GetOrFetch(ctx, req.OwnerID, func(ctx context.Context, id int64) ([]storage.Rule, error) {
		return c.source(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	ruled, trace := runRules(pre.Cleaned, rules)
	res.Stages = append(res.Stages, trace)
	res.RulesApplied = ruled.appliedNames()
	res.Replacements = ruled.Replacements
	res.Guidance = ruled.Guidance
	res.Warnings = append(res.Warnings, ruled.Warnings...)

	// Stage 3: generation with fallback chain.
	final := ruled.Text
	gen, trace := c.runGenerate(ctx, req, pre, ruled)
	res.Stages = append(res.Stages, trace)
	if gen.Text != "" {
		final = gen.Text
		res.Provider = gen.Provider
		res.Model = gen.Model
	} else if gen.Attempted > 0 {
		res.Warnings = append(res.Warnings, "generation unavailable, using rule output")
	}

	// Structured fields ride inside the generated text when requested.
	if len(req.Fields) > 0 && gen.Text != "" {
		body, fields := extractFields(final, req.Fields)
		final = body
		res.Fields = fields
	}

	// Stage 4: validation and scoring.
	post, trace := runPostprocess(req.Text, final, ruled)
	res.Stages = append(res.Stages, trace)
	res.FinalText = post.Text
	res.QualityScore = post.Quality
	res.Warnings = append(res.Warnings, post.Warnings...)
	res.Errors = append(res.Errors, post.Errors...)
	if len(post.Errors) > 0 {
		res.Success = false
	}

	res.TotalTime = time.Since(start)
	c.log.Info("pipeline done",
		logx.Int64("owner", req.OwnerID),
		logx.Bool("success", res.Success),
		logx.Float64("quality", res.QualityScore),
		logx.Int("rules", len(res.RulesApplied)),
		logx.String("provider", res.Provider),
		logx.Duration("took", res.TotalTime))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventPipelineDone, Data: map[string]any{
			"owner_id": req.OwnerID,
			"success":  res.Success,
			"quality":  res.QualityScore,
		}})
	}
	return res, nil
}
