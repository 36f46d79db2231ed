package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hidarameen/Hodhod/internal/eventbus"
	"github.com/hidarameen/Hodhod/internal/storage"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

type genResult struct {
	Text      string
	Provider  string
	Model     string
	Attempted int
}

// runGenerate walks the primary model and its fallbacks in order and
// returns the first non-empty response. Rate denial, provider error,
// timeout, and empty output all mean "try the next candidate"; the chain
// only fails when every candidate is exhausted.
func (c *Coordinator) runGenerate(ctx context.Context, req Request, pre preResult, ruled ruleResult) (genResult, StageTrace) {
	start := time.Now()
	trace := StageTrace{Name: StageGenerate, Input: snippet(ruled.Text)}

	if c.gen == nil || req.Provider == "" {
		trace.Duration = time.Since(start)
		trace.Error = "generation not configured"
		return genResult{}, trace
	}

	candidates := make([]storage.ModelRef, 0, 1+len(req.Fallbacks))
	candidates = append(candidates, storage.ModelRef{Provider: req.Provider, Model: req.Model})
	candidates = append(candidates, req.Fallbacks...)

	prompt := c.buildPrompt(req, pre, ruled)
	cost := estimateTokens(prompt) + c.cfg.MaxTokens/2

	var res genResult
	var lastErr string
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			lastErr = err.Error()
			break
		}
		res.Attempted++

		key := cand.Provider + "/" + cand.Model
		if c.limiter != nil {
			if d := c.limiter.Admit(key, cost, req.Limits); !d.Allowed {
				c.log.Warn("generation rate denied", logx.String("resource", key), logx.String("reason", d.Reason))
				if c.bus != nil {
					c.bus.Publish(eventbus.Event{Type: eventbus.EventRateDenied, Data: map[string]any{
						"resource": key,
						"reason":   d.Reason,
					}})
				}
				lastErr = d.Reason
				continue
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
		out, err := c.gen.Generate(callCtx, GenRequest{
			Provider:    cand.Provider,
			Model:       cand.Model,
			Prompt:      prompt,
			MaxTokens:   c.cfg.MaxTokens,
			Temperature: req.Temperature,
		})
		cancel()
		if err != nil {
			c.log.Warn("generation failed", logx.String("resource", key), logx.Err(err))
			lastErr = err.Error()
			continue
		}
		if strings.TrimSpace(out) == "" {
			c.log.Warn("generation empty", logx.String("resource", key))
			lastErr = "empty response"
			continue
		}

		res.Text = strings.TrimSpace(out)
		res.Provider = cand.Provider
		res.Model = cand.Model
		break
	}

	trace.Duration = time.Since(start)
	trace.Output = snippet(res.Text)
	trace.Success = res.Text != ""
	if !trace.Success {
		trace.Error = lastErr
	}
	return res, trace
}

func (c *Coordinator) buildPrompt(req Request, pre preResult, ruled ruleResult) string {
	var b strings.Builder
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	if len(ruled.Guidance) > 0 {
		b.WriteString("Apply these editorial guidelines:\n")
		for _, g := range ruled.Guidance {
			b.WriteString("- ")
			b.WriteString(g)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if pre.Language == "ar" {
		b.WriteString("Respond in Arabic.\n\n")
	}
	if len(req.Fields) > 0 {
		b.WriteString("After the rewritten text, append a fenced ```json block with these keys:\n")
		for _, f := range req.Fields {
			fmt.Fprintf(&b, "- %q", f.Name)
			if f.Description != "" {
				b.WriteString(": ")
				b.WriteString(f.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Text:\n")
	b.WriteString(ruled.Text)
	return b.String()
}

// estimateTokens approximates prompt size for limiter accounting. The
// divisor is a rough average of bytes per token across the scripts seen
// in practice; exact counts are the provider's business.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}
