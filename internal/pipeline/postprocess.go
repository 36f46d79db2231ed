package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/hidarameen/Hodhod/internal/storage"
)

type postResult struct {
	Text     string
	Quality  float64
	Warnings []string
	Errors   []string
}

type validation struct {
	name     string
	severity string // "error" or "warning"
	passed   bool
	detail   string
}

// Boilerplate a model sometimes wraps around its answer. Presence is a
// warning, not an error: the text still ships, flagged for review.
var boilerplatePhrases = []string{
	"as an ai",
	"i cannot",
	"i'm unable to",
	"here is the rewritten",
	"here's the rewritten",
	"sure, here",
}

// runPostprocess validates the final text and scores quality. Only
// error-severity failures mark the result unsuccessful; warnings reduce
// the score but let the text through.
func runPostprocess(original, final string, ruled ruleResult) (postResult, StageTrace) {
	start := time.Now()
	final = strings.TrimSpace(final)

	checks := []validation{
		checkOutputExists(final),
		checkBoilerplate(final),
		checkLengthRatio(original, final),
		checkLanguage(original, final),
	}

	res := postResult{Text: final}
	var errFails, warnFails int
	for _, v := range checks {
		if v.passed {
			continue
		}
		msg := fmt.Sprintf("%s: %s", v.name, v.detail)
		if v.severity == "error" {
			errFails++
			res.Errors = append(res.Errors, msg)
		} else {
			warnFails++
			res.Warnings = append(res.Warnings, msg)
		}
	}

	res.Quality = qualityScore(errFails, warnFails, ruled, final)

	trace := StageTrace{
		Name:     StagePostprocess,
		Input:    snippet(final),
		Output:   fmt.Sprintf("quality=%.2f errors=%d warnings=%d", res.Quality, errFails, warnFails),
		Duration: time.Since(start),
		Success:  errFails == 0,
	}
	if errFails > 0 {
		trace.Error = strings.Join(res.Errors, "; ")
	}
	return res, trace
}

func checkOutputExists(final string) validation {
	v := validation{name: "output_exists", severity: "error", passed: final != ""}
	if !v.passed {
		v.detail = "final text is empty"
	}
	return v
}

func checkBoilerplate(final string) validation {
	v := validation{name: "boilerplate", severity: "warning", passed: true}
	lower := strings.ToLower(final)
	for _, p := range boilerplatePhrases {
		if strings.Contains(lower, p) {
			v.passed = false
			v.detail = fmt.Sprintf("contains %q", p)
			break
		}
	}
	return v
}

// checkLengthRatio flags outputs that shrank or grew implausibly. The
// bounds are loose on purpose; summarization and expansion are both
// legitimate transforms.
func checkLengthRatio(original, final string) validation {
	v := validation{name: "length_ratio", severity: "warning", passed: true}
	if len(original) == 0 || len(final) == 0 {
		return v
	}
	ratio := float64(len(final)) / float64(len(original))
	if ratio < 0.1 || ratio > 3.0 {
		v.passed = false
		v.detail = fmt.Sprintf("output/input length ratio %.2f outside [0.1, 3.0]", ratio)
	}
	return v
}

// checkLanguage flags a script flip between input and output. Only fires
// when both sides classify confidently; mixed or unknown text passes.
func checkLanguage(original, final string) validation {
	v := validation{name: "language", severity: "warning", passed: true}
	if final == "" {
		return v
	}
	in, out := detectLanguage(original), detectLanguage(final)
	if (in == "ar" || in == "en") && (out == "ar" || out == "en") && in != out {
		v.passed = false
		v.detail = fmt.Sprintf("input language %s, output language %s", in, out)
	}
	return v
}

// qualityScore blends validation health (70%) with the fraction of
// applied entity replacements still verifiable in the final text (30%).
// Failed checks cost 0.3 per error and 0.1 per warning.
func qualityScore(errFails, warnFails int, ruled ruleResult, final string) float64 {
	checkScore := 1.0 - 0.3*float64(errFails) - 0.1*float64(warnFails)
	if checkScore < 0 {
		checkScore = 0
	}

	ruleScore := 1.0
	var verifiable, verified int
	for _, a := range ruled.Applied {
		if a.Kind != storage.RuleEntity || a.Replacement == "" {
			continue
		}
		verifiable++
		if strings.Contains(final, a.Replacement) {
			verified++
		}
	}
	if verifiable > 0 {
		ruleScore = float64(verified) / float64(verifiable)
	}

	score := 0.7*checkScore + 0.3*ruleScore
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
