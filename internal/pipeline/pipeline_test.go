package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hidarameen/Hodhod/internal/ratelimit"
	"github.com/hidarameen/Hodhod/internal/storage"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

type fakeGen struct {
	responses map[string]string // "provider/model" -> response
	errs      map[string]error
	calls     []string
}

func (g *fakeGen) Generate(ctx context.Context, req GenRequest) (string, error) {
	key := req.Provider + "/" + req.Model
	g.calls = append(g.calls, key)
	if err, ok := g.errs[key]; ok {
		return "", err
	}
	return g.responses[key], nil
}

func staticRules(rules []storage.Rule) RuleSource {
	return func(ctx context.Context, ownerID int64) ([]storage.Rule, error) {
		return rules, nil
	}
}

func newTestCoordinator(gen Generator, rules []storage.Rule) *Coordinator {
	return New(Config{}, gen, ratelimit.New(), staticRules(rules), logx.Nop(), nil)
}

func TestProcessEmptyInput(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(&fakeGen{}, nil)
	res, err := c.Process(context.Background(), Request{OwnerID: 1, Text: "   \n  "})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Success {
		t.Fatal("blank input should not succeed")
	}
	if len(res.Stages) != 0 {
		t.Fatalf("stages = %d, want 0 (short-circuit)", len(res.Stages))
	}
}

func TestProcessRulesOnly(t *testing.T) {
	t.Parallel()
	rules := []storage.Rule{
		{Kind: storage.RuleEntity, Name: "brand", Pattern: "acme", Replacement: "Acme Corp", Priority: 5, Enabled: true},
		{Kind: storage.RuleSemantic, Name: "tone", Guidance: "keep it formal", Enabled: true},
	}
	c := newTestCoordinator(&fakeGen{}, rules)

	// No provider: generation is skipped, rule output is final.
	res, err := c.Process(context.Background(), Request{OwnerID: 1, Text: "acme shipped a new acme product"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, errors: %v", res.Errors)
	}
	if res.FinalText != "Acme Corp shipped a new Acme Corp product" {
		t.Fatalf("FinalText = %q", res.FinalText)
	}
	if res.Replacements != 2 {
		t.Fatalf("Replacements = %d, want 2", res.Replacements)
	}
	if len(res.RulesApplied) != 1 || res.RulesApplied[0] != "brand" {
		t.Fatalf("RulesApplied = %v", res.RulesApplied)
	}
	if len(res.Guidance) != 1 {
		t.Fatalf("Guidance = %v", res.Guidance)
	}
	if len(res.Stages) != 4 {
		t.Fatalf("stages = %d, want 4", len(res.Stages))
	}
}

func TestProcessGenerationWins(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{responses: map[string]string{"openai/gpt-4o": "rewritten text"}}
	c := newTestCoordinator(gen, nil)

	res, err := c.Process(context.Background(), Request{
		OwnerID: 1, Text: "original text",
		Provider: "openai", Model: "gpt-4o",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FinalText != "rewritten text" {
		t.Fatalf("FinalText = %q", res.FinalText)
	}
	if res.Provider != "openai" || res.Model != "gpt-4o" {
		t.Fatalf("provider/model = %s/%s", res.Provider, res.Model)
	}
}

func TestProcessFallbackChain(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{
		errs:      map[string]error{"openai/gpt-4o": errors.New("rate limited upstream")},
		responses: map[string]string{"groq/llama": "fallback text"},
	}
	c := newTestCoordinator(gen, nil)

	res, err := c.Process(context.Background(), Request{
		OwnerID: 1, Text: "input",
		Provider: "openai", Model: "gpt-4o",
		Fallbacks: []storage.ModelRef{{Provider: "groq", Model: "llama"}},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FinalText != "fallback text" {
		t.Fatalf("FinalText = %q, want fallback output", res.FinalText)
	}
	if res.Provider != "groq" {
		t.Fatalf("Provider = %q, want groq", res.Provider)
	}
	if len(gen.calls) != 2 {
		t.Fatalf("generator calls = %v, want primary then fallback", gen.calls)
	}
}

func TestProcessDegradesToRuleText(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{errs: map[string]error{"openai/gpt-4o": errors.New("down")}}
	rules := []storage.Rule{
		{Kind: storage.RuleEntity, Name: "fix", Pattern: "foo", Replacement: "bar", Enabled: true},
	}
	c := newTestCoordinator(gen, rules)

	res, err := c.Process(context.Background(), Request{
		OwnerID: 1, Text: "foo happened",
		Provider: "openai", Model: "gpt-4o",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Every candidate failed: the rule-applied text ships, the unit still
	// counts as a success, and only the generate trace records the failure.
	if !res.Success {
		t.Fatalf("Success = false, errors: %v", res.Errors)
	}
	if res.FinalText != "bar happened" {
		t.Fatalf("FinalText = %q, want rule output", res.FinalText)
	}
	var genTrace *StageTrace
	for i := range res.Stages {
		if res.Stages[i].Name == StageGenerate {
			genTrace = &res.Stages[i]
		}
	}
	if genTrace == nil || genTrace.Success {
		t.Fatalf("generate trace = %+v, want recorded failure", genTrace)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("degradation should leave a warning")
	}
}

func TestProcessRateDenialFallsBack(t *testing.T) {
	t.Parallel()
	gen := &fakeGen{responses: map[string]string{
		"openai/gpt-4o": "primary",
		"groq/llama":    "secondary",
	}}
	lim := ratelimit.New()
	c := New(Config{}, gen, lim, staticRules(nil), logx.Nop(), nil)

	req := Request{
		OwnerID: 1, Text: "input",
		Provider: "openai", Model: "gpt-4o",
		Fallbacks: []storage.ModelRef{{Provider: "groq", Model: "llama"}},
		Limits:    ratelimit.Limits{RPM: 1},
	}

	res, err := c.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if res.Provider != "openai" {
		t.Fatalf("first call Provider = %q, want openai", res.Provider)
	}

	// The primary's RPM budget is spent; the second unit must route to
	// the fallback without an error.
	res, err = c.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if res.Provider != "groq" {
		t.Fatalf("second call Provider = %q, want groq", res.Provider)
	}
}

func TestProcessExtractsFields(t *testing.T) {
	t.Parallel()
	out := "the story\n\n```json\n{\"city\": \"Cairo\", \"count\": 3}\n```"
	gen := &fakeGen{responses: map[string]string{"openai/gpt-4o": out}}
	c := newTestCoordinator(gen, nil)

	res, err := c.Process(context.Background(), Request{
		OwnerID: 1, Text: "input",
		Provider: "openai", Model: "gpt-4o",
		Fields: []storage.FieldSpec{{Name: "city"}, {Name: "count"}},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FinalText != "the story" {
		t.Fatalf("FinalText = %q, want block stripped", res.FinalText)
	}
	if res.Fields["city"] != "Cairo" || res.Fields["count"] != "3" {
		t.Fatalf("Fields = %v", res.Fields)
	}
}

func TestQualityScorePenalties(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		final   string
		wantMin float64
		wantMax float64
		success bool
	}{
		{name: "clean", final: "good output", wantMin: 0.99, wantMax: 1.0, success: true},
		{name: "empty is error", final: "", wantMin: 0.5, wantMax: 0.85, success: false},
		{name: "boilerplate is warning", final: "As an AI, here it is", wantMin: 0.6, wantMax: 0.95, success: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, trace := runPostprocess("original input text", tt.final, ruleResult{})
			if trace.Success != tt.success {
				t.Fatalf("trace.Success = %v, want %v", trace.Success, tt.success)
			}
			if res.Quality < tt.wantMin || res.Quality > tt.wantMax {
				t.Fatalf("Quality = %.2f, want in [%.2f, %.2f]", res.Quality, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestRunRulesBadPatternSkipped(t *testing.T) {
	t.Parallel()
	rules := []storage.Rule{
		{Kind: storage.RuleContext, Name: "broken", Pattern: "([", Replacement: "x", Enabled: true},
		{Kind: storage.RuleEntity, Name: "works", Pattern: "old", Replacement: "new", Enabled: true},
	}
	res, trace := runRules("old news", rules)
	if !trace.Success {
		t.Fatal("rules stage should succeed despite one bad pattern")
	}
	if res.Text != "new news" {
		t.Fatalf("Text = %q", res.Text)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "broken") {
		t.Fatalf("Warnings = %v", res.Warnings)
	}
}

func TestDetectLanguage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want string
	}{
		{"hello world", "en"},
		{"مرحبا بالعالم", "ar"},
		{"breaking news عاجل جدا من المصدر", "mixed"},
		{"12345 !!!", "unknown"},
	}
	for _, tt := range tests {
		if got := detectLanguage(tt.text); got != tt.want {
			t.Fatalf("detectLanguage(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestCleanText(t *testing.T) {
	t.Parallel()
	in := "line one  \n\n\n\nline two​‍ end\t ok"
	got := cleanText(in)
	if strings.Contains(got, "​") || strings.Contains(got, "‍") {
		t.Fatalf("zero-width chars survived: %q", got)
	}
	if strings.Contains(got, "\n\n\n") {
		t.Fatalf("blank runs not collapsed: %q", got)
	}
}

func TestSnippetRuneBoundary(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("عاجل من المصدر ", 20)
	got := snippet(long)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != traceSnippet {
		t.Fatalf("snippet length = %d runes, want %d", n, traceSnippet)
	}

	short := "short"
	if got := snippet(short); got != short {
		t.Fatalf("snippet(%q) = %q, want unchanged", short, got)
	}
}
