package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hidarameen/Hodhod/internal/storage"
)

type appliedRule struct {
	Name         string
	Kind         storage.RuleKind
	Replacement  string
	Replacements int
}

type ruleResult struct {
	Text         string
	Applied      []appliedRule
	Replacements int
	Guidance     []string
	Warnings     []string
}

func (r ruleResult) appliedNames() []string {
	names := make([]string, 0, len(r.Applied))
	for _, a := range r.Applied {
		names = append(names, a.Name)
	}
	return names
}

// runRules applies entity and context rules deterministically, in priority
// order, and collects semantic rules as guidance for the generate stage.
// A malformed context pattern skips that one rule with a warning; the rest
// of the set still applies.
func runRules(text string, rules []storage.Rule) (ruleResult, StageTrace) {
	start := time.Now()
	res := ruleResult{Text: text}

	ordered := make([]storage.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	for _, r := range ordered {
		switch r.Kind {
		case storage.RuleEntity:
			n := strings.Count(res.Text, r.Pattern)
			if n == 0 {
				continue
			}
			res.Text = strings.ReplaceAll(res.Text, r.Pattern, r.Replacement)
			res.Applied = append(res.Applied, appliedRule{Name: r.Name, Kind: r.Kind, Replacement: r.Replacement, Replacements: n})
			res.Replacements += n

		case storage.RuleContext:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("rule %q: bad pattern: %v", r.Name, err))
				continue
			}
			n := len(re.FindAllStringIndex(res.Text, -1))
			if n == 0 {
				continue
			}
			res.Text = re.ReplaceAllString(res.Text, r.Replacement)
			res.Applied = append(res.Applied, appliedRule{Name: r.Name, Kind: r.Kind, Replacements: n})
			res.Replacements += n

		case storage.RuleSemantic:
			if g := strings.TrimSpace(r.Guidance); g != "" {
				res.Guidance = append(res.Guidance, g)
			}
		}
	}

	trace := StageTrace{
		Name:     StageRules,
		Input:    snippet(text),
		Output:   snippet(res.Text),
		Duration: time.Since(start),
		Success:  true,
	}
	return res, trace
}
