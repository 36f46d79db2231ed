package pipeline

import (
	"strings"
	"time"
	"unicode"
)

type preResult struct {
	Cleaned  string
	Language string
	Words    int
}

// runPreprocess normalizes whitespace and invisible characters and tags
// the dominant script. It never fails; garbage in produces a cleaned
// version of the same garbage out.
func runPreprocess(text string) (preResult, StageTrace) {
	start := time.Now()

	cleaned := cleanText(text)
	lang := detectLanguage(cleaned)
	words := len(strings.Fields(cleaned))

	trace := StageTrace{
		Name:     StagePreprocess,
		Input:    snippet(text),
		Output:   snippet(cleaned),
		Duration: time.Since(start),
		Success:  true,
	}
	return preResult{Cleaned: cleaned, Language: lang, Words: words}, trace
}

func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\u200b' || r == '\u200c' || r == '\u200d' || r == '\ufeff':
			// zero-width and BOM characters arrive from copy-paste sources
		case unicode.IsControl(r) && r != '\n' && r != '\t':
		default:
			b.WriteRune(r)
		}
	}

	// Collapse runs of blank lines and trailing space per line.
	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			line = ""
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// detectLanguage classifies by letter script ratio. Mixed content is
// common in the source channels, so a 20% minority share already counts.
func detectLanguage(text string) string {
	var arabic, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Arabic, r):
			arabic++
		case unicode.IsLetter(r) && r < 0x250:
			latin++
		}
	}
	total := arabic + latin
	if total == 0 {
		return "unknown"
	}
	ar := float64(arabic) / float64(total)
	switch {
	case ar >= 0.8:
		return "ar"
	case ar <= 0.2:
		return "en"
	default:
		return "mixed"
	}
}
