// Package publish posts long-form copies of processed units to an
// external page host. Publication is an enrichment: a failed page never
// blocks or fails dispatch, it only leaves the page URL empty.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

// Publisher creates one page and returns its public URL.
type Publisher interface {
	Publish(ctx context.Context, title, text string) (string, error)
}

type Config struct {
	Endpoint    string
	AccessToken string
	AuthorName  string
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = "https://api.telegra.ph"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Telegraph publishes via the telegra.ph page API.
type Telegraph struct {
	cfg   Config
	httpc *http.Client
	log   logx.Logger
}

func NewTelegraph(cfg Config, log logx.Logger) *Telegraph {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegraph{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
		log:   log,
	}
}

type node struct {
	Tag      string `json:"tag"`
	Children []any  `json:"children"`
}

type createPageResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Result struct {
		URL string `json:"url"`
	} `json:"result"`
}

func (t *Telegraph) Publish(ctx context.Context, title, text string) (string, error) {
	if t.cfg.AccessToken == "" {
		return "", fmt.Errorf("publish: no access token configured")
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("publish: empty text")
	}

	content, err := json.Marshal(toNodes(text))
	if err != nil {
		return "", fmt.Errorf("publish: encode content: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"access_token": t.cfg.AccessToken,
		"title":        clipTitle(title),
		"author_name":  t.cfg.AuthorName,
		"content":      json.RawMessage(content),
	})
	if err != nil {
		return "", fmt.Errorf("publish: encode request: %w", err)
	}

	url := strings.TrimRight(t.cfg.Endpoint, "/") + "/createPage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("publish: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("publish: read response: %w", err)
	}

	var out createPageResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("publish: decode response: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("publish: api error: %s", out.Error)
	}

	t.log.Debug("page published", logx.String("url", out.Result.URL))
	return out.Result.URL, nil
}

// toNodes converts plain text into the host's node format, one paragraph
// per blank-line-separated block.
func toNodes(text string) []node {
	blocks := strings.Split(text, "\n\n")
	nodes := make([]node, 0, len(blocks))
	for _, b := range blocks {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		nodes = append(nodes, node{Tag: "p", Children: []any{b}})
	}
	if len(nodes) == 0 {
		nodes = append(nodes, node{Tag: "p", Children: []any{text}})
	}
	return nodes
}

func clipTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "Untitled"
	}
	// The API caps titles at 256 runes.
	r := []rune(title)
	if len(r) > 256 {
		return string(r[:256])
	}
	return title
}
