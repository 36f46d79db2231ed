// Package inference calls OpenAI-compatible chat completion endpoints.
// One Client fronts every configured provider; the pipeline picks which
// provider and model to use per request.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hidarameen/Hodhod/internal/pipeline"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

// ProviderConfig describes one upstream endpoint. BaseURL is the API root
// without the /chat/completions suffix.
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
}

type Config struct {
	Providers []ProviderConfig
	// Timeout is the hard cap on one HTTP exchange. The pipeline applies
	// its own per-call deadline as well; the shorter one wins.
	Timeout time.Duration
}

type Client struct {
	httpc     *http.Client
	providers map[string]ProviderConfig
	log       logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	providers := make(map[string]ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = p
	}
	return &Client{
		httpc:     &http.Client{Timeout: cfg.Timeout},
		providers: providers,
		log:       log,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate satisfies the pipeline's generator contract.
func (c *Client) Generate(ctx context.Context, req pipeline.GenRequest) (string, error) {
	p, ok := c.providers[req.Provider]
	if !ok {
		return "", fmt.Errorf("inference: unknown provider %q", req.Provider)
	}

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("inference: encode request: %w", err)
	}

	url := strings.TrimRight(p.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("inference: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("inference: %s: %w", req.Provider, err)
	}
	defer resp.Body.Close()

	// Error bodies are short; cap the read in case a proxy says otherwise.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("inference: %s: read response: %w", req.Provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inference: %s: status %d: %s", req.Provider, resp.StatusCode, snippetBody(data))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("inference: %s: decode response: %w", req.Provider, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("inference: %s: %s", req.Provider, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("inference: %s: no choices in response", req.Provider)
	}

	c.log.Debug("inference call",
		logx.String("provider", req.Provider),
		logx.String("model", req.Model),
		logx.Duration("took", time.Since(start)))
	return out.Choices[0].Message.Content, nil
}

func snippetBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
