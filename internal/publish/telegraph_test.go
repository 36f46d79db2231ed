package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

func TestPublish(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/createPage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["access_token"] != "tok" || body["title"] != "headline" {
			t.Errorf("body = %+v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]string{"url": "https://telegra.ph/x"},
		})
	}))
	defer srv.Close()

	p := NewTelegraph(Config{Endpoint: srv.URL, AccessToken: "tok"}, logx.Nop())
	url, err := p.Publish(context.Background(), "headline", "para one\n\npara two")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if url != "https://telegra.ph/x" {
		t.Fatalf("url = %q", url)
	}
}

func TestPublishAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "ACCESS_TOKEN_INVALID"})
	}))
	defer srv.Close()

	p := NewTelegraph(Config{Endpoint: srv.URL, AccessToken: "bad"}, logx.Nop())
	if _, err := p.Publish(context.Background(), "t", "text"); err == nil {
		t.Fatal("expected api error")
	}
}

func TestPublishRequiresTokenAndText(t *testing.T) {
	t.Parallel()
	p := NewTelegraph(Config{}, logx.Nop())
	if _, err := p.Publish(context.Background(), "t", "text"); err == nil {
		t.Fatal("missing token should error")
	}
	p = NewTelegraph(Config{AccessToken: "tok"}, logx.Nop())
	if _, err := p.Publish(context.Background(), "t", "  "); err == nil {
		t.Fatal("empty text should error")
	}
}

func TestToNodes(t *testing.T) {
	t.Parallel()
	nodes := toNodes("a\n\nb\n\n\n\nc")
	if len(nodes) != 3 {
		t.Fatalf("nodes = %d, want 3", len(nodes))
	}
	for _, n := range nodes {
		if n.Tag != "p" || len(n.Children) != 1 {
			t.Fatalf("node = %+v", n)
		}
	}
}
