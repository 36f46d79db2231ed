package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "10s"
logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: ""
  operator:
    enabled: false
storage:
  path: "./hodhod.db"
queue:
  max_workers: 8
  poll_interval: "500ms"
batch:
  flush_delay: "2500ms"
providers:
  - name: "openai"
    base_url: "https://api.openai.com/v1"
    api_key: "sk-test"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", validYAML)
	m := NewManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Queue.MaxWorkers != 8 {
		t.Fatalf("max_workers = %d", cfg.Queue.MaxWorkers)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "openai" {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "123:abc"},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "operator": {"enabled": false}},
		"storage": {"path": "./db.sqlite"}
	}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", validYAML+"\nnot_a_real_section:\n  x: 1\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown top-level key should be rejected")
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "missing token", body: `{"telegram": {"token": ""}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "operator": {"enabled": false}}, "storage": {"path": "./x.db"}}`},
		{name: "missing storage path", body: `{"telegram": {"token": "t"}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "operator": {"enabled": false}}, "storage": {"path": ""}}`},
		{name: "duplicate provider", body: `{"telegram": {"token": "t"}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "operator": {"enabled": false}}, "storage": {"path": "./x.db"}, "providers": [{"name": "a", "base_url": "u"}, {"name": "a", "base_url": "u"}]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeFile(t, "config.json", tt.body)
			if _, err := NewManager(path).Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "2500ms")
	if err != nil || d != 2500*time.Millisecond {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should error")
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatal("garbage duration should error")
	}
	d, err = ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default = (%v, %v)", d, err)
	}
}
