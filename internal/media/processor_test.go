package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

// stubTool writes an executable shell script standing in for ffmpeg or
// ffprobe so tests run without the real binaries.
func stubTool(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return path
}

func TestProbe(t *testing.T) {
	t.Parallel()
	ffprobe := stubTool(t, "ffprobe", `cat <<'EOF'
{"format":{"format_name":"mp4","duration":"12.500000","size":"1048576"},
 "streams":[{"codec_type":"audio"},{"codec_type":"video","width":1280,"height":720}]}
EOF
`)
	p := New(Config{FFprobePath: ffprobe}, logx.Nop())

	info, err := p.Probe(context.Background(), "/tmp/in.mp4")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Format != "mp4" || info.Size != 1048576 || info.Width != 1280 || info.Height != 720 {
		t.Fatalf("info = %+v", info)
	}
	if info.Duration != 12500*time.Millisecond {
		t.Fatalf("duration = %s, want 12.5s", info.Duration)
	}
}

func TestThumbnail(t *testing.T) {
	t.Parallel()
	// The stub records its arguments and creates the output file (the
	// last argument), like ffmpeg with -y.
	work := t.TempDir()
	argsFile := filepath.Join(work, "args")
	ffmpeg := stubTool(t, "ffmpeg", `echo "$@" > `+argsFile+`
for last; do :; done
touch "$last"
`)
	p := New(Config{FFmpegPath: ffmpeg, WorkDir: work}, logx.Nop())

	out, err := p.Thumbnail(context.Background(), "/tmp/in.mp4", Info{Duration: 30 * time.Second})
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if !strings.HasSuffix(out, ".jpg") {
		t.Fatalf("out = %q, want a .jpg path", out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("thumbnail file missing: %v", err)
	}
	args, _ := os.ReadFile(argsFile)
	if !strings.Contains(string(args), "-ss 1") {
		t.Fatalf("args = %q, want seek past the lead-in", args)
	}

	// Clips shorter than the seek offset fall back to the first frame.
	if _, err := p.Thumbnail(context.Background(), "/tmp/short.mp4", Info{Duration: time.Second}); err != nil {
		t.Fatalf("Thumbnail short clip: %v", err)
	}
	args, _ = os.ReadFile(argsFile)
	if !strings.Contains(string(args), "-ss 0") {
		t.Fatalf("args = %q, want first-frame seek", args)
	}
}

func TestCompress(t *testing.T) {
	t.Parallel()
	work := t.TempDir()
	ffmpeg := stubTool(t, "ffmpeg", `for last; do :; done
touch "$last"
`)
	p := New(Config{FFmpegPath: ffmpeg, WorkDir: work}, logx.Nop())

	out, err := p.Compress(context.Background(), "/tmp/in.mp4")
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !strings.HasSuffix(out, ".mp4") {
		t.Fatalf("out = %q, want an .mp4 path", out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("compressed file missing: %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	slow := stubTool(t, "ffmpeg", "sleep 5\n")
	p := New(Config{FFmpegPath: slow, Timeout: 100 * time.Millisecond, WorkDir: t.TempDir()}, logx.Nop())

	if _, err := p.Compress(context.Background(), "/tmp/in.mp4"); err == nil {
		t.Fatal("expected timeout error")
	} else if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestRunReportsStderr(t *testing.T) {
	t.Parallel()
	failing := stubTool(t, "ffprobe", `echo "moov atom not found" >&2
exit 1
`)
	p := New(Config{FFprobePath: failing}, logx.Nop())

	_, err := p.Probe(context.Background(), "/tmp/in.mp4")
	if err == nil || !strings.Contains(err.Error(), "moov atom not found") {
		t.Fatalf("err = %v, want tool stderr", err)
	}
}
