// Package media shells out to ffprobe and ffmpeg for heavy media work:
// probing stream metadata, extracting a poster frame, and recompressing
// oversized video. Everything runs out of process under a hard timeout so
// a stuck codec can never wedge a worker.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

type Config struct {
	FFmpegPath  string
	FFprobePath string
	// Timeout caps one tool invocation. Exceeding it kills the process
	// and fails the operation.
	Timeout time.Duration
	WorkDir string
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	return c
}

// Info is the subset of probe output the pipeline cares about.
type Info struct {
	Duration time.Duration
	Width    int
	Height   int
	Format   string
	Size     int64
}

type Processor struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{cfg: cfg.withDefaults(), log: log}
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe reads container and stream metadata from path.
func (p *Processor) Probe(ctx context.Context, path string) (Info, error) {
	out, err := p.run(ctx, p.cfg.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	if err != nil {
		return Info{}, fmt.Errorf("media: probe %s: %w", filepath.Base(path), err)
	}

	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Info{}, fmt.Errorf("media: parse probe output: %w", err)
	}

	info := Info{Format: po.Format.FormatName}
	if d, err := strconv.ParseFloat(po.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(d * float64(time.Second))
	}
	if s, err := strconv.ParseInt(po.Format.Size, 10, 64); err == nil {
		info.Size = s
	}
	for _, st := range po.Streams {
		if st.CodecType == "video" {
			info.Width = st.Width
			info.Height = st.Height
			break
		}
	}
	return info, nil
}

// Thumbnail extracts one poster frame as JPEG and returns its path. The
// frame is taken a second in to skip black lead-ins; for clips shorter
// than that it falls back to the first frame.
func (p *Processor) Thumbnail(ctx context.Context, path string, info Info) (string, error) {
	seek := "1"
	if info.Duration > 0 && info.Duration < 2*time.Second {
		seek = "0"
	}
	out := filepath.Join(p.cfg.WorkDir, uuid.NewString()+".jpg")

	_, err := p.run(ctx, p.cfg.FFmpegPath,
		"-v", "error",
		"-ss", seek,
		"-i", path,
		"-frames:v", "1",
		"-vf", "scale='min(640,iw)':-2",
		"-y", out)
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("media: thumbnail %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// Compress re-encodes video down to a platform-friendly size and returns
// the new path. The caller owns deleting both files.
func (p *Processor) Compress(ctx context.Context, path string) (string, error) {
	out := filepath.Join(p.cfg.WorkDir, uuid.NewString()+".mp4")

	start := time.Now()
	_, err := p.run(ctx, p.cfg.FFmpegPath,
		"-v", "error",
		"-i", path,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "28",
		"-c:a", "aac",
		"-b:a", "96k",
		"-movflags", "+faststart",
		"-y", out)
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("media: compress %s: %w", filepath.Base(path), err)
	}
	p.log.Info("video compressed", logx.String("file", filepath.Base(path)), logx.Duration("took", time.Since(start)))
	return out, nil
}

func (p *Processor) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s timed out after %s", filepath.Base(bin), p.cfg.Timeout)
		}
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			msg := strings.TrimSpace(string(ee.Stderr))
			if len(msg) > 200 {
				msg = msg[:200]
			}
			return nil, fmt.Errorf("%s: %s", filepath.Base(bin), msg)
		}
		return nil, err
	}
	return out, nil
}
