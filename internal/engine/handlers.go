package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hidarameen/Hodhod/internal/dispatch"
	"github.com/hidarameen/Hodhod/internal/pipeline"
	"github.com/hidarameen/Hodhod/internal/ratelimit"
	"github.com/hidarameen/Hodhod/internal/storage"
	"github.com/hidarameen/Hodhod/internal/transport"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

// handleForward delivers a unit with deterministic rules only. The
// pipeline runs without a provider, so generation is skipped and the
// rule-applied text is the final text.
func (e *Engine) handleForward(ctx context.Context, job storage.Job) (string, error) {
	var p ForwardPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	oc, err := e.store.Owner(ctx, job.OwnerID)
	if err != nil {
		return "", fmt.Errorf("load owner: %w", err)
	}
	if !oc.Enabled {
		return "skipped: owner disabled", nil
	}

	req := requestFor(oc, combineText(p.Items))
	req.Provider = "" // rules only
	res, err := e.pipe.Process(ctx, req)
	if err != nil {
		return "", fmt.Errorf("pipeline: %w", err)
	}

	return e.deliver(ctx, oc, res, p.Items, lightMedia(p.Items))
}

// handleTransform runs the full pipeline, optionally publishes a page
// copy for long output, and dispatches.
func (e *Engine) handleTransform(ctx context.Context, job storage.Job) (string, error) {
	var p TransformPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	oc, err := e.store.Owner(ctx, job.OwnerID)
	if err != nil {
		return "", fmt.Errorf("load owner: %w", err)
	}
	if !oc.Enabled {
		return "skipped: owner disabled", nil
	}

	res, err := e.pipe.Process(ctx, requestFor(oc, combineText(p.Items)))
	if err != nil {
		return "", fmt.Errorf("pipeline: %w", err)
	}
	if !res.Success && res.FinalText == "" {
		return "", fmt.Errorf("pipeline produced no output: %s", strings.Join(res.Errors, "; "))
	}

	return e.deliver(ctx, oc, res, p.Items, lightMedia(p.Items))
}

// handleHeavyMedia downloads the file, recompresses oversized video, and
// dispatches the processed media with its caption run through the
// pipeline.
func (e *Engine) handleHeavyMedia(ctx context.Context, job storage.Job) (string, error) {
	var p HeavyMediaPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	oc, err := e.store.Owner(ctx, job.OwnerID)
	if err != nil {
		return "", fmt.Errorf("load owner: %w", err)
	}
	if !oc.Enabled {
		return "skipped: owner disabled", nil
	}

	path, err := e.adapter.Download(ctx, p.Item.MediaRef)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer os.Remove(path)

	sendPath := path
	var thumbPath string
	if p.Item.Kind == transport.MediaVideo && e.media != nil {
		info, err := e.media.Probe(ctx, path)
		if err != nil {
			e.log.Warn("media probe failed, sending as-is", logx.Int64("job", job.ID), logx.Err(err))
		} else if info.Size > e.cfg.MaxVideoBytes {
			compressed, err := e.media.Compress(ctx, path)
			if err != nil {
				e.log.Warn("compression failed, sending original", logx.Int64("job", job.ID), logx.Err(err))
			} else {
				defer os.Remove(compressed)
				sendPath = compressed
			}
		}
		// Poster frame rides along with the upload; losing it only costs
		// the preview.
		if thumb, err := e.media.Thumbnail(ctx, sendPath, info); err != nil {
			e.log.Warn("thumbnail failed", logx.Int64("job", job.ID), logx.Err(err))
		} else {
			defer os.Remove(thumb)
			thumbPath = thumb
		}
	}

	caption := p.Item.Text
	req := requestFor(oc, caption)
	if !oc.AIEnabled {
		req.Provider = ""
	}
	res, err := e.pipe.Process(ctx, req)
	if err != nil {
		return "", fmt.Errorf("pipeline: %w", err)
	}

	media := []transport.MediaFile{{Kind: p.Item.Kind, Path: sendPath, Thumb: thumbPath}}
	return e.deliver(ctx, oc, res, []transport.Item{p.Item}, media)
}

// deliver publishes the page copy when warranted and hands the unit to
// the dispatcher. A publish failure only costs the page link.
func (e *Engine) deliver(ctx context.Context, oc storage.OwnerConfig, res *pipeline.Result, items []transport.Item, media []transport.MediaFile) (string, error) {
	text := res.FinalText
	if text == "" && len(media) == 0 {
		return "skipped: nothing to deliver", nil
	}

	if e.publisher != nil && e.cfg.PublishThreshold > 0 && len([]rune(text)) > e.cfg.PublishThreshold {
		title := pageTitle(text, oc.Name)
		if url, err := e.publisher.Publish(ctx, title, text); err != nil {
			e.log.Warn("page publish failed", logx.Int64("owner", oc.OwnerID), logx.Err(err))
		} else {
			text = text + "\n\n" + url
		}
	}

	dests := make([]transport.Destination, 0, len(oc.Destinations))
	for _, chatID := range oc.Destinations {
		dests = append(dests, transport.Destination{ChatID: chatID})
	}

	dres, err := e.disp.Dispatch(ctx, dispatch.Request{
		OwnerID:      oc.OwnerID,
		Destinations: dests,
		Text:         text,
		Media:        media,
		Fields:       res.Fields,
		SourceRef:    sourceRef(items),
		OriginalText: res.OriginalText,
	})
	if err != nil {
		return "", err
	}
	if dres.Sent == 0 {
		return "", fmt.Errorf("all %d destinations failed", dres.Failed)
	}
	return fmt.Sprintf("serial=%d sent=%d failed=%d quality=%.2f", dres.Serial, dres.Sent, dres.Failed, res.QualityScore), nil
}

func requestFor(oc storage.OwnerConfig, text string) pipeline.Request {
	return pipeline.Request{
		OwnerID:      oc.OwnerID,
		Text:         text,
		Provider:     oc.Provider,
		Model:        oc.Model,
		Fallbacks:    oc.Fallbacks,
		SystemPrompt: oc.SystemPrompt,
		Temperature:  oc.Temperature,
		Limits:       limitsFor(oc),
		Fields:       oc.Fields,
	}
}

func limitsFor(oc storage.OwnerConfig) ratelimit.Limits {
	return ratelimit.Limits{RPM: oc.RPMLimit, TPM: oc.TPMLimit, TPD: oc.TPDLimit}
}

func combineText(items []transport.Item) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if t := strings.TrimSpace(it.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// lightMedia collects re-sendable media refs (photos, documents). Heavy
// items were split into their own jobs at enqueue time.
func lightMedia(items []transport.Item) []transport.MediaFile {
	var files []transport.MediaFile
	for _, it := range items {
		if it.MediaRef == "" || it.IsHeavy() {
			continue
		}
		files = append(files, transport.MediaFile{Kind: it.Kind, Ref: it.MediaRef})
	}
	return files
}

func sourceRef(items []transport.Item) string {
	if len(items) == 0 {
		return ""
	}
	first := items[0]
	return strconv.FormatInt(first.SourceChatID, 10) + ":" + strconv.Itoa(first.MessageID)
}

func pageTitle(text, fallback string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return fallback
	}
	r := []rune(line)
	if len(r) > 80 {
		return string(r[:80])
	}
	return line
}
