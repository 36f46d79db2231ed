// Package dispatch delivers a processed unit to its destinations and
// archives the outcome. Every unit gets a per-owner serial number before
// the first send attempt; serials are strictly increasing and gap-free,
// so a failed delivery still consumes its number.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hidarameen/Hodhod/internal/eventbus"
	"github.com/hidarameen/Hodhod/internal/storage"
	"github.com/hidarameen/Hodhod/internal/transport"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

type Config struct {
	// SendRate paces all outbound sends globally, in messages per second.
	// The platform enforces roughly 30/s across chats; staying under it
	// avoids surfacing its retry-after machinery.
	SendRate float64
	Burst    int

	// MaxAttempts bounds tries per destination. Failures at one
	// destination never block or abort the others.
	MaxAttempts int
	RetryDelay  time.Duration

	// SerialFormat renders the serial stamp appended to outbound text.
	SerialFormat string
}

func (c Config) withDefaults() Config {
	if c.SendRate <= 0 {
		c.SendRate = 25
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.SerialFormat == "" {
		c.SerialFormat = "#%d"
	}
	return c
}

// Request is one unit ready for delivery.
type Request struct {
	OwnerID      int64
	Destinations []transport.Destination
	Text         string
	Media        []transport.MediaFile
	Fields       map[string]string
	SourceRef    string
	OriginalText string
	Options      *transport.SendOptions
}

type DestResult struct {
	Dest transport.Destination
	Ref  transport.MessageRef
	Err  string
}

// Result reports the dispatch outcome. Serial is set even when every
// destination failed.
type Result struct {
	Serial   int64
	Sent     int
	Failed   int
	PerDest  []DestResult
	Archived bool
}

type Dispatcher struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	adapter transport.Adapter
	pace    *rate.Limiter
}

func New(cfg Config, store storage.Store, adapter transport.Adapter, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		adapter: adapter,
		pace:    rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.Burst),
	}
}

// Dispatch allocates the serial, fans out to every destination in
// parallel, and archives the unit when at least one destination accepted
// it. It returns an error only for infrastructure faults before any send
// was attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if len(req.Destinations) == 0 {
		return nil, fmt.Errorf("dispatch: owner %d has no destinations", req.OwnerID)
	}

	serial, err := d.store.NextSerial(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: allocate serial: %w", err)
	}

	published := d.stamp(req.Text, serial)
	res := &Result{Serial: serial, PerDest: make([]DestResult, len(req.Destinations))}

	var wg sync.WaitGroup
	for i, dest := range req.Destinations {
		wg.Add(1)
		go func(i int, dest transport.Destination) {
			defer wg.Done()
			ref, err := d.sendOne(ctx, dest, published, req.Media, req.Options)
			if err != nil {
				res.PerDest[i] = DestResult{Dest: dest, Err: err.Error()}
				return
			}
			res.PerDest[i] = DestResult{Dest: dest, Ref: ref}
		}(i, dest)
	}
	wg.Wait()

	for _, pd := range res.PerDest {
		if pd.Err == "" {
			res.Sent++
		} else {
			res.Failed++
		}
	}

	if res.Sent > 0 {
		status := "published"
		if res.Failed > 0 {
			status = "partial"
		}
		rec := storage.ArchiveRecord{
			OwnerID:       req.OwnerID,
			Serial:        serial,
			SourceRef:     req.SourceRef,
			OriginalText:  req.OriginalText,
			ProcessedText: req.Text,
			PublishedText: published,
			Fields:        req.Fields,
			Status:        status,
			CreatedAt:     time.Now(),
		}
		// Archive write survives caller cancellation; the unit is already
		// visible at the destinations.
		if err := d.store.AppendArchive(context.WithoutCancel(ctx), rec); err != nil {
			d.log.Error("archive append failed", logx.Int64("owner", req.OwnerID), logx.Int64("serial", serial), logx.Err(err))
		} else {
			res.Archived = true
		}
	}

	d.log.Info("dispatch done",
		logx.Int64("owner", req.OwnerID),
		logx.Int64("serial", serial),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.EventDispatchDone, Data: map[string]any{
			"owner_id": req.OwnerID,
			"serial":   serial,
			"sent":     res.Sent,
			"failed":   res.Failed,
		}})
	}
	return res, nil
}

// sendOne delivers to a single destination with pacing and bounded,
// linearly backed-off retries.
func (d *Dispatcher) sendOne(ctx context.Context, dest transport.Destination, text string, media []transport.MediaFile, opt *transport.SendOptions) (transport.MessageRef, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.pace.Wait(ctx); err != nil {
			return transport.MessageRef{}, err
		}

		var ref transport.MessageRef
		var err error
		if len(media) > 0 {
			ref, err = d.adapter.SendMedia(ctx, dest, media, text, opt)
		} else {
			ref, err = d.adapter.SendText(ctx, dest, text, opt)
		}
		if err == nil {
			return ref, nil
		}
		lastErr = err
		d.log.Warn("send failed",
			logx.Int64("chat", dest.ChatID),
			logx.Int("attempt", attempt),
			logx.Err(err))

		if attempt < d.cfg.MaxAttempts {
			select {
			case <-time.After(d.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return transport.MessageRef{}, ctx.Err()
			}
		}
	}
	return transport.MessageRef{}, lastErr
}

// stamp appends the serial marker on its own line.
func (d *Dispatcher) stamp(text string, serial int64) string {
	mark := fmt.Sprintf(d.cfg.SerialFormat, serial)
	if strings.TrimSpace(text) == "" {
		return mark
	}
	return text + "\n\n" + mark
}
