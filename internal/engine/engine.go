// Package engine is the ingestion coordinator: it receives inbound items
// from the transport, reassembles grouped posts, classifies each unit,
// and enqueues durable jobs that the worker pool drives through the
// pipeline and out to dispatch.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hidarameen/Hodhod/internal/batch"
	"github.com/hidarameen/Hodhod/internal/dispatch"
	"github.com/hidarameen/Hodhod/internal/eventbus"
	"github.com/hidarameen/Hodhod/internal/media"
	"github.com/hidarameen/Hodhod/internal/pipeline"
	"github.com/hidarameen/Hodhod/internal/publish"
	"github.com/hidarameen/Hodhod/internal/queue"
	"github.com/hidarameen/Hodhod/internal/rulecache"
	rtsup "github.com/hidarameen/Hodhod/internal/runtime/supervisor"
	"github.com/hidarameen/Hodhod/internal/storage"
	"github.com/hidarameen/Hodhod/internal/transport"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

type Config struct {
	// Job priorities: forward units are cheap and jump the queue, heavy
	// media sinks to the back so it never starves text work.
	ForwardPriority   int
	TransformPriority int
	HeavyPriority     int

	// PublishThreshold is the text length (runes) above which a page copy
	// is published and linked. 0 disables publishing.
	PublishThreshold int

	// MaxVideoBytes triggers recompression for larger videos.
	MaxVideoBytes int64

	InboundBuffer int
}

func (c Config) withDefaults() Config {
	if c.ForwardPriority == 0 {
		c.ForwardPriority = 10
	}
	if c.TransformPriority == 0 {
		c.TransformPriority = 5
	}
	if c.HeavyPriority == 0 {
		c.HeavyPriority = 1
	}
	if c.MaxVideoBytes <= 0 {
		c.MaxVideoBytes = 48 << 20
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
	return c
}

type Engine struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store     storage.Store
	pool      *queue.Pool
	agg       *batch.Aggregator
	pipe      *pipeline.Coordinator
	disp      *dispatch.Dispatcher
	adapter   transport.Adapter
	media     *media.Processor
	publisher publish.Publisher

	// owners caches source-chat routing lookups; entries age out on the
	// cache TTL, so enable/disable edits surface within seconds.
	owners *rulecache.Cache[[]storage.OwnerConfig]

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
}

type Deps struct {
	Store     storage.Store
	Pool      *queue.Pool
	Pipeline  *pipeline.Coordinator
	Dispatch  *dispatch.Dispatcher
	Adapter   transport.Adapter
	Media     *media.Processor
	Publisher publish.Publisher
	BatchCfg  batch.Config
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		store:     deps.Store,
		pool:      deps.Pool,
		pipe:      deps.Pipeline,
		disp:      deps.Dispatch,
		adapter:   deps.Adapter,
		media:     deps.Media,
		publisher: deps.Publisher,
		owners:    rulecache.New[[]storage.OwnerConfig](rulecache.DefaultTTL),
	}
	e.agg = batch.New(deps.BatchCfg, e.flushGroup, log.With(logx.String("comp", "batch")), bus)

	deps.Pool.RegisterHandler(storage.JobForward, e.handleForward)
	deps.Pool.RegisterHandler(storage.JobTransform, e.handleTransform)
	deps.Pool.RegisterHandler(storage.JobHeavyMedia, e.handleHeavyMedia)
	return e
}

// Start begins consuming inbound items from the transport. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return nil
	}
	e.stopCh = make(chan struct{})
	e.stopDone = nil
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log.With(logx.String("comp", "engine"))))
	sup := e.sup
	stopCh := e.stopCh
	e.mu.Unlock()

	items := make(chan transport.Item, e.cfg.InboundBuffer)
	sup.Go("consume", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-stopCh:
				return nil
			case item := <-items:
				e.IngestItem(c, item)
			}
		}
	})

	if err := e.adapter.Start(ctx, items); err != nil {
		return fmt.Errorf("engine: start transport: %w", err)
	}
	e.log.Info("engine started")
	return nil
}

// Stop shuts the intake path down in order: transport first so no new
// items arrive, then the batch aggregator, then the consume loop.
func (e *Engine) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	e.stopDone = done
	sup := e.sup
	stopCh := e.stopCh
	e.mu.Unlock()

	if err := e.adapter.Stop(ctx); err != nil {
		e.log.Warn("transport stop failed", logx.Err(err))
	}
	e.agg.Stop(ctx)
	close(stopCh)
	if err := sup.Wait(ctx); err != nil {
		e.log.Warn("engine stop timed out", logx.Err(err))
	}
	sup.Cancel()

	e.mu.Lock()
	e.stopCh = nil
	e.stopDone = nil
	e.sup = nil
	e.mu.Unlock()
	close(done)
	e.log.Info("engine stopped")
}

// IngestItem routes one inbound item. Grouped items buffer in the
// aggregator; standalone items enqueue immediately.
func (e *Engine) IngestItem(ctx context.Context, item transport.Item) {
	owners, err := e.ownersFor(ctx, item.SourceChatID)
	if err != nil {
		e.log.Error("owner lookup failed", logx.Int64("source", item.SourceChatID), logx.Err(err))
		return
	}
	if len(owners) == 0 {
		e.log.Debug("item from unconfigured source dropped", logx.Int64("source", item.SourceChatID))
		return
	}

	if item.GroupKey != "" {
		e.agg.Add(item)
		return
	}
	for _, oc := range owners {
		e.enqueueItems(ctx, oc, []transport.Item{item})
	}
}

// flushGroup receives a completed batch from the aggregator. Owner
// eligibility is re-read here because the batch buffered for a while and
// the owner may have been disabled in the meantime.
func (e *Engine) flushGroup(ctx context.Context, groupKey string, items []transport.Item) {
	if len(items) == 0 {
		return
	}
	owners, err := e.store.OwnersBySource(ctx, items[0].SourceChatID)
	if err != nil {
		e.log.Error("owner lookup failed on flush", logx.String("group", groupKey), logx.Err(err))
		return
	}
	for _, oc := range owners {
		if !oc.Enabled {
			continue
		}
		e.enqueueItems(ctx, oc, items)
	}
}

// enqueueItems classifies a unit and persists the matching job. Heavy
// media items split off into their own jobs; the remaining items travel
// together as one forward or transform unit.
func (e *Engine) enqueueItems(ctx context.Context, oc storage.OwnerConfig, items []transport.Item) {
	if !oc.Enabled {
		return
	}

	var light []transport.Item
	for _, it := range items {
		if it.IsHeavy() {
			if _, err := e.pool.Enqueue(ctx, oc.OwnerID, HeavyMediaPayload{Item: it}, e.cfg.HeavyPriority); err != nil {
				e.log.Error("enqueue heavy media failed", logx.Int64("owner", oc.OwnerID), logx.Err(err))
			}
			continue
		}
		light = append(light, it)
	}
	if len(light) == 0 {
		return
	}

	var payload queue.Payload
	priority := e.cfg.ForwardPriority
	if oc.AIEnabled {
		payload = TransformPayload{Items: light}
		priority = e.cfg.TransformPriority
	} else {
		payload = ForwardPayload{Items: light}
	}
	if _, err := e.pool.Enqueue(ctx, oc.OwnerID, payload, priority); err != nil {
		e.log.Error("enqueue failed", logx.Int64("owner", oc.OwnerID), logx.String("type", string(payload.JobType())), logx.Err(err))
	}
}

// EnqueueJob persists a job directly, bypassing ingestion and grouping.
// The payload is validated by the pool before it touches the store.
func (e *Engine) EnqueueJob(ctx context.Context, ownerID int64, p queue.Payload, priority int) (int64, error) {
	return e.pool.Enqueue(ctx, ownerID, p, priority)
}

func (e *Engine) ownersFor(ctx context.Context, sourceChatID int64) ([]storage.OwnerConfig, error) {
	return e.owners.GetOrFetch(ctx, sourceChatID, func(ctx context.Context, id int64) ([]storage.OwnerConfig, error) {
		return e.store.OwnersBySource(ctx, id)
	})
}

// InvalidateOwner drops cached routing and rules for one owner so config
// edits take effect on the next item instead of the next TTL expiry.
func (e *Engine) InvalidateOwner(ownerID int64) {
	e.owners.InvalidateAll()
	e.pipe.InvalidateRules(ownerID)
}

// Stats aggregates the runtime counters for diagnostics.
func (e *Engine) Stats() map[string]any {
	ps := e.pool.Stats()
	return map[string]any{
		"active_workers": ps.ActiveWorkers,
		"total_jobs_run": ps.TotalWorkers,
		"pool_running":   ps.Running,
		"pending_groups": e.agg.Pending(),
	}
}
