// Package batch reconciles scattered multi-part arrivals into one unit of
// work. Members of a group are delivered as separate events over a short,
// unbounded interval with no "group closed" signal, so the aggregator
// buffers them and flushes a fixed delay after the FIRST arrival.
//
// The delay is a liveness/latency trade-off, not a correctness guarantee:
// a very slow straggler can miss its group's flush. No better signal is
// available from the upstream source.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/hidarameen/Hodhod/internal/eventbus"
	"github.com/hidarameen/Hodhod/internal/transport"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

const DefaultFlushDelay = 2500 * time.Millisecond

type Config struct {
	// FlushDelay is measured from the first arrival of a group and is
	// never extended by later arrivals, bounding worst-case latency.
	FlushDelay time.Duration
}

// FlushFunc receives the completed batch, items in arrival order. It runs
// outside the aggregator lock and must re-validate eligibility with fresh
// state: the owning task may have been disabled while the batch buffered.
type FlushFunc func(ctx context.Context, groupKey string, items []transport.Item)

type group struct {
	items   []transport.Item
	firstAt time.Time
	timer   *time.Timer
}

// BatchEvent is published on the bus when a group opens or flushes.
type BatchEvent struct {
	GroupKey string        `json:"group_key"`
	Items    int           `json:"items"`
	Buffered time.Duration `json:"buffered,omitempty"`
}

type Aggregator struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	flush FlushFunc

	// mu guards the whole group map. It is held only for the critical
	// section, never across the flush delay or the flush handler.
	mu     sync.Mutex
	groups map[string]*group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, flush FlushFunc, log logx.Logger, bus eventbus.Bus) *Aggregator {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		flush:  flush,
		groups: make(map[string]*group),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add buffers one group-tagged item. The first item of a previously-unseen
// group key schedules the group's single flush; later items only append.
func (a *Aggregator) Add(item transport.Item) {
	key := item.GroupKey
	if key == "" {
		return
	}

	a.mu.Lock()
	g, ok := a.groups[key]
	if !ok {
		g = &group{firstAt: time.Now()}
		a.groups[key] = g
		g.timer = time.AfterFunc(a.cfg.FlushDelay, func() { a.fire(key) })
	}
	g.items = append(g.items, item)
	n := len(g.items)
	a.mu.Unlock()

	if !ok {
		a.log.Debug("batch opened", logx.String("group", key), logx.Duration("flush_in", a.cfg.FlushDelay))
		if a.bus != nil {
			a.bus.Publish(eventbus.Event{Type: eventbus.EventBatchOpened, Data: BatchEvent{GroupKey: key, Items: 1}})
		}
	} else {
		a.log.Debug("batch item buffered", logx.String("group", key), logx.Int("items", n))
	}
}

// fire pops the group and hands it to the flush handler. A key absent from
// the map means the group already flushed (or never existed), so a
// duplicate or late timer is a safe no-op.
func (a *Aggregator) fire(key string) {
	a.mu.Lock()
	g, ok := a.groups[key]
	if ok {
		delete(a.groups, key)
		// Registered under mu so Stop's wait covers a flush that popped
		// its group but has not entered the handler yet.
		a.wg.Add(1)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	defer a.wg.Done()
	if len(g.items) == 0 {
		return
	}

	buffered := time.Since(g.firstAt)
	a.log.Info("batch flushed", logx.String("group", key), logx.Int("items", len(g.items)), logx.Duration("buffered", buffered))
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.EventBatchFlushed, Data: BatchEvent{GroupKey: key, Items: len(g.items), Buffered: buffered}})
	}

	a.flush(a.ctx, key, g.items)
}

// Pending reports the number of groups currently buffering.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// Stop cancels pending flush timers and waits for any in-progress flush
// handler to return. Buffered, unflushed items are dropped; the caller
// owns draining semantics if it wants them.
func (a *Aggregator) Stop(ctx context.Context) {
	a.mu.Lock()
	for key, g := range a.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(a.groups, key)
	}
	a.mu.Unlock()
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
