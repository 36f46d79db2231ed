// Package queue runs the persistent priority job queue: a bounded worker
// pool that polls the store for pending jobs and dispatches them to
// registered per-type handlers.
//
// Retry is status-driven, not timer-driven: a failed attempt below the
// job's max_attempts leaves the job pending, and a later poll cycle picks
// it up again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hidarameen/Hodhod/internal/eventbus"
	rtsup "github.com/hidarameen/Hodhod/internal/runtime/supervisor"
	"github.com/hidarameen/Hodhod/internal/storage"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

var (
	ErrStopped    = errors.New("worker pool stopped")
	ErrNoHandler  = errors.New("no handler registered")
	ErrBadPayload = errors.New("invalid job payload")
)

const noHandlerWarnEvery = 30 * time.Second

type Config struct {
	MaxWorkers   int
	PollInterval time.Duration
	ErrorBackoff time.Duration
	// JobTimeout bounds a single handler invocation. 0 disables it.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	return c
}

// Handler processes one job and returns a result string persisted with the
// completed job.
type Handler func(ctx context.Context, job storage.Job) (string, error)

// Payload is implemented by the tagged per-type payload structs. Enqueue
// validates at enqueue time so malformed work is rejected at the producer,
// not discovered by a worker.
type Payload interface {
	JobType() storage.JobType
	Validate() error
}

// JobEvent is published on the bus for job lifecycle events.
type JobEvent struct {
	ID       int64           `json:"id"`
	OwnerID  int64           `json:"owner_id"`
	Type     storage.JobType `json:"type"`
	Attempts int             `json:"attempts"`
	Duration time.Duration   `json:"duration,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Pool pulls pending jobs from the store and runs them on a bounded set of
// worker slots. The handler registry is per-instance, injected through
// RegisterHandler; there are no process-wide singletons.
type Pool struct {
	mu  sync.Mutex
	cfg Config

	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	handlers map[storage.JobType]Handler

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	sem chan struct{}

	inflightMu sync.Mutex
	inflight   map[int64]struct{}

	active  int32
	started uint64

	lastNoHandlerWarn int64
}

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		store:    store,
		log:      log,
		bus:      bus,
		handlers: make(map[storage.JobType]Handler),
		inflight: make(map[int64]struct{}),
	}
}

// RegisterHandler installs the handler for a job type. Registering later in
// startup order is fine: jobs of an unknown type stay pending until a
// handler appears.
func (p *Pool) RegisterHandler(t storage.JobType, h Handler) {
	p.mu.Lock()
	p.handlers[t] = h
	p.mu.Unlock()
	p.log.Debug("job handler registered", logx.String("type", string(t)))
}

func (p *Pool) handlerFor(t storage.JobType) (Handler, bool) {
	p.mu.Lock()
	h, ok := p.handlers[t]
	p.mu.Unlock()
	return h, ok
}

// Enqueue validates the payload, persists a pending job, and returns its id.
func (p *Pool) Enqueue(ctx context.Context, ownerID int64, payload Payload, priority int) (int64, error) {
	if payload == nil {
		return 0, ErrBadPayload
	}
	if err := payload.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	id, err := p.store.AddJob(ctx, storage.Job{
		OwnerID:  ownerID,
		Type:     payload.JobType(),
		Payload:  raw,
		Priority: priority,
	})
	if err != nil {
		return 0, err
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.EventJobEnqueued, Data: JobEvent{ID: id, OwnerID: ownerID, Type: payload.JobType()}})
	}
	p.log.Debug("job enqueued", logx.Int64("job", id), logx.String("type", string(payload.JobType())), logx.Int("priority", priority))
	return id, nil
}

// Start begins the poll loop. Idempotent; returns immediately if running.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	p.sem = make(chan struct{}, cfg.MaxWorkers)
	atomic.StoreInt32(&p.active, 0)
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log.With(logx.String("comp", "queue"))))
	sup := p.sup
	stopCh := p.stopCh
	p.mu.Unlock()

	sup.GoRestart("poll", func(c context.Context) error {
		return p.pollLoop(c, stopCh)
	})
	p.log.Info("worker pool started", logx.Int("max_workers", cfg.MaxWorkers), logx.Duration("poll_interval", cfg.PollInterval))
}

// Stop halts polling, waits for in-flight jobs to finish (bounded by ctx),
// then tears the pool down.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	waitErr := sup.Wait(ctx)
	sup.Cancel()
	if waitErr != nil {
		// In-flight jobs exceeded the stop deadline; their contexts are
		// now cancelled and they will unwind as failed attempts.
		p.log.Warn("worker pool stop timed out", logx.Err(waitErr))
		_ = sup.Wait(context.Background())
	}

	p.mu.Lock()
	p.stopCh = nil
	p.stopDone = nil
	p.sup = nil
	p.sem = nil
	p.mu.Unlock()
	close(done)
	p.log.Info("worker pool stopped")
}

// Stats is the observability view exposed by the pool.
type Stats struct {
	ActiveWorkers int    `json:"active_workers"`
	TotalWorkers  uint64 `json:"total_workers"`
	MaxWorkers    int    `json:"max_workers"`
	Running       bool   `json:"is_running"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	running := p.stopCh != nil && p.stopDone == nil
	maxW := p.cfg.MaxWorkers
	p.mu.Unlock()
	return Stats{
		ActiveWorkers: int(atomic.LoadInt32(&p.active)),
		TotalWorkers:  atomic.LoadUint64(&p.started),
		MaxWorkers:    maxW,
		Running:       running,
	}
}

func (p *Pool) pollLoop(ctx context.Context, stopCh <-chan struct{}) error {
	cfg := p.cfg
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		default:
		}

		jobs, err := p.store.PendingJobs(ctx, cfg.MaxWorkers*2)
		if err != nil {
			p.log.Warn("fetching pending jobs failed", logx.Err(err))
			if !sleepOr(ctx, stopCh, cfg.ErrorBackoff) {
				return nil
			}
			continue
		}

		dispatched := 0
		for _, job := range jobs {
			h, ok := p.handlerFor(job.Type)
			if !ok {
				// A handler may be registered later in startup order;
				// leave the job pending rather than failing it.
				p.warnNoHandler(job)
				continue
			}
			if p.isInflight(job.ID) {
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stopCh:
				return nil
			case p.sem <- struct{}{}:
			}

			attempts, err := p.store.MarkProcessing(ctx, job.ID)
			if err != nil {
				<-p.sem
				if !errors.Is(err, storage.ErrNotFound) {
					p.log.Warn("claiming job failed", logx.Int64("job", job.ID), logx.Err(err))
				}
				continue
			}
			job.Attempts = attempts
			p.setInflight(job.ID, true)
			dispatched++

			j := job
			p.sup.Go(fmt.Sprintf("job.%d", j.ID), func(c context.Context) error {
				defer func() {
					p.setInflight(j.ID, false)
					<-p.sem
				}()
				p.runJob(c, h, j)
				return nil
			})
		}

		if dispatched == 0 {
			if !sleepOr(ctx, stopCh, cfg.PollInterval) {
				return nil
			}
		}
	}
}

func (p *Pool) runJob(ctx context.Context, h Handler, job storage.Job) {
	atomic.AddInt32(&p.active, 1)
	atomic.AddUint64(&p.started, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.EventJobStarted, Data: JobEvent{ID: job.ID, OwnerID: job.OwnerID, Type: job.Type, Attempts: job.Attempts}})
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	var result string
	var err error
	func() {
		// One bad job must not kill a worker slot.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("job handler panicked", logx.Int64("job", job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		result, err = h(runCtx, job)
	}()

	dur := time.Since(start)
	if err == nil {
		if ferr := p.store.FinishJob(context.WithoutCancel(ctx), job.ID, storage.JobCompleted, result, ""); ferr != nil {
			p.log.Error("recording job completion failed", logx.Int64("job", job.ID), logx.Err(ferr))
		}
		p.log.Debug("job completed", logx.Int64("job", job.ID), logx.String("type", string(job.Type)), logx.Duration("dur", dur), logx.Int("attempts", job.Attempts))
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.EventJobCompleted, Data: JobEvent{ID: job.ID, OwnerID: job.OwnerID, Type: job.Type, Attempts: job.Attempts, Duration: dur}})
		}
		return
	}

	terminal := job.Attempts >= job.MaxAttempts
	status := storage.JobPending
	event := eventbus.EventJobRetried
	if terminal {
		status = storage.JobFailed
		event = eventbus.EventJobFailed
	}
	if ferr := p.store.FinishJob(context.WithoutCancel(ctx), job.ID, status, "", err.Error()); ferr != nil {
		p.log.Error("recording job failure failed", logx.Int64("job", job.ID), logx.Err(ferr))
	}
	p.log.Warn("job attempt failed",
		logx.Int64("job", job.ID),
		logx.String("type", string(job.Type)),
		logx.Int("attempts", job.Attempts),
		logx.Int("max_attempts", job.MaxAttempts),
		logx.Bool("terminal", terminal),
		logx.Duration("dur", dur),
		logx.Err(err),
	)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: event, Data: JobEvent{ID: job.ID, OwnerID: job.OwnerID, Type: job.Type, Attempts: job.Attempts, Duration: dur, Error: err.Error()}})
	}
}

func (p *Pool) isInflight(id int64) bool {
	p.inflightMu.Lock()
	_, ok := p.inflight[id]
	p.inflightMu.Unlock()
	return ok
}

func (p *Pool) setInflight(id int64, v bool) {
	p.inflightMu.Lock()
	if v {
		p.inflight[id] = struct{}{}
	} else {
		delete(p.inflight, id)
	}
	p.inflightMu.Unlock()
}

func (p *Pool) warnNoHandler(job storage.Job) {
	now := time.Now().UnixNano()
	prev := atomic.LoadInt64(&p.lastNoHandlerWarn)
	if prev != 0 && now-prev < int64(noHandlerWarnEvery) {
		return
	}
	if atomic.CompareAndSwapInt64(&p.lastNoHandlerWarn, prev, now) {
		p.log.Warn("no handler for job type, leaving pending", logx.Int64("job", job.ID), logx.String("type", string(job.Type)))
	}
}

func sleepOr(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}
