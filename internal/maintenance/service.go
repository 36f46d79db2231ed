// Package maintenance runs the scheduled housekeeping: pruning terminal
// jobs past the retention window and logging periodic queue statistics.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hidarameen/Hodhod/internal/storage"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

type Config struct {
	// PruneSchedule is a cron expression; terminal jobs older than
	// Retention are deleted on each run. Pending and processing jobs are
	// never touched.
	PruneSchedule string
	Retention     time.Duration

	StatsSchedule string
}

func (c Config) withDefaults() Config {
	if c.PruneSchedule == "" {
		c.PruneSchedule = "0 3 * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.StatsSchedule == "" {
		c.StatsSchedule = "@every 1h"
	}
	return c
}

// StatsFunc supplies a snapshot of runtime counters for the stats log
// line. Optional.
type StatsFunc func() map[string]any

type Service struct {
	cfg   Config
	log   logx.Logger
	store storage.Store
	stats StatsFunc

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func New(cfg Config, store storage.Store, stats StatsFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, store: store, stats: stats}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.PruneSchedule, s.runPrune); err != nil {
		return fmt.Errorf("maintenance: prune schedule: %w", err)
	}
	if s.stats != nil {
		if _, err := c.AddFunc(s.cfg.StatsSchedule, s.logStats); err != nil {
			return fmt.Errorf("maintenance: stats schedule: %w", err)
		}
	}
	c.Start()

	s.cron = c
	s.running = true
	s.log.Info("maintenance started",
		logx.String("prune", s.cfg.PruneSchedule),
		logx.Duration("retention", s.cfg.Retention))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return
	}

	// cron.Stop returns a context that closes when in-flight jobs finish.
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("maintenance stop timed out")
	}
}

func (s *Service) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.Retention)
	n, err := s.store.PruneTerminalJobs(ctx, cutoff)
	if err != nil {
		s.log.Error("job prune failed", logx.Err(err))
		return
	}
	s.log.Info("jobs pruned", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fields := []logx.Field{}
	for _, st := range []storage.JobStatus{storage.JobPending, storage.JobProcessing, storage.JobCompleted, storage.JobFailed} {
		if n, err := s.store.CountJobs(ctx, st); err == nil {
			fields = append(fields, logx.Int(string(st), n))
		}
	}
	if s.stats != nil {
		for k, v := range s.stats() {
			fields = append(fields, logx.Any(k, v))
		}
	}
	s.log.Info("queue stats", fields...)
}
