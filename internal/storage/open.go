// Package storage is the durable store behind the pipeline: the job queue
// table, per-owner configuration and rules, gap-free serial counters, and
// the archive of processed units. Single sqlite file, WAL mode.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

// Store is the persistence API used by the core.
type Store interface {
	// Jobs. MarkProcessing increments attempts and returns the new count;
	// FinishJob records the outcome without touching attempts, so a job
	// left pending is retried by a later poll cycle.
	AddJob(ctx context.Context, j Job) (int64, error)
	JobByID(ctx context.Context, id int64) (Job, error)
	PendingJobs(ctx context.Context, limit int) ([]Job, error)
	MarkProcessing(ctx context.Context, id int64) (attempts int, err error)
	FinishJob(ctx context.Context, id int64, status JobStatus, result, errMsg string) error
	CountJobs(ctx context.Context, status JobStatus) (int, error)
	PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error)

	// Owners and rules.
	PutOwner(ctx context.Context, oc OwnerConfig) error
	Owner(ctx context.Context, ownerID int64) (OwnerConfig, error)
	OwnersBySource(ctx context.Context, sourceChatID int64) ([]OwnerConfig, error)
	PutRule(ctx context.Context, r Rule) (int64, error)
	ActiveRules(ctx context.Context, ownerID int64) ([]Rule, error)

	// NextSerial atomically increments and returns the owner's counter,
	// starting at 1. A serial is never reused even if dispatch fails later.
	NextSerial(ctx context.Context, ownerID int64) (int64, error)

	AppendArchive(ctx context.Context, rec ArchiveRecord) error
	ArchiveCount(ctx context.Context, ownerID int64) (int64, error)

	Close() error
}

// Open initializes the sqlite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
