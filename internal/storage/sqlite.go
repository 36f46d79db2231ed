package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeLayout is RFC3339 with fixed-width nanoseconds. Times are stored as
// TEXT and compared with string ordering, so the width must not vary:
// RFC3339Nano trims trailing zeros and "...00.5Z" would sort after
// "...00.52Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; a single
	// connection also makes the serial-counter transaction race-free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

func (s *sqliteStore) AddJob(ctx context.Context, j Job) (int64, error) {
	if j.Type == "" {
		return 0, errors.New("job type is required")
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	payload := string(j.Payload)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(owner_id, type, payload, priority, status, max_attempts, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		j.OwnerID, string(j.Type), payload, j.Priority, string(JobPending), j.MaxAttempts,
		j.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const jobCols = `id, owner_id, type, payload, priority, status, attempts, max_attempts, result, error, created_at, processed_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var typ, status, payload, createdAt string
	var processedAt sql.NullString
	err := row.Scan(&j.ID, &j.OwnerID, &typ, &payload, &j.Priority, &status,
		&j.Attempts, &j.MaxAttempts, &j.Result, &j.Error, &createdAt, &processedAt)
	if err != nil {
		return Job{}, err
	}
	j.Type = JobType(typ)
	j.Status = JobStatus(status)
	j.Payload = json.RawMessage(payload)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if processedAt.Valid {
		j.ProcessedAt, _ = time.Parse(time.RFC3339Nano, processedAt.String)
	}
	return j, nil
}

func (s *sqliteStore) JobByID(ctx context.Context, id int64) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) PendingJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE status = ?
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT ?`, string(JobPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkProcessing(ctx context.Context, id int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1 WHERE id = ? AND status = ?`,
		string(JobProcessing), id, string(JobPending))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already claimed, finished, or unknown: either way not ours.
		return 0, ErrNotFound
	}
	var attempts int
	err = s.db.QueryRowContext(ctx, `SELECT attempts FROM jobs WHERE id = ?`, id).Scan(&attempts)
	return attempts, err
}

func (s *sqliteStore) FinishJob(ctx context.Context, id int64, status JobStatus, result, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, error = ?, processed_at = ? WHERE id = ?`,
		string(status), result, errMsg, time.Now().UTC().Format(timeLayout), id)
	return err
}

func (s *sqliteStore) CountJobs(ctx context.Context, status JobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

func (s *sqliteStore) PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND created_at < ?`,
		string(JobCompleted), string(JobFailed), olderThan.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- owners ----

func (s *sqliteStore) PutOwner(ctx context.Context, oc OwnerConfig) error {
	dests, err := json.Marshal(oc.Destinations)
	if err != nil {
		return err
	}
	fallbacks, err := json.Marshal(oc.Fallbacks)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(oc.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO owner_config(owner_id, name, enabled, source_chat_id, destinations, ai_enabled,
		    provider, model, fallbacks, system_prompt, temperature, rpm_limit, tpm_limit, tpd_limit, fields, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET
		    name=excluded.name, enabled=excluded.enabled, source_chat_id=excluded.source_chat_id,
		    destinations=excluded.destinations, ai_enabled=excluded.ai_enabled,
		    provider=excluded.provider, model=excluded.model, fallbacks=excluded.fallbacks,
		    system_prompt=excluded.system_prompt, temperature=excluded.temperature,
		    rpm_limit=excluded.rpm_limit, tpm_limit=excluded.tpm_limit, tpd_limit=excluded.tpd_limit,
		    fields=excluded.fields, updated_at=excluded.updated_at`,
		oc.OwnerID, oc.Name, boolInt(oc.Enabled), oc.SourceChatID, string(dests), boolInt(oc.AIEnabled),
		oc.Provider, oc.Model, string(fallbacks), oc.SystemPrompt, oc.Temperature,
		oc.RPMLimit, oc.TPMLimit, oc.TPDLimit, string(fields),
		time.Now().UTC().Format(timeLayout),
	)
	return err
}

const ownerCols = `owner_id, name, enabled, source_chat_id, destinations, ai_enabled, provider, model, fallbacks, system_prompt, temperature, rpm_limit, tpm_limit, tpd_limit, fields`

func scanOwner(row interface{ Scan(...any) error }) (OwnerConfig, error) {
	var oc OwnerConfig
	var enabled, aiEnabled int
	var dests, fallbacks, fields string
	err := row.Scan(&oc.OwnerID, &oc.Name, &enabled, &oc.SourceChatID, &dests, &aiEnabled,
		&oc.Provider, &oc.Model, &fallbacks, &oc.SystemPrompt, &oc.Temperature,
		&oc.RPMLimit, &oc.TPMLimit, &oc.TPDLimit, &fields)
	if err != nil {
		return OwnerConfig{}, err
	}
	oc.Enabled = enabled != 0
	oc.AIEnabled = aiEnabled != 0
	_ = json.Unmarshal([]byte(dests), &oc.Destinations)
	_ = json.Unmarshal([]byte(fallbacks), &oc.Fallbacks)
	_ = json.Unmarshal([]byte(fields), &oc.Fields)
	return oc, nil
}

func (s *sqliteStore) Owner(ctx context.Context, ownerID int64) (OwnerConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ownerCols+` FROM owner_config WHERE owner_id = ?`, ownerID)
	oc, err := scanOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OwnerConfig{}, ErrNotFound
	}
	return oc, err
}

func (s *sqliteStore) OwnersBySource(ctx context.Context, sourceChatID int64) ([]OwnerConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ownerCols+` FROM owner_config WHERE source_chat_id = ? AND enabled = 1 ORDER BY owner_id`,
		sourceChatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OwnerConfig
	for rows.Next() {
		oc, err := scanOwner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, oc)
	}
	return out, rows.Err()
}

// ---- rules ----

func (s *sqliteStore) PutRule(ctx context.Context, r Rule) (int64, error) {
	if r.Kind == "" {
		return 0, errors.New("rule kind is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO owner_rules(owner_id, kind, name, pattern, replacement, guidance, priority, enabled)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.OwnerID, string(r.Kind), r.Name, r.Pattern, r.Replacement, r.Guidance, r.Priority, boolInt(r.Enabled))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ActiveRules(ctx context.Context, ownerID int64) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, kind, name, pattern, replacement, guidance, priority, enabled
		 FROM owner_rules
		 WHERE owner_id = ? AND enabled = 1
		 ORDER BY priority DESC, id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var kind string
		var enabled int
		if err := rows.Scan(&r.ID, &r.OwnerID, &kind, &r.Name, &r.Pattern, &r.Replacement, &r.Guidance, &r.Priority, &enabled); err != nil {
			return nil, err
		}
		r.Kind = RuleKind(kind)
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- serials ----

func (s *sqliteStore) NextSerial(ctx context.Context, ownerID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	res, err := tx.ExecContext(ctx,
		`UPDATE serial_counters SET last_serial = last_serial + 1, updated_at = ? WHERE owner_id = ?`,
		now, ownerID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO serial_counters(owner_id, last_serial, updated_at) VALUES(?, 1, ?)`,
			ownerID, now); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		return 1, nil
	}

	var serial int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_serial FROM serial_counters WHERE owner_id = ?`, ownerID).Scan(&serial); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return serial, nil
}

// ---- archive ----

func (s *sqliteStore) AppendArchive(ctx context.Context, rec ArchiveRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	fields := "{}"
	if rec.Fields != nil {
		b, err := json.Marshal(rec.Fields)
		if err != nil {
			return err
		}
		fields = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archive(owner_id, serial, source_ref, original_text, processed_text, published_text, fields, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.OwnerID, rec.Serial, rec.SourceRef, rec.OriginalText, rec.ProcessedText,
		rec.PublishedText, fields, rec.Status, rec.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (s *sqliteStore) ArchiveCount(ctx context.Context, ownerID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
