package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.AddJob(ctx, Job{OwnerID: 1, Type: JobTransform, Payload: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	jobs, err := st.PendingJobs(ctx, 10)
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("pending = %+v, want the one added job", jobs)
	}
	if jobs[0].MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want default 3", jobs[0].MaxAttempts)
	}

	attempts, err := st.MarkProcessing(ctx, id)
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	// Claiming an already-claimed job must fail.
	if _, err := st.MarkProcessing(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second claim err = %v, want ErrNotFound", err)
	}

	if err := st.FinishJob(ctx, id, JobCompleted, "done", ""); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	j, err := st.JobByID(ctx, id)
	if err != nil {
		t.Fatalf("JobByID: %v", err)
	}
	if j.Status != JobCompleted || j.Result != "done" || j.ProcessedAt.IsZero() {
		t.Fatalf("job after finish = %+v", j)
	}
}

func TestFailedAttemptStaysPending(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	id, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`)})

	if _, err := st.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := st.FinishJob(ctx, id, JobPending, "", "transient"); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	// The job is eligible again and the attempt count survives.
	attempts, err := st.MarkProcessing(ctx, id)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestPendingJobsOrder(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	low, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`), Priority: 1, CreatedAt: base})
	highOld, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`), Priority: 10, CreatedAt: base.Add(time.Second)})
	highNew, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`), Priority: 10, CreatedAt: base.Add(2 * time.Second)})

	jobs, err := st.PendingJobs(ctx, 10)
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	want := []int64{highOld, highNew, low}
	if len(jobs) != 3 {
		t.Fatalf("len = %d, want 3", len(jobs))
	}
	for i, j := range jobs {
		if j.ID != want[i] {
			t.Fatalf("position %d is job %d, want %d", i, j.ID, want[i])
		}
	}
}

func TestPendingJobsSubsecondOrder(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	// Fractional seconds whose RFC3339Nano forms ("...00.5Z" vs
	// "...00.52Z") would sort backwards as text.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`), CreatedAt: base.Add(500 * time.Millisecond)})
	second, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`), CreatedAt: base.Add(520 * time.Millisecond)})

	jobs, err := st.PendingJobs(ctx, 10)
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != first || jobs[1].ID != second {
		t.Fatalf("order = [%d %d], want [%d %d]", jobs[0].ID, jobs[1].ID, first, second)
	}
}

func TestPendingJobsIDBreaksCreatedAtTie(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`), CreatedAt: ts})
	b, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`), CreatedAt: ts})

	jobs, err := st.PendingJobs(ctx, 10)
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != a || jobs[1].ID != b {
		t.Fatalf("order = [%d %d], want insertion order [%d %d]", jobs[0].ID, jobs[1].ID, a, b)
	}
}

func TestNextSerialGapFree(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	serials := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := st.NextSerial(ctx, 42)
			if err != nil {
				t.Errorf("NextSerial: %v", err)
				return
			}
			serials <- s
		}()
	}
	wg.Wait()
	close(serials)

	seen := map[int64]bool{}
	for s := range serials {
		if seen[s] {
			t.Fatalf("serial %d allocated twice", s)
		}
		seen[s] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("serial %d missing (gap)", i)
		}
	}

	// Another owner starts at 1.
	s, err := st.NextSerial(ctx, 43)
	if err != nil || s != 1 {
		t.Fatalf("other owner serial = (%d, %v), want (1, nil)", s, err)
	}
}

func TestOwnerRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	oc := OwnerConfig{
		OwnerID:      7,
		Name:         "news desk",
		Enabled:      true,
		SourceChatID: -100123,
		Destinations: []int64{-200, -201},
		AIEnabled:    true,
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		Fallbacks:    []ModelRef{{Provider: "groq", Model: "llama-3.1-70b"}},
		SystemPrompt: "rewrite plainly",
		Temperature:  0.4,
		RPMLimit:     30,
		TPMLimit:     90000,
		TPDLimit:     2000000,
		Fields:       []FieldSpec{{Name: "city", Description: "city the story happened in"}},
	}
	if err := st.PutOwner(ctx, oc); err != nil {
		t.Fatalf("PutOwner: %v", err)
	}

	got, err := st.Owner(ctx, 7)
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	if got.Name != oc.Name || got.Provider != oc.Provider || len(got.Destinations) != 2 ||
		len(got.Fallbacks) != 1 || got.Fallbacks[0].Model != "llama-3.1-70b" ||
		len(got.Fields) != 1 || got.Fields[0].Name != "city" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Upsert replaces.
	oc.Enabled = false
	if err := st.PutOwner(ctx, oc); err != nil {
		t.Fatalf("PutOwner upsert: %v", err)
	}
	got, _ = st.Owner(ctx, 7)
	if got.Enabled {
		t.Fatal("Enabled should be false after upsert")
	}

	if _, err := st.Owner(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing owner err = %v, want ErrNotFound", err)
	}
}

func TestOwnersBySourceFiltersDisabled(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	st.PutOwner(ctx, OwnerConfig{OwnerID: 1, Enabled: true, SourceChatID: -500})
	st.PutOwner(ctx, OwnerConfig{OwnerID: 2, Enabled: false, SourceChatID: -500})
	st.PutOwner(ctx, OwnerConfig{OwnerID: 3, Enabled: true, SourceChatID: -600})

	out, err := st.OwnersBySource(ctx, -500)
	if err != nil {
		t.Fatalf("OwnersBySource: %v", err)
	}
	if len(out) != 1 || out[0].OwnerID != 1 {
		t.Fatalf("owners = %+v, want only owner 1", out)
	}
}

func TestActiveRulesOrderAndFilter(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	st.PutRule(ctx, Rule{OwnerID: 1, Kind: RuleEntity, Name: "low", Pattern: "a", Replacement: "b", Priority: 1, Enabled: true})
	st.PutRule(ctx, Rule{OwnerID: 1, Kind: RuleEntity, Name: "high", Pattern: "c", Replacement: "d", Priority: 9, Enabled: true})
	st.PutRule(ctx, Rule{OwnerID: 1, Kind: RuleEntity, Name: "off", Pattern: "e", Replacement: "f", Priority: 5, Enabled: false})
	st.PutRule(ctx, Rule{OwnerID: 2, Kind: RuleSemantic, Name: "other owner", Guidance: "g", Enabled: true})

	rules, err := st.ActiveRules(ctx, 1)
	if err != nil {
		t.Fatalf("ActiveRules: %v", err)
	}
	if len(rules) != 2 || rules[0].Name != "high" || rules[1].Name != "low" {
		t.Fatalf("rules = %+v, want [high low]", rules)
	}
}

func TestArchiveUniquePerOwnerSerial(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	rec := ArchiveRecord{OwnerID: 1, Serial: 1, ProcessedText: "t", Status: "published", Fields: map[string]string{"k": "v"}}
	if err := st.AppendArchive(ctx, rec); err != nil {
		t.Fatalf("AppendArchive: %v", err)
	}
	if err := st.AppendArchive(ctx, rec); err == nil {
		t.Fatal("duplicate (owner, serial) should be rejected")
	}
	// Same serial for a different owner is fine.
	rec.OwnerID = 2
	if err := st.AppendArchive(ctx, rec); err != nil {
		t.Fatalf("AppendArchive other owner: %v", err)
	}

	n, err := st.ArchiveCount(ctx, 1)
	if err != nil || n != 1 {
		t.Fatalf("ArchiveCount = (%d, %v), want (1, nil)", n, err)
	}
}

func TestPruneTerminalJobs(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	doneID, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`), CreatedAt: old})
	pendID, _ := st.AddJob(ctx, Job{OwnerID: 1, Type: JobForward, Payload: json.RawMessage(`{}`), CreatedAt: old})
	st.MarkProcessing(ctx, doneID)
	st.FinishJob(ctx, doneID, JobCompleted, "", "")

	n, err := st.PruneTerminalJobs(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminalJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := st.JobByID(ctx, pendID); err != nil {
		t.Fatalf("pending job should survive prune: %v", err)
	}
}
