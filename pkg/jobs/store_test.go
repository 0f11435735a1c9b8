package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/observability/metrics"
	"gorm.io/gorm"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	logger.Silence()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	store := NewStore(db, 3)
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func enqueue(t *testing.T, store *Store, partnerID string) *Job {
	t.Helper()
	job, err := store.Enqueue(context.Background(), EnqueueParams{PartnerID: partnerID, PayloadRef: "payload", Mode: "lenient"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func TestEnqueueStartsQueuedWithZeroAttempts(t *testing.T) {
	store := newStore(t)
	job := enqueue(t, store, "acme")

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusQueued || got.Attempts != 0 || got.MaxAttempts != 3 {
		t.Fatalf("unexpected new job %+v", got)
	}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestClaimNextTakesOldestAndCountsAttempt(t *testing.T) {
	store := newStore(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	first := enqueue(t, store, "acme")
	store.now = func() time.Time { return base.Add(time.Second) }
	enqueue(t, store, "acme")

	job, err := store.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID != first.ID {
		t.Fatalf("expected oldest job claimed, got %+v", job)
	}
	if job.Status != StatusProcessing || job.Attempts != 1 {
		t.Fatalf("unexpected claimed job state %+v", job)
	}
}

func TestClaimNextReturnsNilWhenEmpty(t *testing.T) {
	store := newStore(t)
	job, err := store.ClaimNext(context.Background())
	if err != nil || job != nil {
		t.Fatalf("expected nothing to claim, got %+v %v", job, err)
	}
}

func TestClaimLosesRaceToConcurrentWorker(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	first := enqueue(t, store, "acme")

	// Another worker moves the candidate on after it was selected.
	store.beforeClaim = func(tx *gorm.DB, candidate *Job) {
		if err := tx.Model(&Job{}).Where("id = ?", candidate.ID).Update("status", StatusProcessing).Error; err != nil {
			t.Fatalf("concurrent claim: %v", err)
		}
	}
	if _, err := store.claimOnce(ctx); !errors.Is(err, errClaimConflict) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
	taken, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if taken.Attempts != 0 {
		t.Fatalf("a lost claim must not bump attempts, got %d", taken.Attempts)
	}
}

func TestClaimNextRetriesAfterLostRace(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	lost := enqueue(t, store, "acme")
	time.Sleep(2 * time.Millisecond)
	next := enqueue(t, store, "acme")

	calls := 0
	store.beforeClaim = func(tx *gorm.DB, candidate *Job) {
		calls++
		if calls == 1 {
			tx.Model(&Job{}).Where("id = ?", candidate.ID).Update("status", StatusCompleted)
		}
	}
	conflicts := metrics.Current().ClaimConflicts

	job, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID != next.ID || job.Attempts != 1 {
		t.Fatalf("expected %s after losing %s, got %+v", next.ID, lost.ID, job)
	}
	if got := metrics.Current().ClaimConflicts - conflicts; got != 1 {
		t.Fatalf("expected one counted conflict, got %d", got)
	}

	job, err = store.ClaimNext(ctx)
	if err != nil || job != nil {
		t.Fatalf("expected an empty queue, got %+v %v", job, err)
	}
}

func TestClaimNextStopsOnCanceledContext(t *testing.T) {
	store := newStore(t)
	enqueue(t, store, "acme")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.ClaimNext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	store := newStore(t)
	const jobsCount = 25
	const workers = 8
	for i := 0; i < jobsCount; i++ {
		enqueue(t, store, fmt.Sprintf("partner-%d", i%3))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(context.Background())
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("claim failed: %v", err)
	}

	if len(claimed) != jobsCount {
		t.Fatalf("expected %d distinct claims, got %d", jobsCount, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestScheduleRetryDelaysNextClaim(t *testing.T) {
	store := newStore(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	job := enqueue(t, store, "acme")
	claimed, _ := store.ClaimNext(ctx)
	if err := store.ScheduleRetry(ctx, claimed.ID, "database is locked", time.Minute); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	if again, _ := store.ClaimNext(ctx); again != nil {
		t.Fatal("job should not be claimable before next_run_at")
	}
	now = now.Add(2 * time.Minute)
	again, err := store.ClaimNext(ctx)
	if err != nil || again == nil || again.ID != job.ID {
		t.Fatalf("expected job claimable after delay, got %+v %v", again, err)
	}
	if again.Attempts != 2 {
		t.Fatalf("expected second attempt, got %d", again.Attempts)
	}
}

func TestTransitionsRequireProcessing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := enqueue(t, store, "acme")

	if err := store.MarkCompleted(ctx, job.ID, Summary{Accepted: 1}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completing a queued job should fail, got %v", err)
	}
	if err := store.MarkFailed(ctx, "missing", Failure{Error: "x"}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	claimed, _ := store.ClaimNext(ctx)
	if err := store.MarkCompleted(ctx, claimed.ID, Summary{Accepted: 2, Inserted: 2}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != StatusCompleted || got.Summary.Data().Accepted != 2 || got.ProcessedAt == nil {
		t.Fatalf("unexpected completed job %+v", got)
	}
	if got.Summary.Data().Errors == nil {
		t.Fatal("errors summary should be an empty list, not null")
	}
}

func TestMarkFailedStoresInlineOrKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	enqueue(t, store, "acme")
	enqueue(t, store, "acme")
	first, _ := store.ClaimNext(ctx)
	second, _ := store.ClaimNext(ctx)

	if err := store.MarkFailed(ctx, first.ID, Failure{Error: "boom", Diagnostics: []byte(`{"error":"boom"}`)}); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, second.ID, Failure{Error: "boom", DiagnosticsKey: "diag-1"}); err != nil {
		t.Fatal(err)
	}

	inline, _ := store.Get(ctx, first.ID)
	if inline.DiagnosticsKey != nil || string(inline.Diagnostics) != `{"error":"boom"}` {
		t.Fatalf("expected inline diagnostics, got %+v", inline)
	}
	keyed, _ := store.Get(ctx, second.ID)
	if keyed.DiagnosticsKey == nil || *keyed.DiagnosticsKey != "diag-1" || len(keyed.Diagnostics) != 0 {
		t.Fatalf("expected keyed diagnostics, got %+v", keyed)
	}
}

func TestRequeueResetsFailedJob(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job := enqueue(t, store, "acme")
	claimed, _ := store.ClaimNext(ctx)
	if err := store.MarkFailed(ctx, claimed.ID, Failure{Error: "boom", DiagnosticsKey: "diag"}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Requeue(ctx, job.ID, Scope{PartnerID: "globex"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other partner must not requeue, got %v", err)
	}

	requeued, err := store.Requeue(ctx, job.ID, Scope{PartnerID: "acme"})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != StatusQueued || requeued.Attempts != 0 || requeued.LastError != nil || requeued.DiagnosticsKey != nil {
		t.Fatalf("requeue should reset the job, got %+v", requeued)
	}

	if _, err := store.Requeue(ctx, job.ID, Scope{Admin: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("requeueing a queued job should fail, got %v", err)
	}

	again, _ := store.ClaimNext(ctx)
	if again == nil || again.ID != job.ID || again.Attempts != 1 {
		t.Fatalf("expected requeued job claimable with fresh budget, got %+v", again)
	}
	if _, err := store.Requeue(ctx, job.ID, Scope{PartnerID: "acme"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("partner must not requeue a processing job, got %v", err)
	}
	if _, err := store.Requeue(ctx, job.ID, Scope{Admin: true}); err != nil {
		t.Fatalf("admin should recover a stuck job: %v", err)
	}
}

func TestRequeueFailedAndCounts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, partner := range []string{"acme", "acme", "globex"} {
		enqueue(t, store, partner)
		job, _ := store.ClaimNext(ctx)
		if err := store.MarkFailed(ctx, job.ID, Failure{Error: "boom"}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.RequeueFailed(ctx, "acme")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 acme jobs requeued, got %d %v", n, err)
	}
	counts, err := store.CountByStatus(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusQueued] != 2 || counts[StatusFailed] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	listed, err := store.List(ctx, ListFilter{PartnerID: "globex"})
	if err != nil || len(listed) != 1 || listed[0].Status != StatusFailed {
		t.Fatalf("unexpected list result %+v %v", listed, err)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	payload := &Payload{PartnerID: "acme", ContentType: "application/json", Records: []byte(`[]`)}
	if err := store.SavePayload(ctx, payload); err != nil {
		t.Fatal(err)
	}
	if payload.ID == "" {
		t.Fatal("expected payload id assigned")
	}
	if _, err := store.LoadPayload(ctx, "missing"); !errors.Is(err, ErrPayloadNotFound) {
		t.Fatalf("expected ErrPayloadNotFound, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	base, limit := time.Second, 10*time.Second
	cases := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{1, 1, time.Second},
		{2, 1, 2 * time.Second},
		{3, 1, 4 * time.Second},
		{6, 1, 10 * time.Second},
		{2, 0.5, time.Second},
		{6, 1.4, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, base, limit, tc.jitter); got != tc.want {
			t.Fatalf("attempt %d jitter %.1f: expected %s, got %s", tc.attempt, tc.jitter, tc.want, got)
		}
	}
	for i := 0; i < 100; i++ {
		if j := Jitter(); j < 0.5 || j >= 1.5 {
			t.Fatalf("jitter out of range: %f", j)
		}
	}
}
