package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"techaura-fulfillment/internal/models"
	"techaura-fulfillment/internal/store"
)

func seedPending(st *store.Memory, createdAt time.Time) int64 {
	return st.Seed(models.ProcessingJob{
		JobType:   "copy",
		Status:    models.StatusPending,
		CreatedAt: createdAt,
	})
}

func TestClaimMutualExclusion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPending(st, time.Now())
	m := NewManager(st, 3, nil)

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := m.Claim(ctx, "w"+string(rune('a'+i)), time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if job != nil {
				wins <- job.ID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestClaimFIFO(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	base := time.Now()
	older := seedPending(st, base.Add(-time.Hour))
	seedPending(st, base)
	m := NewManager(st, 3, nil)

	job, err := m.Claim(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if job.ID != older {
		t.Fatalf("expected oldest job %d first, got %d", older, job.ID)
	}
	if job.Status != models.StatusProcessing || !job.Leased() {
		t.Fatalf("claimed job not leased: %+v", job)
	}
	if job.StartedAt == nil {
		t.Fatalf("started_at not set on first claim")
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Now()
	var mu sync.Mutex
	st.SetNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	seedPending(st, now)
	m := NewManager(st, 3, nil)

	job, err := m.Claim(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("first claim: job=%v err=%v", job, err)
	}

	// Not yet expired: no job available to anyone else.
	advance(30 * time.Second)
	if got, _ := m.Claim(ctx, "w2", time.Minute); got != nil {
		t.Fatalf("claim before expiry should find nothing, got job %d", got.ID)
	}

	// Past expiry the same row is eligible again.
	advance(31 * time.Second)
	got, err := m.Claim(ctx, "w2", time.Minute)
	if err != nil || got == nil {
		t.Fatalf("claim after expiry: job=%v err=%v", got, err)
	}
	if got.ID != job.ID || *got.LockedBy != "w2" {
		t.Fatalf("expected job %d reclaimed by w2, got %+v", job.ID, got)
	}
	if got.Attempts != 0 {
		t.Fatalf("expiry reclaim must not touch attempts, got %d", got.Attempts)
	}
}

func TestRenewLostOwnership(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Now()
	var mu sync.Mutex
	st.SetNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	seedPending(st, now)
	m := NewManager(st, 3, nil)

	job, _ := m.Claim(ctx, "w1", time.Minute)
	if job == nil {
		t.Fatal("claim returned no job")
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if got, _ := m.Claim(ctx, "w2", time.Minute); got == nil {
		t.Fatal("w2 should reclaim the expired job")
	}

	ok, err := m.Renew(ctx, job.ID, "w1", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Fatal("renew must fail once ownership was reclaimed")
	}

	err = m.Complete(ctx, job.ID, "w1")
	if !errors.Is(err, ErrLostLease) {
		t.Fatalf("complete after reclaim: want ErrLostLease, got %v", err)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPending(st, time.Now())
	m := NewManager(st, 3, nil)

	job, _ := m.Claim(ctx, "w1", time.Minute)
	ok, err := m.Renew(ctx, job.ID, "w1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if !got.LockedUntil.After(job.LockedUntil.Add(30 * time.Minute)) {
		t.Fatalf("lease not extended: %v -> %v", job.LockedUntil, got.LockedUntil)
	}
}

func TestCompleteClearsLease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPending(st, time.Now())
	m := NewManager(st, 3, nil)

	job, _ := m.Claim(ctx, "w1", time.Minute)
	if err := m.Complete(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusCompleted || got.Leased() || got.FinishedAt == nil {
		t.Fatalf("unexpected state after complete: %+v", got)
	}
	// Terminal jobs never come back.
	if again, _ := m.Claim(ctx, "w2", time.Minute); again != nil {
		t.Fatalf("completed job claimed again: %d", again.ID)
	}
}

func TestRetryBound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPending(st, time.Now())
	m := NewManager(st, 3, nil)

	for i := 0; i < 3; i++ {
		job, err := m.Claim(ctx, "w1", time.Minute)
		if err != nil || job == nil {
			t.Fatalf("claim attempt %d: job=%v err=%v", i+1, job, err)
		}
		next, err := m.Fail(ctx, job.ID, "w1", "device write error")
		if err != nil {
			t.Fatalf("fail attempt %d: %v", i+1, err)
		}
		want := models.NextRetry
		if i == 2 {
			want = models.NextTerminal
		}
		if next != want {
			t.Fatalf("attempt %d: want next=%s, got %s", i+1, want, next)
		}
	}

	jobs, _ := st.ListByStatus(ctx, models.StatusFailed, 10)
	if len(jobs) != 1 {
		t.Fatalf("expected one terminally failed job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Attempts != 3 {
		t.Fatalf("attempts should be exactly 3, got %d", job.Attempts)
	}
	if job.Leased() {
		t.Fatalf("terminal job still leased: %+v", job)
	}
	if got, _ := m.Claim(ctx, "w2", time.Minute); got != nil {
		t.Fatalf("terminally failed job returned by claim: %d", got.ID)
	}
}

func TestFailAppendsLastError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPending(st, time.Now())
	m := NewManager(st, 3, nil)

	job, _ := m.Claim(ctx, "w1", time.Minute)
	if _, err := m.Fail(ctx, job.ID, "w1", "first failure"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	job, _ = m.Claim(ctx, "w1", time.Minute)
	if _, err := m.Fail(ctx, job.ID, "w1", "second failure"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.LastError == nil || !strings.Contains(*got.LastError, "first failure") ||
		!strings.Contains(*got.LastError, "second failure") {
		t.Fatalf("last_error should accumulate detail, got %v", got.LastError)
	}
}

func TestFailWritesJobLog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPending(st, time.Now())
	m := NewManager(st, 3, nil)

	job, _ := m.Claim(ctx, "w1", time.Minute)
	if _, err := m.Fail(ctx, job.ID, "w1", "device write error"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	entries, _ := st.ListJobLogs(ctx, job.ID, 10)
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Level != models.LogError || entries[0].Message != "device write error" {
		t.Fatalf("unexpected log entry: %+v", entries[0])
	}
}

func TestProgressMonotonic(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPending(st, time.Now())
	m := NewManager(st, 3, nil)

	job, _ := m.Claim(ctx, "w1", time.Minute)
	if ok, _ := m.Progress(ctx, job.ID, "w1", 5, 10); !ok {
		t.Fatal("progress update refused")
	}
	// A stale report must not move counters backwards.
	if ok, _ := m.Progress(ctx, job.ID, "w1", 3, 10); !ok {
		t.Fatal("progress update refused")
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.ProcessedUnits != 5 || got.Progress != 50 {
		t.Fatalf("expected processed=5 progress=50, got %d/%d", got.ProcessedUnits, got.Progress)
	}
	if got.ProcessedUnits > got.TotalUnits {
		t.Fatalf("processed exceeds total: %+v", got)
	}

	// Lost ownership drops the report.
	if ok, _ := m.Progress(ctx, job.ID, "w2", 9, 10); ok {
		t.Fatal("progress accepted from non-owner")
	}
}

func TestClaimEmptyPool(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), 3, nil)
	job, err := m.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim on empty pool: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %d", job.ID)
	}
}
