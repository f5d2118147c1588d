package repository_test

import (
	"context"
	"durableq/internal/models"
	"durableq/internal/repository"
	"durableq/internal/testutil"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newJob(scheduledFor *time.Time) *models.Job {
	return &models.Job{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Kind:         "delete_object",
		Payload:      []byte(`{"key":"tmp/a"}`),
		ScheduledFor: scheduledFor,
	}
}

func deadAt(ceiling int) repository.RetryDecision {
	return func(n int) (time.Duration, bool) {
		return 0, n >= ceiling
	}
}

func TestSQLiteRepository_ClaimOrderAndLease(t *testing.T) {
	clock := testutil.NewClock(epoch)
	repo := testutil.NewSQLiteRepository(t, repository.WithClock(clock.Now))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job := newJob(nil)
		if err := repo.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		ids = append(ids, job.ID)
		clock.Advance(time.Millisecond)
	}

	claimed, err := repo.ClaimJobs(ctx, 2, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed jobs, got %d", len(claimed))
	}
	for i, job := range claimed {
		if job.ID != ids[i] {
			t.Errorf("expected job %s at position %d, got %s", ids[i], i, job.ID)
		}
		if job.State != models.StateClaimed {
			t.Errorf("expected state claimed, got %s", job.State)
		}
		if job.LockedUntil == nil || !job.LockedUntil.Equal(clock.Now().Add(time.Minute)) {
			t.Errorf("expected lease until %v, got %v", clock.Now().Add(time.Minute), job.LockedUntil)
		}
	}

	rest, err := repo.ClaimJobs(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != ids[2] {
		t.Fatalf("expected only the third job, got %v", rest)
	}
}

func TestSQLiteRepository_ClaimZero(t *testing.T) {
	repo := testutil.NewSQLiteRepository(t)
	ctx := context.Background()

	if err := repo.CreateJob(ctx, newJob(nil)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	jobs, err := repo.ClaimJobs(ctx, 0, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no jobs for limit 0, got %d", len(jobs))
	}
}

func TestSQLiteRepository_ConcurrentClaimsNeverOverlap(t *testing.T) {
	repo := testutil.NewSQLiteRepository(t)
	ctx := context.Background()

	const total = 60
	for i := 0; i < total; i++ {
		if err := repo.CreateJob(ctx, newJob(nil)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup

	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := repo.ClaimJobs(ctx, 4, time.Hour)
				if err != nil {
					t.Errorf("ClaimJobs: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, job := range jobs {
					seen[job.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("expected %d distinct jobs, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestSQLiteRepository_ScheduledJobWaits(t *testing.T) {
	clock := testutil.NewClock(epoch)
	repo := testutil.NewSQLiteRepository(t, repository.WithClock(clock.Now))
	ctx := context.Background()

	a := newJob(nil)
	later := epoch.Add(time.Hour)
	b := newJob(&later)
	for _, job := range []*models.Job{a, b} {
		if err := repo.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	counts, err := repo.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Pending != 1 || counts.Scheduled != 1 {
		t.Errorf("expected 1 pending and 1 scheduled, got %+v", counts)
	}

	jobs, err := repo.ClaimJobs(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != a.ID {
		t.Fatalf("expected only job A, got %v", jobs)
	}
	if err := repo.DeleteJob(ctx, a.ID, jobs[0].ClaimID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	clock.Advance(59 * time.Minute)
	jobs, err = repo.ClaimJobs(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected job B to stay scheduled, got %v", jobs)
	}

	clock.Advance(time.Minute)
	jobs, err = repo.ClaimJobs(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != b.ID {
		t.Fatalf("expected job B once its time arrived, got %v", jobs)
	}
}

func TestSQLiteRepository_DeleteIsIdempotent(t *testing.T) {
	repo := testutil.NewSQLiteRepository(t)
	ctx := context.Background()

	job := newJob(nil)
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := repo.DeleteJob(ctx, job.ID, ""); err != nil {
			t.Fatalf("DeleteJob attempt %d: %v", i+1, err)
		}
	}
	if err := repo.DeleteJob(ctx, "never-existed", ""); err != nil {
		t.Errorf("expected no error deleting unknown id, got %v", err)
	}

	if _, err := repo.GetJob(ctx, job.ID); !errors.Is(err, repository.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSQLiteRepository_FailJobRetriesThenDeadLetters(t *testing.T) {
	clock := testutil.NewClock(epoch)
	repo := testutil.NewSQLiteRepository(t, repository.WithClock(clock.Now))
	ctx := context.Background()

	job := newJob(nil)
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	decide := func(n int) (time.Duration, bool) {
		return time.Minute, n >= 3
	}

	for attempt := 1; attempt <= 3; attempt++ {
		jobs, err := repo.ClaimJobs(ctx, 1, time.Hour)
		if err != nil {
			t.Fatalf("ClaimJobs: %v", err)
		}
		if len(jobs) != 1 {
			t.Fatalf("attempt %d: expected the job to be claimable, got %d jobs", attempt, len(jobs))
		}
		if jobs[0].FailureCount != attempt-1 {
			t.Errorf("attempt %d: expected failure count %d, got %d", attempt, attempt-1, jobs[0].FailureCount)
		}

		outcome, err := repo.FailJob(ctx, job.ID, jobs[0].ClaimID, "boom", decide)
		if err != nil {
			t.Fatalf("FailJob: %v", err)
		}
		if !outcome.Found || outcome.FailureCount != attempt {
			t.Errorf("attempt %d: unexpected outcome %+v", attempt, outcome)
		}
		if attempt < 3 {
			if outcome.Dead {
				t.Fatalf("attempt %d: job dead too early", attempt)
			}
			if !outcome.RetryAt.Equal(clock.Now().Add(time.Minute)) {
				t.Errorf("expected retry at %v, got %v", clock.Now().Add(time.Minute), outcome.RetryAt)
			}

			none, err := repo.ClaimJobs(ctx, 1, time.Hour)
			if err != nil {
				t.Fatalf("ClaimJobs: %v", err)
			}
			if len(none) != 0 {
				t.Fatalf("attempt %d: job claimable before its retry delay", attempt)
			}
			clock.Advance(time.Minute)
		} else if !outcome.Dead {
			t.Fatalf("expected job dead after third failure")
		}
	}

	if _, err := repo.GetJob(ctx, job.ID); !errors.Is(err, repository.ErrJobNotFound) {
		t.Errorf("expected dead job removed from live table, got %v", err)
	}

	dead, err := repo.ListDeadJobs(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadJobs: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead job, got %d", len(dead))
	}
	if dead[0].ID != job.ID || dead[0].FailureCount != 3 || dead[0].LastError != "boom" {
		t.Errorf("unexpected dead job %+v", dead[0])
	}
	if string(dead[0].Payload) != string(job.Payload) {
		t.Errorf("expected payload %s, got %s", job.Payload, dead[0].Payload)
	}

	counts, err := repo.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts != (models.Counts{Dead: 1}) {
		t.Errorf("expected only a dead job, got %+v", counts)
	}
}

func TestSQLiteRepository_FailJobRequiresClaim(t *testing.T) {
	repo := testutil.NewSQLiteRepository(t)
	ctx := context.Background()

	job := newJob(nil)
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	outcome, err := repo.FailJob(ctx, job.ID, "", "boom", deadAt(1))
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if outcome.Found {
		t.Errorf("expected pending job to be left alone, got %+v", outcome)
	}

	outcome, err = repo.FailJob(ctx, "missing", "", "boom", deadAt(1))
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if outcome.Found {
		t.Errorf("expected missing job to report not found, got %+v", outcome)
	}

	stored, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.FailureCount != 0 || stored.State != models.StatePending {
		t.Errorf("expected untouched job, got %+v", stored)
	}
}

func TestSQLiteRepository_ExpiredLeaseIsReclaimed(t *testing.T) {
	clock := testutil.NewClock(epoch)
	repo := testutil.NewSQLiteRepository(t, repository.WithClock(clock.Now))
	ctx := context.Background()

	job := newJob(nil)
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if jobs, err := repo.ClaimJobs(ctx, 1, time.Minute); err != nil || len(jobs) != 1 {
		t.Fatalf("expected first claim to succeed, got %v, %v", jobs, err)
	}

	clock.Advance(30 * time.Second)
	if jobs, err := repo.ClaimJobs(ctx, 1, time.Minute); err != nil || len(jobs) != 0 {
		t.Fatalf("expected leased job to be invisible, got %v, %v", jobs, err)
	}

	clock.Advance(30 * time.Second)
	jobs, err := repo.ClaimJobs(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("expected job reclaimed after lease expiry, got %v", jobs)
	}
	if jobs[0].FailureCount != 0 {
		t.Errorf("expected lease expiry not to count as a failure, got %d", jobs[0].FailureCount)
	}
}

func TestSQLiteRepository_StaleAckAfterReclaimIsIgnored(t *testing.T) {
	clock := testutil.NewClock(epoch)
	repo := testutil.NewSQLiteRepository(t, repository.WithClock(clock.Now))
	ctx := context.Background()

	job := newJob(nil)
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	first, err := repo.ClaimJobs(ctx, 1, time.Minute)
	if err != nil || len(first) != 1 {
		t.Fatalf("expected first claim, got %v, %v", first, err)
	}

	clock.Advance(2 * time.Minute)
	second, err := repo.ClaimJobs(ctx, 1, time.Minute)
	if err != nil || len(second) != 1 {
		t.Fatalf("expected reclaim after lease expiry, got %v, %v", second, err)
	}
	if second[0].ClaimID == "" || second[0].ClaimID == first[0].ClaimID {
		t.Fatalf("expected a fresh claim id, got %q and %q", first[0].ClaimID, second[0].ClaimID)
	}

	outcome, err := repo.FailJob(ctx, job.ID, first[0].ClaimID, "late failure", deadAt(5))
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if outcome.Found {
		t.Errorf("expected stale failure to be ignored, got %+v", outcome)
	}
	if err := repo.DeleteJob(ctx, job.ID, first[0].ClaimID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	if jobs, err := repo.ClaimJobs(ctx, 1, time.Minute); err != nil || len(jobs) != 0 {
		t.Fatalf("expected job to stay with the current claim, got %v, %v", jobs, err)
	}

	stored, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("expected job to survive the stale delete, got %v", err)
	}
	if stored.State != models.StateClaimed || stored.FailureCount != 0 || stored.ClaimID != second[0].ClaimID {
		t.Errorf("expected current claim untouched, got %+v", stored)
	}

	outcome, err = repo.FailJob(ctx, job.ID, second[0].ClaimID, "real failure", deadAt(5))
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if !outcome.Found || outcome.FailureCount != 1 {
		t.Errorf("expected current claim's failure to count, got %+v", outcome)
	}
}

func TestSQLiteRepository_RequeueDeadJob(t *testing.T) {
	repo := testutil.NewSQLiteRepository(t)
	ctx := context.Background()

	job := newJob(nil)
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := repo.ClaimJobs(ctx, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimJobs: %v, %v", claimed, err)
	}
	if _, err := repo.FailJob(ctx, job.ID, claimed[0].ClaimID, "boom", deadAt(1)); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	if err := repo.RequeueDeadJob(ctx, job.ID); err != nil {
		t.Fatalf("RequeueDeadJob: %v", err)
	}
	if err := repo.RequeueDeadJob(ctx, job.ID); !errors.Is(err, repository.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound on second requeue, got %v", err)
	}

	jobs, err := repo.ClaimJobs(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("expected requeued job, got %v", jobs)
	}
	if jobs[0].FailureCount != 0 || jobs[0].LastError != "boom" {
		t.Errorf("expected reset failure count with last error kept, got %+v", jobs[0])
	}
}

func TestSQLiteRepository_Clear(t *testing.T) {
	repo := testutil.NewSQLiteRepository(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.CreateJob(ctx, newJob(nil)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	counts, err := repo.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts != (models.Counts{}) {
		t.Errorf("expected empty store, got %+v", counts)
	}
}

func TestSQLiteRepository_ReopenKeepsJobs(t *testing.T) {
	path := t.TempDir() + "/jobs.db"
	ctx := context.Background()

	repo, err := repository.NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	job := newJob(nil)
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	repo.Close()

	repo, err = repository.NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()

	stored, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Kind != job.Kind || string(stored.Payload) != string(job.Payload) {
		t.Errorf("expected job to survive restart, got %+v", stored)
	}
}
