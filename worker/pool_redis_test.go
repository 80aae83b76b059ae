package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"convertstep/config"
	"convertstep/models"
	"convertstep/reconciler"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testFileID  = "6d1f7d0e-3b7a-4c64-9a3e-5b0f2c6f1a11"
	testOwnerID = "550e8400-e29b-41d4-a716-446655440000"
)

type stubFinisher struct {
	err   error
	calls atomic.Int32
}

func (s *stubFinisher) FinishConversion(_ context.Context, _, _ string) error {
	s.calls.Add(1)
	return s.err
}

func newTestPool(t *testing.T, finisher Finisher) (*Pool, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		PendingQueue:    "test:reconcile:pending",
		ProcessingQueue: "test:reconcile:processing",
		FailedQueue:     "test:reconcile:failed",
		MaxAttempts:     5,
		StaleAfter:      5 * time.Minute,
	}
	return NewPool(cfg, client, finisher, zap.NewNop()), client
}

// claimJob puts job in the processing list with a claim made at claimedAt,
// the state a worker leaves behind after popping it.
func claimJob(t *testing.T, p *Pool, client *redis.Client, job models.ReconcileJob, claimedAt time.Time) string {
	t.Helper()
	ctx := context.Background()

	raw, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, client.LPush(ctx, p.config.ProcessingQueue, raw).Err())
	require.NoError(t, client.HSet(ctx, p.claimsKey(), string(raw), claimedAt.Unix()).Err())
	return string(raw)
}

func listJobs(t *testing.T, client *redis.Client, key string) []models.ReconcileJob {
	t.Helper()

	raws, err := client.LRange(context.Background(), key, 0, -1).Result()
	require.NoError(t, err)

	jobs := make([]models.ReconcileJob, 0, len(raws))
	for _, raw := range raws {
		var job models.ReconcileJob
		require.NoError(t, json.Unmarshal([]byte(raw), &job))
		jobs = append(jobs, job)
	}
	return jobs
}

func claimCount(t *testing.T, p *Pool, client *redis.Client) int64 {
	t.Helper()
	n, err := client.HLen(context.Background(), p.claimsKey()).Result()
	require.NoError(t, err)
	return n
}

func TestPool_Enqueue(t *testing.T) {
	p, client := newTestPool(t, &stubFinisher{})

	require.NoError(t, p.Enqueue(context.Background(), testFileID, testOwnerID))

	jobs := listJobs(t, client, p.config.PendingQueue)
	require.Len(t, jobs, 1)
	assert.Equal(t, testFileID, jobs[0].FileID)
	assert.Equal(t, testOwnerID, jobs[0].OwnerID)
	assert.Equal(t, 0, jobs[0].Attempt)
	assert.Equal(t, 5, jobs[0].MaxAttempts)
	assert.False(t, jobs[0].EnqueuedAt.IsZero())
}

func TestPool_StartWorker_SettlesFinishedJob(t *testing.T) {
	finisher := &stubFinisher{}
	p, client := newTestPool(t, finisher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Enqueue(ctx, testFileID, testOwnerID))
	go p.StartWorker(ctx, 0)

	require.Eventually(t, func() bool {
		return finisher.calls.Load() == 1 &&
			len(listJobs(t, client, p.config.ProcessingQueue)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, listJobs(t, client, p.config.PendingQueue))
	assert.Empty(t, listJobs(t, client, p.config.FailedQueue))
	assert.Equal(t, int64(0), claimCount(t, p, client))
}

func TestPool_ProcessJob_TerminalOutcomeSettles(t *testing.T) {
	p, client := newTestPool(t, &stubFinisher{err: reconciler.ErrConversionFailed})

	job := models.ReconcileJob{FileID: testFileID, OwnerID: testOwnerID, MaxAttempts: 5, EnqueuedAt: time.Now().UTC()}
	raw := claimJob(t, p, client, job, time.Now())

	p.processJob(context.Background(), p.logger, &job, raw)

	assert.Empty(t, listJobs(t, client, p.config.ProcessingQueue))
	assert.Empty(t, listJobs(t, client, p.config.PendingQueue))
	assert.Equal(t, int64(0), claimCount(t, p, client))
}

func TestPool_ProcessJob_TransientOutcomeHoldsClaimUntilRequeue(t *testing.T) {
	p, client := newTestPool(t, &stubFinisher{err: reconciler.ErrConversionInProgress})

	job := models.ReconcileJob{FileID: testFileID, OwnerID: testOwnerID, MaxAttempts: 5, EnqueuedAt: time.Now().UTC()}
	raw := claimJob(t, p, client, job, time.Now().Add(-time.Minute))

	p.processJob(context.Background(), p.logger, &job, raw)

	// the first requeue waits retryDelay(1); until then the job stays claimed
	assert.Len(t, listJobs(t, client, p.config.ProcessingQueue), 1)
	assert.Empty(t, listJobs(t, client, p.config.PendingQueue))

	claimedAt, err := client.HGet(context.Background(), p.claimsKey(), raw).Int64()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, claimedAt, time.Now().Add(retryDelay(1)).Unix()-1)
}

func TestPool_ProcessJob_ExhaustedBudgetGivesUp(t *testing.T) {
	p, client := newTestPool(t, &stubFinisher{err: reconciler.ErrConversionWaiting})

	job := models.ReconcileJob{FileID: testFileID, OwnerID: testOwnerID, Attempt: 4, MaxAttempts: 5, EnqueuedAt: time.Now().UTC()}
	raw := claimJob(t, p, client, job, time.Now())

	p.processJob(context.Background(), p.logger, &job, raw)

	failed := listJobs(t, client, p.config.FailedQueue)
	require.Len(t, failed, 1)
	assert.Equal(t, 4, failed[0].Attempt)
	assert.Empty(t, listJobs(t, client, p.config.ProcessingQueue))
	assert.Equal(t, int64(0), claimCount(t, p, client))
}

func TestPool_RequeueAfter_MovesJobBackToPending(t *testing.T) {
	p, client := newTestPool(t, &stubFinisher{})

	job := models.ReconcileJob{FileID: testFileID, OwnerID: testOwnerID, Attempt: 1, MaxAttempts: 5, EnqueuedAt: time.Now().UTC()}
	raw := claimJob(t, p, client, job, time.Now())

	p.requeueAfter(context.Background(), raw, &job, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(listJobs(t, client, p.config.PendingQueue)) == 1
	}, time.Second, 10*time.Millisecond)

	pending := listJobs(t, client, p.config.PendingQueue)
	assert.Equal(t, 2, pending[0].Attempt)
	assert.Empty(t, listJobs(t, client, p.config.ProcessingQueue))
	assert.Equal(t, int64(0), claimCount(t, p, client))
}

func TestPool_RecoverStaleJobs(t *testing.T) {
	p, client := newTestPool(t, &stubFinisher{})
	now := time.Now()

	stale := models.ReconcileJob{FileID: "stale", OwnerID: testOwnerID, Attempt: 1, MaxAttempts: 5, EnqueuedAt: now.Add(-time.Hour).UTC()}
	fresh := models.ReconcileJob{FileID: "fresh", OwnerID: testOwnerID, MaxAttempts: 5, EnqueuedAt: now.Add(-time.Hour).UTC()}
	spent := models.ReconcileJob{FileID: "spent", OwnerID: testOwnerID, Attempt: 4, MaxAttempts: 5, EnqueuedAt: now.Add(-time.Hour).UTC()}

	claimJob(t, p, client, stale, now.Add(-10*time.Minute))
	claimJob(t, p, client, fresh, now.Add(-time.Minute))
	claimJob(t, p, client, spent, now.Add(-10*time.Minute))

	p.recoverStaleJobs(context.Background())

	pending := listJobs(t, client, p.config.PendingQueue)
	require.Len(t, pending, 1)
	assert.Equal(t, "stale", pending[0].FileID)
	assert.Equal(t, 2, pending[0].Attempt)

	failed := listJobs(t, client, p.config.FailedQueue)
	require.Len(t, failed, 1)
	assert.Equal(t, "spent", failed[0].FileID)

	processing := listJobs(t, client, p.config.ProcessingQueue)
	require.Len(t, processing, 1)
	assert.Equal(t, "fresh", processing[0].FileID)
	assert.Equal(t, int64(1), claimCount(t, p, client))
}

func TestPool_RequeueRefreshesClaimAgainstRecovery(t *testing.T) {
	p, client := newTestPool(t, &stubFinisher{})
	p.config.StaleAfter = 5 * time.Second

	job := models.ReconcileJob{FileID: testFileID, OwnerID: testOwnerID, MaxAttempts: 5, EnqueuedAt: time.Now().Add(-time.Minute).UTC()}
	raw := claimJob(t, p, client, job, time.Now().Add(-10*time.Second))

	p.requeueAfter(context.Background(), raw, &job, 300*time.Millisecond)
	p.recoverStaleJobs(context.Background())

	assert.Empty(t, listJobs(t, client, p.config.PendingQueue))

	require.Eventually(t, func() bool {
		return len(listJobs(t, client, p.config.PendingQueue)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_RequeueAndRecoveryDeliverOnce(t *testing.T) {
	p, client := newTestPool(t, &stubFinisher{})
	p.config.StaleAfter = 5 * time.Second
	ctx := context.Background()

	job := models.ReconcileJob{FileID: testFileID, OwnerID: testOwnerID, MaxAttempts: 5, EnqueuedAt: time.Now().Add(-time.Minute).UTC()}
	raw := claimJob(t, p, client, job, time.Now().Add(-10*time.Second))

	p.requeueAfter(ctx, raw, &job, 300*time.Millisecond)

	// recovery still sees an expired claim, as after a lost claim refresh
	expired := strconv.FormatInt(time.Now().Add(-10*time.Second).Unix(), 10)
	require.NoError(t, client.HSet(ctx, p.claimsKey(), raw, expired).Err())
	p.recoverStaleJobs(ctx)

	time.Sleep(600 * time.Millisecond)

	pending := listJobs(t, client, p.config.PendingQueue)
	require.Len(t, pending, 1)
	assert.Equal(t, testFileID, pending[0].FileID)
	assert.Empty(t, listJobs(t, client, p.config.ProcessingQueue))
	assert.Equal(t, int64(0), claimCount(t, p, client))
}
