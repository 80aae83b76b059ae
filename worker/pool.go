package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"convertstep/config"
	"convertstep/models"
	"convertstep/reconciler"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	maxRetryDelay    = 60 * time.Second
	recoveryInterval = time.Minute
)

// moveJob takes ARGV[1] out of the processing list (KEYS[1]) and pushes
// ARGV[2] onto KEYS[2] only if the removal succeeded, so a delayed requeue and
// stale recovery cannot both re-deliver one job. KEYS[3] is the claims hash.
var moveJob = redis.NewScript(`
redis.call("HDEL", KEYS[3], ARGV[1])
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call("LPUSH", KEYS[2], ARGV[2])
return 1
`)

type Finisher interface {
	FinishConversion(ctx context.Context, fileID, ownerID string) error
}

// Pool re-polls conversions on behalf of clients that asked to watch a file.
// Jobs stay in the processing list until they are requeued or settled, so a
// crashed worker's jobs are picked up by the recovery loop.
type Pool struct {
	config      *config.Config
	redisClient redis.UniversalClient
	reconciler  Finisher
	logger      *zap.Logger
}

func NewPool(cfg *config.Config, redisClient redis.UniversalClient, reconciler Finisher, logger *zap.Logger) *Pool {
	return &Pool{
		config:      cfg,
		redisClient: redisClient,
		reconciler:  reconciler,
		logger:      logger,
	}
}

func (p *Pool) claimsKey() string {
	return p.config.ProcessingQueue + ":claims"
}

// Enqueue schedules background reconciliation of fileID for ownerID.
func (p *Pool) Enqueue(ctx context.Context, fileID, ownerID string) error {
	job := models.ReconcileJob{
		FileID:      fileID,
		OwnerID:     ownerID,
		MaxAttempts: p.config.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode reconcile job: %w", err)
	}
	if err := p.redisClient.LPush(ctx, p.config.PendingQueue, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue reconcile job: %w", err)
	}
	return nil
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log := p.logger.With(zap.Int("worker_id", workerID))
	log.Info("worker starting")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		default:
			// Atomic pop from pending and push to processing
			result, err := p.redisClient.BRPopLPush(
				ctx,
				p.config.PendingQueue,
				p.config.ProcessingQueue,
				30*time.Second,
			).Result()

			if errors.Is(err, redis.Nil) {
				continue
			}

			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error("redis error", zap.Error(err))
				time.Sleep(5 * time.Second)
				continue
			}

			p.redisClient.HSet(ctx, p.claimsKey(), result, time.Now().Unix())

			var job models.ReconcileJob
			if err := json.Unmarshal([]byte(result), &job); err != nil {
				log.Error("failed to parse job", zap.Error(err))
				p.settle(ctx, result)
				continue
			}

			p.processJob(ctx, log, &job, result)
		}
	}
}

func (p *Pool) processJob(ctx context.Context, log *zap.Logger, job *models.ReconcileJob, jobJSON string) {
	log = log.With(zap.String("file_id", job.FileID), zap.Int("attempt", job.Attempt))

	err := p.reconciler.FinishConversion(ctx, job.FileID, job.OwnerID)
	kind := reconciler.KindOf(err)

	plan := planRetry(job, kind)
	switch plan.action {
	case actionSettle:
		log.Info("reconcile job settled", zap.String("outcome", kind.String()))
		p.settle(ctx, jobJSON)
	case actionRequeue:
		log.Debug("reconcile job requeued",
			zap.String("outcome", kind.String()),
			zap.Duration("delay", plan.delay),
		)
		p.requeueAfter(ctx, jobJSON, job, plan.delay)
	case actionGiveUp:
		log.Warn("reconcile job gave up",
			zap.String("outcome", kind.String()),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(err),
		)
		p.giveUp(ctx, jobJSON)
	}
}

type action int

const (
	actionSettle action = iota
	actionRequeue
	actionGiveUp
)

type retryPlan struct {
	action action
	delay  time.Duration
}

// planRetry decides what happens to a job after one reconciliation. Terminal
// outcomes settle it; transient ones are polled again with exponential
// backoff until the attempt budget runs out.
func planRetry(job *models.ReconcileJob, kind reconciler.Kind) retryPlan {
	if !kind.Transient() {
		return retryPlan{action: actionSettle}
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if job.Attempt+1 >= maxAttempts {
		return retryPlan{action: actionGiveUp}
	}

	return retryPlan{action: actionRequeue, delay: retryDelay(job.Attempt + 1)}
}

func retryDelay(attempt int) time.Duration {
	if attempt > 30 {
		return maxRetryDelay
	}
	delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (p *Pool) settle(ctx context.Context, jobJSON string) {
	pipe := p.redisClient.TxPipeline()
	pipe.LRem(ctx, p.config.ProcessingQueue, 1, jobJSON)
	pipe.HDel(ctx, p.claimsKey(), jobJSON)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Error("failed to settle reconcile job", zap.Error(err))
	}
}

// move re-delivers a processing job to dest as payload. It reports false when
// the job had already left the processing list.
func (p *Pool) move(ctx context.Context, jobJSON, dest string, payload []byte) (bool, error) {
	n, err := moveJob.Run(ctx, p.redisClient,
		[]string{p.config.ProcessingQueue, dest, p.claimsKey()},
		jobJSON, payload,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// requeueAfter keeps the job in the processing list until the delayed push,
// so a shutdown before the timer fires leaves it for recovery. The claim is
// moved to the timer's deadline so recovery does not treat it as stale.
func (p *Pool) requeueAfter(ctx context.Context, jobJSON string, job *models.ReconcileJob, delay time.Duration) {
	next := *job
	next.Attempt++
	next.EnqueuedAt = time.Now().UTC().Add(delay)
	newJobJSON, err := json.Marshal(next)
	if err != nil {
		p.logger.Error("failed to encode reconcile job", zap.Error(err))
		return
	}

	deadline := time.Now().Add(delay)
	if err := p.redisClient.HSet(ctx, p.claimsKey(), jobJSON, deadline.Unix()).Err(); err != nil {
		p.logger.Warn("failed to refresh job claim", zap.String("file_id", job.FileID), zap.Error(err))
	}

	time.AfterFunc(delay, func() {
		moved, err := p.move(context.Background(), jobJSON, p.config.PendingQueue, newJobJSON)
		if err != nil {
			p.logger.Error("failed to requeue reconcile job", zap.String("file_id", job.FileID), zap.Error(err))
			return
		}
		if !moved {
			p.logger.Debug("reconcile job already recovered", zap.String("file_id", job.FileID))
		}
	})
}

func (p *Pool) giveUp(ctx context.Context, jobJSON string) {
	if _, err := p.move(ctx, jobJSON, p.config.FailedQueue, []byte(jobJSON)); err != nil {
		p.logger.Error("failed to move reconcile job to failed queue", zap.Error(err))
	}
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	p.logger.Info("starting stale reconcile job recovery loop")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("recovery loop shutting down")
			return
		case <-ticker.C:
			p.recoverStaleJobs(ctx)
		}
	}
}

func (p *Pool) recoverStaleJobs(ctx context.Context) {
	jobs, err := p.redisClient.LRange(ctx, p.config.ProcessingQueue, 0, -1).Result()
	if err != nil {
		p.logger.Error("failed to read processing queue", zap.Error(err))
		return
	}
	claims, err := p.redisClient.HGetAll(ctx, p.claimsKey()).Result()
	if err != nil {
		p.logger.Error("failed to read job claims", zap.Error(err))
		return
	}

	now := time.Now()
	recovered := 0
	for _, jobJSON := range jobs {
		var job models.ReconcileJob
		if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
			p.settle(ctx, jobJSON)
			continue
		}

		if !isStale(&job, claims[jobJSON], now, p.config.StaleAfter) {
			continue
		}

		if job.Attempt+1 < job.MaxAttempts {
			next := job
			next.Attempt++
			next.EnqueuedAt = now.UTC()
			newJobJSON, err := json.Marshal(next)
			if err != nil {
				continue
			}
			moved, err := p.move(ctx, jobJSON, p.config.PendingQueue, newJobJSON)
			if err != nil {
				p.logger.Error("failed to recover reconcile job", zap.String("file_id", job.FileID), zap.Error(err))
				continue
			}
			if !moved {
				continue
			}
			recovered++
		} else {
			p.giveUp(ctx, jobJSON)
		}
	}

	if recovered > 0 {
		p.logger.Info("recovered stale reconcile jobs", zap.Int("count", recovered))
	}
}

// isStale uses the claim time when the job was popped, falling back to the
// enqueue time for jobs claimed by a worker that died before recording it.
func isStale(job *models.ReconcileJob, claimedAt string, now time.Time, staleAfter time.Duration) bool {
	since := job.EnqueuedAt
	if claimedAt != "" {
		if unix, err := strconv.ParseInt(claimedAt, 10, 64); err == nil {
			since = time.Unix(unix, 0)
		}
	}
	return now.Sub(since) > staleAfter
}
