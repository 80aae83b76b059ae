// Package reconciler drives a file's convert step from the status reported by
// the remote conversion service.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"convertstep/models"
	"convertstep/services"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultFlightTimeout = 30 * time.Second

type Store interface {
	FindOwnedRecord(ctx context.Context, fileID, ownerID string) (*models.OwnedRecord, error)
	FindConversionRecord(ctx context.Context, fileID string) (*models.ConvertRecord, error)
	AdvanceStep(ctx context.Context, fileID string, from, to models.ConvertStep) error
}

type StatusClient interface {
	QueryStatus(ctx context.Context, region, taskID string, resourceType models.ResourceType) (*models.ConversionTask, error)
}

type Reconciler struct {
	store         Store
	client        StatusClient
	metrics       *Metrics
	logger        *zap.Logger
	flights       singleflight.Group
	flightTimeout time.Duration
}

func New(store Store, client StatusClient, metrics *Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:         store,
		client:        client,
		metrics:       metrics,
		logger:        logger,
		flightTimeout: defaultFlightTimeout,
	}
}

// WithFlightTimeout bounds a single reconciliation once it runs detached from
// the caller.
func (r *Reconciler) WithFlightTimeout(d time.Duration) *Reconciler {
	if d > 0 {
		r.flightTimeout = d
	}
	return r
}

// FinishConversion reconciles the convert step of fileID on behalf of ownerID.
// It returns nil only when the remote task has finished and the step is Done.
// Every other outcome is one of the package's sentinel errors, a
// *RemoteQueryError, or a wrapped store error; use KindOf to classify it.
func (r *Reconciler) FinishConversion(ctx context.Context, fileID, ownerID string) error {
	start := time.Now()
	err := r.finish(ctx, fileID, ownerID)
	kind := KindOf(err)

	r.metrics.observeOutcome(kind, time.Since(start))

	fields := []zap.Field{
		zap.String("file_id", fileID),
		zap.String("owner_id", ownerID),
		zap.String("outcome", kind.String()),
		zap.Duration("duration", time.Since(start)),
	}
	switch kind {
	case KindInternal, KindRemoteQuery:
		r.logger.Error("reconcile convert step", append(fields, zap.Error(err))...)
	case KindConversionWaiting, KindConversionInProgress:
		r.logger.Debug("reconcile convert step", fields...)
	default:
		r.logger.Info("reconcile convert step", fields...)
	}
	return err
}

func (r *Reconciler) finish(ctx context.Context, fileID, ownerID string) error {
	if _, err := r.store.FindOwnedRecord(ctx, fileID, ownerID); err != nil {
		if errors.Is(err, services.ErrRecordNotFound) {
			return ErrFileNotFound
		}
		return fmt.Errorf("failed to check file ownership: %w", err)
	}

	// Concurrent callers for one file share a single reconciliation. It runs
	// detached from the caller so a disconnect cannot abandon a remote answer
	// before its step is written.
	ch := r.flights.DoChan(fileID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.flightTimeout)
		defer cancel()
		return nil, r.reconcile(flightCtx, fileID)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) reconcile(ctx context.Context, fileID string) error {
	rec, err := r.loadRecord(ctx, fileID)
	if err != nil {
		return err
	}

	switch rec.ConvertStep {
	case models.ConvertStepDone:
		return ErrAlreadyConverted
	case models.ConvertStepFailed:
		return ErrConversionFailed
	}

	if !rec.HasTask() {
		return ErrConversionNotStarted
	}

	resourceType := models.DetermineResourceType(rec.ResourceLocation)

	queryStart := time.Now()
	task, err := r.client.QueryStatus(ctx, rec.Region, rec.TaskID, resourceType)
	r.metrics.observeRemoteQuery(err, time.Since(queryStart))
	if err != nil {
		return &RemoteQueryError{FileID: fileID, TaskID: rec.TaskID, Cause: err}
	}

	switch task.Status {
	case models.TaskStatusFinished:
		return r.advance(ctx, rec, models.ConvertStepDone)
	case models.TaskStatusFail:
		r.logger.Warn("remote conversion failed",
			zap.String("file_id", fileID),
			zap.String("task_id", rec.TaskID),
			zap.String("failed_reason", task.FailedReason),
		)
		return r.advance(ctx, rec, models.ConvertStepFailed)
	case models.TaskStatusWaiting:
		return ErrConversionWaiting
	default:
		if task.Progress != nil {
			r.logger.Debug("remote conversion progress",
				zap.String("file_id", fileID),
				zap.String("status", string(task.Status)),
				zap.Float64("percentage", task.Progress.ConvertedPercentage),
			)
		}
		return ErrConversionInProgress
	}
}

// advance writes the terminal step. If another writer moved the step first,
// the stored step decides the outcome.
func (r *Reconciler) advance(ctx context.Context, rec *models.ConvertRecord, to models.ConvertStep) error {
	err := r.store.AdvanceStep(ctx, rec.FileID, rec.ConvertStep, to)
	if err == nil {
		return outcomeOf(to)
	}
	if !errors.Is(err, services.ErrStepConflict) {
		return fmt.Errorf("failed to advance convert step: %w", err)
	}

	current, err := r.loadRecord(ctx, rec.FileID)
	if err != nil {
		return err
	}

	r.logger.Warn("convert step changed during reconciliation",
		zap.String("file_id", rec.FileID),
		zap.String("observed", string(rec.ConvertStep)),
		zap.String("wanted", string(to)),
		zap.String("stored", string(current.ConvertStep)),
	)
	return outcomeOf(current.ConvertStep)
}

func (r *Reconciler) loadRecord(ctx context.Context, fileID string) (*models.ConvertRecord, error) {
	rec, err := r.store.FindConversionRecord(ctx, fileID)
	if errors.Is(err, services.ErrRecordNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversion record: %w", err)
	}
	return rec, nil
}

func outcomeOf(step models.ConvertStep) error {
	switch step {
	case models.ConvertStepDone:
		return nil
	case models.ConvertStepFailed:
		return ErrConversionFailed
	default:
		return ErrConversionInProgress
	}
}
