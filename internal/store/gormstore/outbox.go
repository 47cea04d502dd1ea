package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/esprobar/loyalty/internal/outbox"
	"gorm.io/gorm"
)

const (
	jobStatusPending    = "pending"
	jobStatusProcessing = "processing"
	jobStatusCompleted  = "completed"
	jobStatusFailed     = "failed"

	errorCodeClaim    = "claim"
	errorCodeComplete = "complete"
	errorCodeRetry    = "retry"
	errorCodeFail     = "fail"
)

// ClaimNextPending selects the oldest pending job and flips it to processing
// with a status-conditioned update. A zero-row update means another consumer
// claimed it first; the worker simply waits for the next poll.
func (store *Store) ClaimNextPending(ctx context.Context) (*outbox.Job, error) {
	var model OutboxJob
	err := store.db.WithContext(ctx).
		Where("status = ?", jobStatusPending).
		Order("created_at asc").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectOutbox, errorCodeClaim, err)
	}
	result := store.db.WithContext(ctx).
		Model(&OutboxJob{}).
		Where("job_id = ? AND status = ?", model.JobID, jobStatusPending).
		Update("status", jobStatusProcessing)
	if result.Error != nil {
		return nil, wrapStoreError(errorSubjectOutbox, errorCodeClaim, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &outbox.Job{
		JobID:           model.JobID,
		OdooCardID:      model.OdooCardID,
		NewBalanceCents: model.NewBalance,
		Description:     model.Description,
		Retries:         model.Retries,
		MaxRetries:      model.MaxRetries,
	}, nil
}

// MarkCompleted finishes a processing job.
func (store *Store) MarkCompleted(ctx context.Context, jobID string) error {
	completedAt := time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&OutboxJob{}).
		Where("job_id = ? AND status = ?", jobID, jobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       jobStatusCompleted,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeComplete, result.Error)
	}
	return nil
}

// MarkRetry returns a processing job to pending with its retry count bumped.
func (store *Store) MarkRetry(ctx context.Context, jobID string, cause string) error {
	result := store.db.WithContext(ctx).
		Model(&OutboxJob{}).
		Where("job_id = ? AND status = ?", jobID, jobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     jobStatusPending,
			"retries":    gorm.Expr("retries + 1"),
			"last_error": cause,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeRetry, result.Error)
	}
	return nil
}

// MarkFailed dead-letters a job that exhausted its retry budget; it is never
// picked up again without operator intervention.
func (store *Store) MarkFailed(ctx context.Context, jobID string, cause string) error {
	result := store.db.WithContext(ctx).
		Model(&OutboxJob{}).
		Where("job_id = ? AND status = ?", jobID, jobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     jobStatusFailed,
			"last_error": cause,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeFail, result.Error)
	}
	return nil
}
