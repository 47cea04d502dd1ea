// Package outbox drains durable balance-sync jobs against the external ERP
// ledger. The customer-facing redemption is complete before a job exists;
// everything here is an eventually-consistent side effect.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultCallTimeout  = 15 * time.Second
)

// Job is one claimed outbox row.
type Job struct {
	JobID           string
	OdooCardID      int64
	NewBalanceCents int64
	Description     string
	Retries         int
	MaxRetries      int
}

// Store is the persistence contract the worker drains. ClaimNextPending must
// flip exactly one pending job to processing via a conditional update; that
// compare-and-swap is the only mutual exclusion between consumers, so running
// more than one worker is not a designed feature.
type Store interface {
	ClaimNextPending(ctx context.Context) (*Job, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkRetry(ctx context.Context, jobID string, cause string) error
	MarkFailed(ctx context.Context, jobID string, cause string) error
}

// LedgerClient applies a balance to the external ledger. The call sets the
// balance rather than incrementing it, so re-applying the same value is safe.
type LedgerClient interface {
	SetBalance(ctx context.Context, cardID int64, newBalanceCents int64, description string) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval overrides the fixed polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(worker *Worker) {
		if interval > 0 {
			worker.pollInterval = interval
		}
	}
}

// WithCallTimeout overrides the per-call deadline on the external ledger.
func WithCallTimeout(timeout time.Duration) Option {
	return func(worker *Worker) {
		if timeout > 0 {
			worker.callTimeout = timeout
		}
	}
}

// Worker is the periodic outbox consumer.
type Worker struct {
	store        Store
	client       LedgerClient
	logger       *zap.Logger
	pollInterval time.Duration
	callTimeout  time.Duration
}

// New wires a Worker.
func New(store Store, client LedgerClient, logger *zap.Logger, options ...Option) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox worker: store dependency is nil")
	}
	if client == nil {
		return nil, fmt.Errorf("outbox worker: ledger client dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	worker := &Worker{
		store:        store,
		client:       client,
		logger:       logger,
		pollInterval: defaultPollInterval,
		callTimeout:  defaultCallTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(worker)
		}
	}
	return worker, nil
}

// Run polls until ctx is cancelled. Cancellation stops new polls; an
// in-flight job finishes under its own call timeout.
func (worker *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(worker.pollInterval)
	defer ticker.Stop()
	worker.logger.Info("outbox worker started", zap.Duration("poll_interval", worker.pollInterval))
	for {
		select {
		case <-ctx.Done():
			worker.logger.Info("outbox worker stopped")
			return nil
		case <-ticker.C:
			worker.DrainOne(ctx)
		}
	}
}

// DrainOne claims and processes at most one pending job.
func (worker *Worker) DrainOne(ctx context.Context) {
	job, err := worker.store.ClaimNextPending(ctx)
	if err != nil {
		worker.logger.Error("outbox claim failed", zap.Error(err))
		return
	}
	if job == nil {
		return
	}

	// Detached from ctx so a shutdown mid-job lets the call and its status
	// mark finish under the call timeout instead of stranding a processing row.
	detachedCtx := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(detachedCtx, worker.callTimeout)
	defer cancel()
	callErr := worker.client.SetBalance(callCtx, job.OdooCardID, job.NewBalanceCents, job.Description)
	if callErr == nil {
		if err := worker.store.MarkCompleted(detachedCtx, job.JobID); err != nil {
			worker.logger.Error("outbox completion mark failed", zap.String("job_id", job.JobID), zap.Error(err))
			return
		}
		worker.logger.Info("balance sync completed",
			zap.String("job_id", job.JobID),
			zap.Int64("odoo_card_id", job.OdooCardID),
			zap.Int64("new_balance_cents", job.NewBalanceCents))
		return
	}

	if job.Retries < job.MaxRetries {
		if err := worker.store.MarkRetry(detachedCtx, job.JobID, callErr.Error()); err != nil {
			worker.logger.Error("outbox retry mark failed", zap.String("job_id", job.JobID), zap.Error(err))
			return
		}
		worker.logger.Warn("balance sync failed, will retry",
			zap.String("job_id", job.JobID),
			zap.Int("retries", job.Retries+1),
			zap.Int("max_retries", job.MaxRetries),
			zap.Error(callErr))
		return
	}

	if err := worker.store.MarkFailed(detachedCtx, job.JobID, callErr.Error()); err != nil {
		worker.logger.Error("outbox dead-letter mark failed", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	worker.logger.Error("balance sync dead-lettered",
		zap.String("job_id", job.JobID),
		zap.Int64("odoo_card_id", job.OdooCardID),
		zap.Int("retries", job.Retries),
		zap.Error(callErr))
}
