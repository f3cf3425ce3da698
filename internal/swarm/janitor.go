package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/gastown/internal/bus"
	"github.com/rendis/gastown/internal/logging"
	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/pkg/schema"
)

const (
	defaultClaimInterval = 5 * time.Second
	defaultMaxRetries    = 3
	defaultLeaseTTL      = 5 * time.Minute
	defaultRetryDelay    = 30 * time.Second

	// Lease reclaim sweep schedule (standard 5-field cron).
	defaultReclaimSchedule = "* * * * *"
)

// DLQHandler processes one claimed dead-letter item. A nil error marks
// the item SUCCEEDED; an error re-queues it for retry until the retry
// ceiling marks it permanently FAILED.
type DLQHandler func(ctx context.Context, item *schema.DLQItem) error

// JanitorConfig configures the dead-letter consumer.
type JanitorConfig struct {
	WorkerID      string
	ClaimInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration

	// LeaseTTL bounds how long a PROCESSING claim may go without
	// completing before the sweep returns it to PENDING.
	LeaseTTL        time.Duration
	ReclaimSchedule string
}

// Janitor claims poisoned items from the dead-letter queue, runs the
// handler, and enforces the retry ceiling. A cron-scheduled sweep
// reclaims expired PROCESSING leases so a crashed janitor can never
// strand an item.
type Janitor struct {
	cfg     JanitorConfig
	bus     *bus.Client
	handler DLQHandler
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewJanitor creates a janitor. A nil handler marks every claimed item
// SUCCEEDED, which is only useful in tests.
func NewJanitor(cfg JanitorConfig, busClient *bus.Client, handler DLQHandler, logger *slog.Logger) *Janitor {
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("janitor-%d", time.Now().UnixNano()%100000)
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = defaultClaimInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.ReclaimSchedule == "" {
		cfg.ReclaimSchedule = defaultReclaimSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{cfg: cfg, bus: busClient, handler: handler, logger: logger}
}

// Run claims and processes items until the context is canceled. The
// lease-reclaim sweep runs on its own cron schedule for the lifetime
// of the loop.
func (j *Janitor) Run(ctx context.Context) error {
	ctx = logging.WithIDs(ctx, "", "", j.cfg.WorkerID)
	logger := logging.LogWith(ctx, j.logger)
	logger.Info("janitor starting",
		slog.String("worker_id", j.cfg.WorkerID),
		slog.Duration("lease_ttl", j.cfg.LeaseTTL))

	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.cfg.ReclaimSchedule, func() { j.reclaim(ctx) })
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid reclaim schedule %q: %s", j.cfg.ReclaimSchedule, err).WithCause(err)
	}
	j.cron.Start()
	defer j.cron.Stop()

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("janitor stopping")
			return nil
		}

		items, err := j.bus.ClaimDLQ(ctx, j.cfg.WorkerID, 1)
		if err != nil {
			logger.Error("claim failed", slog.String("error", err.Error()))
			if !sleep(ctx, j.cfg.ClaimInterval) {
				return nil
			}
			continue
		}
		if len(items) == 0 {
			if !sleep(ctx, j.cfg.ClaimInterval) {
				return nil
			}
			continue
		}

		for _, item := range items {
			// Permanent failures are recorded and logged inside.
			_ = j.Process(ctx, item)
		}
	}
}

// Process runs the handler for one claimed item and writes the
// resulting status transition. Handler failures re-queue the item and
// return nil; the only returned error is the permanent one, when the
// item has burned through its retry ceiling.
func (j *Janitor) Process(ctx context.Context, item *schema.DLQItem) error {
	logger := logging.LogWith(ctx, j.logger)
	logger.Info("processing dlq item",
		slog.Int64("id", item.ID), slog.String("event_type", item.EventType),
		slog.Int("retry_count", item.RetryCount))

	if item.RetryCount > j.cfg.MaxRetries {
		logger.Warn("retry ceiling exceeded, marking failed", slog.Int64("id", item.ID))
		j.update(ctx, item.ID, schema.DLQFailed, "Max retries exceeded", nil, nil)
		return schema.NewError(schema.ErrCodeRetryExhausted, "Max retries exceeded").
			WithDetails(map[string]any{"dlq_id": item.ID, "retry_count": item.RetryCount})
	}

	var handleErr error
	if j.handler != nil {
		handleErr = j.handler(ctx, item)
	}

	if handleErr == nil {
		j.update(ctx, item.ID, schema.DLQSucceeded, "processed", nil, nil)
		return nil
	}

	logger.Warn("handler failed, re-queueing",
		slog.Int64("id", item.ID), slog.String("error", handleErr.Error()))
	retries := item.RetryCount + 1
	retryAfter := time.Now().UTC().Add(j.cfg.RetryDelay)
	j.update(ctx, item.ID, schema.DLQPending, handleErr.Error(), &retries, &retryAfter)
	return nil
}

func (j *Janitor) update(ctx context.Context, id int64, status schema.DLQStatus, result string, retryCount *int, retryAfter *time.Time) {
	update := storeDLQUpdate(status, result, retryCount, retryAfter)
	if err := j.bus.UpdateDLQ(ctx, id, update); err != nil {
		logging.LogWith(ctx, j.logger).Error("failed to update dlq item",
			slog.Int64("id", id), slog.String("error", err.Error()))
	}
}

func storeDLQUpdate(status schema.DLQStatus, result string, retryCount *int, retryAfter *time.Time) store.DLQUpdate {
	return store.DLQUpdate{
		Status:     &status,
		Result:     &result,
		RetryCount: retryCount,
		RetryAfter: retryAfter,
	}
}

// reclaim returns expired PROCESSING leases to PENDING.
func (j *Janitor) reclaim(ctx context.Context) {
	reclaimed, err := j.bus.ReclaimDLQ(ctx, j.cfg.LeaseTTL)
	if err != nil {
		logging.LogWith(ctx, j.logger).Error("lease reclaim failed", slog.String("error", err.Error()))
		return
	}
	if reclaimed > 0 {
		logging.LogWith(ctx, j.logger).Info("reclaimed expired leases", slog.Int64("count", reclaimed))
	}
}
