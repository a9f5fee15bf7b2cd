package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/salesrecon/internal/emission"
	jobmetrics "github.com/odyssey-erp/salesrecon/internal/jobs"
	"github.com/odyssey-erp/salesrecon/internal/matching"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AutoRelater runs matching passes.
type AutoRelater interface {
	AutoRelate(ctx context.Context, scope orderlines.Scope, opts matching.AutoRelateOptions) (matching.AutoRelateResult, error)
}

// Emitter runs emission passes.
type Emitter interface {
	Emit(ctx context.Context, scope orderlines.Scope) (emission.Result, error)
}

// AutoRelateJob handles TaskReconAutoRelate.
type AutoRelateJob struct {
	Service AutoRelater
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAutoRelateJob initialises the auto-relate handler.
func NewAutoRelateJob(service AutoRelater, logger *slog.Logger, metrics *jobmetrics.Metrics) *AutoRelateJob {
	return &AutoRelateJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one auto-relate pass. Per-line failures are logged, not retried.
func (j *AutoRelateJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("autorelate: handler not configured")
	}
	var payload AutoRelatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	scope := payload.Scope.Scope()
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("autorelate: %v: %w", err, asynq.SkipRetry)
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskReconAutoRelate)
	defer func() {
		err = tracker.End(err)
	}()

	logger := jobLogger(j.Logger, TaskReconAutoRelate).With(slog.String("scope", scope.String()))
	start := time.Now()
	result, err := j.Service.AutoRelate(ctx, scope, matching.AutoRelateOptions{Learn: payload.Learn})
	if err != nil {
		logger.Error("auto-relate failed", slog.Any("error", err))
		return retryable(err)
	}
	for _, f := range result.Failures {
		logger.Warn("line not related", slog.String("ref", f.Ref), slog.String("code", f.Code))
	}
	logger.Info("completed auto-relate",
		slog.Int("matched", result.Matched),
		slog.Int("pending", result.Pending),
		slog.Int("learned", result.Learned),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// EmitJob handles TaskReconEmit.
type EmitJob struct {
	Service Emitter
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewEmitJob initialises the emission handler.
func NewEmitJob(service Emitter, logger *slog.Logger, metrics *jobmetrics.Metrics) *EmitJob {
	return &EmitJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one emission pass. Emission is idempotent so store failures retry.
func (j *EmitJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("emit: handler not configured")
	}
	var payload EmitPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	scope := payload.Scope.Scope()
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("emit: %v: %w", err, asynq.SkipRetry)
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskReconEmit)
	defer func() {
		err = tracker.End(err)
	}()

	logger := jobLogger(j.Logger, TaskReconEmit).With(slog.String("scope", scope.String()))
	start := time.Now()
	result, err := j.Service.Emit(ctx, scope)
	if err != nil {
		logger.Error("emission failed", slog.Any("error", err))
		return retryable(err)
	}
	for _, f := range result.Failures {
		logger.Warn("order not emitted", slog.String("ref", f.Ref), slog.String("code", f.Code))
	}
	logger.Info("completed emission",
		slog.Int("inserted", result.Inserted),
		slog.Int("already_existed", result.AlreadyExisted),
		slog.Int("adjusted", result.Adjusted),
		slog.Int("cancelled_reversed", result.CancelledReversed),
		slog.Int("deferred", result.Deferred),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// retryable stops retries for caller errors; store failures go back to the queue.
func retryable(err error) error {
	if shared.KindOf(err) == shared.KindPersistence {
		return err
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}
