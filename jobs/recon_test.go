package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/salesrecon/internal/emission"
	jobmetrics "github.com/odyssey-erp/salesrecon/internal/jobs"
	"github.com/odyssey-erp/salesrecon/internal/matching"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

type stubRelater struct {
	scope orderlines.Scope
	opts  matching.AutoRelateOptions
	err   error
}

func (s *stubRelater) AutoRelate(_ context.Context, scope orderlines.Scope, opts matching.AutoRelateOptions) (matching.AutoRelateResult, error) {
	s.scope, s.opts = scope, opts
	if s.err != nil {
		return matching.AutoRelateResult{}, s.err
	}
	return matching.AutoRelateResult{Scope: scope, Matched: 3, Pending: 1}, nil
}

type stubEmitter struct {
	calls    int
	scope    orderlines.Scope
	failures []shared.Failure
	err      error
}

func (s *stubEmitter) Emit(_ context.Context, scope orderlines.Scope) (emission.Result, error) {
	s.calls++
	s.scope = scope
	if s.err != nil {
		return emission.Result{}, s.err
	}
	return emission.Result{Scope: scope, Inserted: 2, Failures: s.failures}, nil
}

func TestAutoRelateJobDecodesScope(t *testing.T) {
	svc := &stubRelater{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewAutoRelateJob(svc, nil, metrics)

	task, err := NewAutoRelateTask(orderlines.Scope{Kind: orderlines.ScopeShipment, ID: 12, ClientID: 4}, true)
	require.NoError(t, err)
	require.Equal(t, TaskReconAutoRelate, task.Type())

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, orderlines.Scope{Kind: orderlines.ScopeShipment, ID: 12, ClientID: 4}, svc.scope)
	assert.True(t, svc.opts.Learn)
}

func TestAutoRelateJobSkipsRetryOnBadPayload(t *testing.T) {
	job := NewAutoRelateJob(&stubRelater{}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), asynq.NewTask(TaskReconAutoRelate, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewAutoRelateTask(orderlines.Scope{Kind: "warehouse", ID: 1}, false)
	require.NoError(t, err)
	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestEmitJobRetriesStoreFailures(t *testing.T) {
	svc := &stubEmitter{err: shared.Persistence("emission.emit", errors.New("connection reset"))}
	job := NewEmitJob(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewEmitTask(orderlines.Scope{Kind: orderlines.ScopeClient, ClientID: 7})
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, 1, svc.calls)
}

func TestEmitJobSkipsRetryOnValidation(t *testing.T) {
	svc := &stubEmitter{err: shared.Validation("emission.emit", "invalid_scope", errors.New("missing scope"))}
	job := NewEmitJob(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewEmitTask(orderlines.Scope{Kind: orderlines.ScopeImport, ID: 2})
	require.NoError(t, err)

	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestEmitJobDecodesScope(t *testing.T) {
	svc := &stubEmitter{failures: []shared.Failure{{Ref: "order:7:P1", Code: "sku_not_found"}}}
	job := NewEmitJob(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewEmitTask(orderlines.Scope{Kind: orderlines.ScopeClient, ClientID: 7})
	require.NoError(t, err)
	require.Equal(t, TaskReconEmit, task.Type())

	require.NoError(t, job.Handle(context.Background(), task), "per-order failures do not fail the task")
	assert.Equal(t, orderlines.Scope{Kind: orderlines.ScopeClient, ClientID: 7}, svc.scope)
}

func TestEmitJobSkipsRetryOnBadPayload(t *testing.T) {
	svc := &stubEmitter{}
	job := NewEmitJob(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	assert.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskReconEmit, []byte("not-json"))), asynq.SkipRetry)

	task, err := NewEmitTask(orderlines.Scope{Kind: orderlines.ScopeClient})
	require.NoError(t, err)
	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
	assert.Zero(t, svc.calls)
}

func TestEmitJobRetryClassification(t *testing.T) {
	cases := map[string]struct {
		err       error
		skipRetry bool
	}{
		"persistence": {err: shared.Persistence("emission.emit", errors.New("deadlock detected")), skipRetry: false},
		"not found":   {err: shared.NotFound("emission.emit", "sku_not_found", errors.New("gone")), skipRetry: true},
		"conflict":    {err: shared.Conflict("emission.emit", "mixed_order", errors.New("mixed")), skipRetry: true},
		"untyped":     {err: errors.New("boom"), skipRetry: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			job := NewEmitJob(&stubEmitter{err: tc.err}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
			task, err := NewEmitTask(orderlines.Scope{Kind: orderlines.ScopeImport, ID: 3})
			require.NoError(t, err)

			err = job.Handle(context.Background(), task)
			require.Error(t, err)
			assert.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestEmitJobTracksRuns(t *testing.T) {
	registry := prometheus.NewRegistry()
	job := NewEmitJob(&stubEmitter{}, nil, jobmetrics.NewMetrics(registry))
	task, err := NewEmitTask(orderlines.Scope{Kind: orderlines.ScopeShipment, ID: 9})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))

	count, err := testutil.GatherAndCount(registry, "salesrecon_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilJobReportsMisconfiguration(t *testing.T) {
	var job *EmitJob
	task, err := NewEmitTask(orderlines.Scope{Kind: orderlines.ScopeShipment, ID: 1})
	require.NoError(t, err)
	assert.Error(t, job.Handle(context.Background(), task))
}
