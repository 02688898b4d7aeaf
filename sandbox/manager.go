// Package sandbox runs all driver-facing work on two bounded worker
// pools so that a misbehaving driver (panic, hang) never takes the
// pipeline down with it. The execute pool serves latency-sensitive query
// work; the index pool serves throughput-heavy schema introspection.
package sandbox

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nadeem4/nl2sql-sub001/adapters"
	"github.com/nadeem4/nl2sql-sub001/core"
	"github.com/nadeem4/nl2sql-sub001/plan"
	"github.com/nadeem4/nl2sql-sub001/schema"
)

// Mode selects what a task does.
type Mode string

const (
	ModeExecute      Mode = "execute"
	ModeDryRun       Mode = "dry_run"
	ModeCostEstimate Mode = "cost_estimate"
	ModeFetchSchema  Mode = "fetch_schema"
)

// Task is the envelope submitted to a pool.
type Task struct {
	Mode         Mode
	DatasourceID string
	SQL          string
	Params       []interface{}
	Limits       adapters.Limits
	// Timeout is the per-task deadline; zero means the statement timeout
	// in Limits (plus slack) or the caller's context, whichever is first.
	Timeout time.Duration
}

// Result carries the task's output; exactly one field is set per mode.
type Result struct {
	Frame         *plan.Frame
	Snapshot      *schema.Snapshot
	EstimatedRows int64
}

type job struct {
	ctx    context.Context
	task   Task
	result chan outcome
}

type outcome struct {
	result *Result
	err    error
}

// Config sizes the two pools.
type Config struct {
	ExecWorkers  int
	IndexWorkers int
	Logger       core.Logger
	Metrics      core.Metrics
}

// Manager owns the pools. Submission is synchronous from the caller's
// perspective: Submit blocks until the task completes, its deadline
// expires, or the caller's context is cancelled. The manager always
// survives worker death: a panicking worker is replaced and the caller
// receives SANDBOX_CRASH.
type Manager struct {
	registry *adapters.Registry
	logger   core.Logger
	metrics  core.Metrics

	execJobs  chan job
	indexJobs chan job

	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager starts both pools.
func NewManager(registry *adapters.Registry, cfg Config) *Manager {
	if cfg.ExecWorkers <= 0 {
		cfg.ExecWorkers = 4
	}
	if cfg.IndexWorkers <= 0 {
		cfg.IndexWorkers = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &core.NoOpMetrics{}
	}

	m := &Manager{
		registry:  registry,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		execJobs:  make(chan job),
		indexJobs: make(chan job),
		closed:    make(chan struct{}),
	}
	for i := 0; i < cfg.ExecWorkers; i++ {
		go m.worker("execute", m.execJobs)
	}
	for i := 0; i < cfg.IndexWorkers; i++ {
		go m.worker("index", m.indexJobs)
	}
	return m
}

// Submit routes the task to its pool and waits for the outcome.
func (m *Manager) Submit(ctx context.Context, task Task) (*Result, error) {
	pool := m.execJobs
	if task.Mode == ModeFetchSchema {
		pool = m.indexJobs
	}

	j := job{ctx: ctx, task: task, result: make(chan outcome, 1)}

	select {
	case pool <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, fmt.Errorf("sandbox manager closed")
	}

	select {
	case out := <-j.result:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new tasks. In-flight tasks run to completion or
// deadline.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// worker consumes jobs until the manager closes. Each job runs in an
// inner goroutine with panic recovery; on a deadline the inner goroutine
// is abandoned (its context is cancelled so drivers abort) and the worker
// moves on, which is the recycle discipline for a hung driver.
func (m *Manager) worker(pool string, jobs chan job) {
	for {
		select {
		case <-m.closed:
			return
		case j := <-jobs:
			m.runJob(pool, j)
		}
	}
}

func (m *Manager) runJob(pool string, j job) {
	timeout := j.task.Timeout
	if timeout <= 0 {
		if j.task.Limits.StatementTimeoutMS > 0 {
			// Statement timeout plus slack for connection setup and fetch.
			timeout = time.Duration(j.task.Limits.StatementTimeoutMS)*time.Millisecond + 5*time.Second
		} else {
			timeout = 60 * time.Second
		}
	}

	ctx, cancel := context.WithTimeout(j.ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Sandbox worker crashed", map[string]interface{}{
					"operation":  "sandbox_crash",
					"pool":       pool,
					"mode":       string(j.task.Mode),
					"datasource": j.task.DatasourceID,
					"panic":      fmt.Sprintf("%v", r),
					"stack":      string(debug.Stack()),
				})
				m.metrics.Counter("sandbox_crash_total", 1, map[string]string{"pool": pool})
				done <- outcome{err: fmt.Errorf("task %s on %s: %v: %w",
					j.task.Mode, j.task.DatasourceID, r, core.ErrSandboxCrash)}
			}
		}()
		res, err := m.dispatch(ctx, j.task)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: fmt.Errorf("task %s on %s after %s: %w",
			j.task.Mode, j.task.DatasourceID, time.Since(start).Round(time.Millisecond), core.ErrTimeout)}
	}

	m.metrics.Histogram("sandbox_task_duration_seconds", time.Since(start).Seconds(), map[string]string{
		"pool": pool,
		"mode": string(j.task.Mode),
	})
	j.result <- out
}

func (m *Manager) dispatch(ctx context.Context, task Task) (*Result, error) {
	adapter, err := m.registry.Get(task.DatasourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDatasourceNotFound, err)
	}

	switch task.Mode {
	case ModeExecute:
		frame, err := adapter.Execute(ctx, task.SQL, task.Params, task.Limits)
		if err != nil {
			return nil, err
		}
		return &Result{Frame: frame}, nil
	case ModeDryRun:
		if err := adapter.DryRun(ctx, task.SQL); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case ModeCostEstimate:
		rows, err := adapter.CostEstimate(ctx, task.SQL)
		if err != nil {
			return nil, err
		}
		return &Result{EstimatedRows: rows}, nil
	case ModeFetchSchema:
		snapshot, err := adapter.FetchSchema(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Snapshot: snapshot}, nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", task.Mode)
	}
}
