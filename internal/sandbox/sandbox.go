// Package sandbox implements the Execution Sandbox Adapter: runs a task's
// WASM payload under CPU/memory/wall-clock limits with no network access
// and a non-persistent working directory, using github.com/tetratelabs/
// wazero (pure Go, no cgo). Grounded on libs/execution/wasm_runner.go,
// generalized from that file's raw Execute/ExecuteWithArgs calls to the
// spec's execute(task) -> (ok, output, duration) contract.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// Defaults per spec.md §4.G.
const (
	DefaultCPUCores  = 1
	DefaultMemory    = 512 * 1024 * 1024
	DefaultMaxStack  = 8 * 1024 * 1024
)

var (
	ErrTimeout         = errors.New("sandbox: execution timeout")
	ErrMemoryLimit     = errors.New("sandbox: memory limit exceeded")
	ErrInvalidModule   = errors.New("sandbox: invalid wasm module")
	ErrExecutionFailed = errors.New("sandbox: execution failed")
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_executions_total",
		Help: "Total sandbox executions by outcome",
	}, []string{"outcome"})
	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandbox_execution_duration_seconds",
		Help:    "Sandbox execution duration",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"outcome"})
	activeExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandbox_active_executions",
		Help: "Number of currently running sandbox executions",
	})
)

// Limits bounds a single execution. A zero MaxMemory or MaxExecutionTime
// falls back to the adapter's defaults. The worker loop in internal/core
// sets MaxExecutionTime from the task's max_execution_time and leaves
// MaxMemory at its default.
type Limits struct {
	CPUCores         int
	MaxMemory        uint64
	MaxExecutionTime time.Duration
}

// DefaultLimits returns the spec's 1-core/512MiB defaults.
func DefaultLimits() Limits {
	return Limits{CPUCores: DefaultCPUCores, MaxMemory: DefaultMemory, MaxExecutionTime: 30 * time.Second}
}

// Task is the payload the Scheduler hands to the sandbox: the compiled WASM
// module bytes, the exported entry function, and any CLI-style args.
type Task struct {
	TaskID   string
	WASM     []byte
	Function string
	Args     []string
	Limits   Limits
}

// Outcome is returned by Execute. The adapter never mutates task state
// itself; the Scheduler persists Outcome into the task record.
type Outcome struct {
	OK           bool
	ExitCode     int32
	Output       []byte
	ErrorMessage string
	Duration     time.Duration
	MemoryUsed   uint64
	TimedOut     bool
}

// Adapter runs WASM modules with resource limits, one wazero runtime shared
// across executions (compilation caching, like libs/execution.WASMRunner).
type Adapter struct {
	runtime wazero.Runtime
	logger  *zap.Logger
}

// New constructs an Adapter. ctx is used only to instantiate the shared
// WASI module; it is not retained.
func New(ctx context.Context, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(wazero.NewCompilationCache())

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("sandbox: instantiate wasi: %w", err)
	}

	logger.Info("sandbox adapter initialized")
	return &Adapter{runtime: runtime, logger: logger}, nil
}

// Close releases the wazero runtime.
func (a *Adapter) Close(ctx context.Context) error {
	return a.runtime.Close(ctx)
}

// Execute runs task.WASM's exported Function under task.Limits. Output
// aggregates stdout+stderr, matching the "stdout/stderr captured as the
// output bag" contract; the sandbox exposes no network and no filesystem
// beyond what wazero's default module config provides (none, unless a
// caller opts a module into WithFSConfig explicitly — this adapter never
// does).
func (a *Adapter) Execute(ctx context.Context, task Task) (Outcome, error) {
	start := time.Now()
	activeExecutions.Inc()
	defer activeExecutions.Dec()

	limits := task.Limits
	if limits.MaxExecutionTime <= 0 {
		limits.MaxExecutionTime = DefaultLimits().MaxExecutionTime
	}
	if limits.MaxMemory <= 0 {
		limits.MaxMemory = DefaultMemory
	}

	execCtx, cancel := context.WithTimeout(ctx, limits.MaxExecutionTime)
	defer cancel()

	compiled, err := a.runtime.CompileModule(execCtx, task.WASM)
	if err != nil {
		return a.finish(start, Outcome{OK: false, ErrorMessage: fmt.Sprintf("%v: %v", ErrInvalidModule, err)}, "invalid_module")
	}
	defer compiled.Close(execCtx)

	var out bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithName(task.TaskID).
		WithArgs(append([]string{task.Function}, task.Args...)...).
		WithStdout(&out).
		WithStderr(&out)

	module, err := a.runtime.InstantiateModule(execCtx, compiled, moduleConfig)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return a.finish(start, Outcome{OK: false, TimedOut: true, Output: out.Bytes(), ErrorMessage: ErrTimeout.Error()}, "timeout")
		}
		return a.finish(start, Outcome{OK: false, Output: out.Bytes(), ErrorMessage: fmt.Sprintf("%v: %v", ErrExecutionFailed, err)}, "instantiation_failed")
	}
	defer module.Close(execCtx)

	memUsed := readMemoryUsage(module)
	if memUsed > limits.MaxMemory {
		return a.finish(start, Outcome{OK: false, Output: out.Bytes(), MemoryUsed: memUsed, ErrorMessage: ErrMemoryLimit.Error()}, "memory_limit")
	}

	fn := module.ExportedFunction(task.Function)
	if fn == nil {
		return a.finish(start, Outcome{OK: false, ErrorMessage: fmt.Sprintf("%v: function %s not found", ErrInvalidModule, task.Function)}, "function_not_found")
	}

	_, callErr := fn.Call(execCtx)
	memUsed = readMemoryUsage(module)

	if callErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return a.finish(start, Outcome{OK: false, TimedOut: true, Output: out.Bytes(), MemoryUsed: memUsed, ErrorMessage: ErrTimeout.Error()}, "timeout")
		}
		return a.finish(start, Outcome{OK: false, Output: out.Bytes(), MemoryUsed: memUsed, ErrorMessage: fmt.Sprintf("%v: %v", ErrExecutionFailed, callErr)}, "failed")
	}

	return a.finish(start, Outcome{OK: true, ExitCode: 0, Output: out.Bytes(), MemoryUsed: memUsed}, "success")
}

func (a *Adapter) finish(start time.Time, o Outcome, label string) (Outcome, error) {
	o.Duration = time.Since(start)
	executionsTotal.WithLabelValues(label).Inc()
	executionDuration.WithLabelValues(label).Observe(o.Duration.Seconds())
	if !o.OK {
		a.logger.Warn("sandbox execution did not succeed", zap.String("outcome", label), zap.String("error", o.ErrorMessage))
		if o.TimedOut {
			return o, ErrTimeout
		}
		return o, errors.New(o.ErrorMessage)
	}
	return o, nil
}

func readMemoryUsage(module api.Module) (used uint64) {
	defer func() { recover() }()
	mem := module.Memory()
	if mem == nil {
		return 0
	}
	return uint64(mem.Size())
}
