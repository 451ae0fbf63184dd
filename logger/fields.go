package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across drover.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldTaskID   = "task_id"
	FieldTraceID  = "trace_id"
	FieldWorkerID = "worker_id"
	FieldParentID = "parent_task_id"

	// Components
	FieldComponent = "component"
	FieldModel     = "model"
	FieldShard     = "shard"

	// Operations
	FieldOperation = "operation"
	FieldEventType = "event_type"
	FieldCheckID   = "check_id"
	FieldPhase     = "phase"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldTimeout    = "timeout_s"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts and sizes
	FieldCount      = "count"
	FieldRetryCount = "retry_count"
	FieldTokensIn   = "input_tokens"
	FieldTokensOut  = "output_tokens"

	// Status
	FieldStatus   = "status"
	FieldState    = "state"
	FieldPriority = "priority"
	FieldVerdict  = "verdict"
	FieldDecision = "decision"

	// Budget
	FieldSpendRate = "spend_rate"
	FieldCostUSD   = "cost_usd"

	// Files and processes
	FieldFile   = "file"
	FieldBinary = "binary"
	FieldPID    = "pid"
)

// Context keys for propagating logging context
type contextKey string

const (
	taskIDKey   contextKey = "logger_task_id"
	traceIDKey  contextKey = "logger_trace_id"
	workerIDKey contextKey = "logger_worker_id"
)

// WithTaskID adds a task ID to the context for logging
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithTraceID adds a trace ID to the context for logging
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithWorkerID adds a worker ID to the context for logging
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if taskID, ok := ctx.Value(taskIDKey).(string); ok && taskID != "" {
		fields = append(fields, FieldTaskID, taskID)
	}
	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		fields = append(fields, FieldTraceID, traceID)
	}
	if workerID, ok := ctx.Value(workerIDKey).(string); ok && workerID != "" {
		fields = append(fields, FieldWorkerID, workerID)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
// Use this to get a logger that automatically includes task_id, trace_id, etc.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Pool struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewPool() *Pool {
//	    return &Pool{
//	        logger: logger.ComponentLogger("worker.pool"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	taskLogger := logger.ChildLogger(baseLogger, "task_id", task.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
