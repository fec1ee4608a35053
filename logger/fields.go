package logger

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// OperationNameKey is the logging context key used for identifying the
	// name of an operation.
	OperationNameKey = "op_name"

	// OperationEventKey is the logging context key used for identifying the
	// phase of an operation, start or end.
	OperationEventKey = "op_event"

	// OperationElapsedKey is the logging context key used for identifying
	// how long an operation took.
	OperationElapsedKey = "op_elapsed"
)

// OperationName returns a field for tracking the name of an operation.
func OperationName(name string) zapcore.Field {
	return zap.String(OperationNameKey, name)
}

// OperationElapsed returns a field for tracking the duration of an operation.
func OperationElapsed(d time.Duration) zapcore.Field {
	return zap.Duration(OperationElapsedKey, d)
}

// OperationEventStart returns a field for tracking the start of an operation.
func OperationEventStart() zapcore.Field {
	return zap.String(OperationEventKey, "start")
}

// OperationEventEnd returns a field for tracking the end of an operation.
func OperationEventEnd() zapcore.Field {
	return zap.String(OperationEventKey, "end")
}
