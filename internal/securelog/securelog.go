// Package securelog records failures without user content: message bodies,
// tokens and file names never reach the log, only where the error happened and
// which error types it wrapped.
package securelog

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// Error logs an error without including user-provided data.
// It records the caller location and error type chain.
func Error(logger *zap.Logger, context string, err error) {
	if err == nil || logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("at", callerLocation(2)),
		zap.String("types", strings.Join(errorTypes(err), "->")),
	}
	if context != "" {
		fields = append(fields, zap.String("context", context))
	}
	logger.Error("error", fields...)
}

// Sentinel returns the innermost wrapped error that is a plain sentinel, for
// logging a reason without the formatted message that may quote user input.
func Sentinel(err error) string {
	last := ""
	for err != nil {
		if _, ok := err.(interface{ Unwrap() error }); !ok {
			last = err.Error()
		}
		err = errors.Unwrap(err)
	}
	return last
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
