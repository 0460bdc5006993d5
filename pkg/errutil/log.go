// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil holds logging and test helpers for oops errors.
package errutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err at error level. See LogErrorContext.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	LogErrorContext(context.Background(), logger, msg, err, attrs...)
}

// LogErrorContext logs err at error level with any extra attrs. For oops
// errors the code and context map are logged as separate attributes, and
// the stack trace is added when the logger has debug enabled.
func LogErrorContext(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		logger.ErrorContext(ctx, msg, append([]any{"error", err}, attrs...)...)
		return
	}

	out := []any{"error", oopsErr.Error()}
	if code := Code(err); code != "" {
		out = append(out, "code", code)
	}
	if errCtx := oopsErr.Context(); len(errCtx) > 0 {
		out = append(out, "context", errCtx)
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		if trace := oopsErr.Stacktrace(); trace != "" {
			out = append(out, "stacktrace", trace)
		}
	}
	logger.ErrorContext(ctx, msg, append(out, attrs...)...)
}

// Code returns the oops code carried by err, or "" when there is none.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch code := oopsErr.Code().(type) {
	case nil:
		return ""
	case string:
		return code
	default:
		return fmt.Sprint(code)
	}
}
