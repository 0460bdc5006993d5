// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package sanitize

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

// DefaultMaxBodyBytes caps the body read for screening.
const DefaultMaxBodyBytes int64 = 1 << 20

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Scanner      *Scanner
	MaxBodyBytes int64
	Logger       *slog.Logger

	// OnReject is called with the matching rule name for every rejected
	// request. It may be nil.
	OnReject func(rule string)
}

// Middleware screens POST, PUT and PATCH bodies. A match rejects the request
// with auth.ErrRejectedInput; the rule name is only logged. The body is
// restored for the next handler.
func Middleware(cfg MiddlewareConfig) echo.MiddlewareFunc {
	if cfg.Scanner == nil {
		cfg.Scanner = Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !screened(req.Method) || req.Body == nil || req.ContentLength == 0 {
				return next(c)
			}

			body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, cfg.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					return oops.Code("REQUEST_TOO_LARGE").
						With("limit", cfg.MaxBodyBytes).
						Wrap(echo.ErrStatusRequestEntityTooLarge)
				}
				return oops.Code("REQUEST_READ_FAILED").Wrap(errors.Join(auth.ErrInvalidInput, err))
			}
			if len(body) == 0 {
				req.Body = http.NoBody
				return next(c)
			}

			if result := cfg.Scanner.Scan(body); !result.Clean {
				cfg.Logger.WarnContext(req.Context(), "request body rejected",
					"rule", result.Rule,
					"method", req.Method,
					"path", c.Path(),
					"remote_ip", c.RealIP(),
				)
				if cfg.OnReject != nil {
					cfg.OnReject(result.Rule)
				}
				return oops.Code("REQUEST_REJECTED").With("rule", result.Rule).Wrap(auth.ErrRejectedInput)
			}

			req.Body = io.NopCloser(bytes.NewReader(body))
			return next(c)
		}
	}
}

func screened(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}
