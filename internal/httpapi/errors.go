// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/pkg/errutil"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine code and a generic message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type failure struct {
	status  int
	code    string
	message string
}

var (
	failInvalidCredentials = failure{http.StatusUnauthorized, "invalid_credentials", "invalid username or password"}
	failInvalidToken       = failure{http.StatusUnauthorized, "invalid_token", "invalid or expired token"}
	failInternal           = failure{http.StatusInternalServerError, "internal", "internal error"}
)

// classify maps an error to its HTTP failure. Messages never distinguish
// unknown accounts from wrong passwords, nor reused tokens from expired ones.
func classify(err error) failure {
	switch auth.KindOf(err) {
	case auth.KindValidation:
		if errors.Is(err, auth.ErrWeakPassword) {
			return failure{http.StatusBadRequest, "weak_password", "password does not meet requirements"}
		}
		return failure{http.StatusBadRequest, "invalid_request", "invalid request"}

	case auth.KindAuthentication:
		switch {
		case errors.Is(err, auth.ErrAccountLocked):
			return failure{http.StatusLocked, "account_locked", "account is temporarily locked"}
		case errors.Is(err, auth.ErrEmailUnconfirmed):
			return failure{http.StatusForbidden, "email_unconfirmed", "email address not confirmed"}
		case errors.Is(err, auth.ErrWrongPassword):
			return failure{http.StatusUnauthorized, "wrong_password", "current password is incorrect"}
		case errors.Is(err, auth.ErrInvalidCredentials):
			return failInvalidCredentials
		default:
			return failInvalidToken
		}

	case auth.KindRateLimited:
		return failure{http.StatusTooManyRequests, "rate_limited", "too many requests"}

	case auth.KindSecurity:
		if errors.Is(err, auth.ErrTokenReused) {
			return failInvalidToken
		}
		return failure{http.StatusBadRequest, "bad_request", "bad request"}

	case auth.KindUnavailable:
		return failure{http.StatusServiceUnavailable, "unavailable", "service unavailable"}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return failure{
			status:  he.Code,
			code:    strings.ToLower(strings.ReplaceAll(http.StatusText(he.Code), " ", "_")),
			message: strings.ToLower(http.StatusText(he.Code)),
		}
	}
	return failInternal
}

// errorHandler writes ErrorBody responses and logs by severity.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		f := classify(err)

		switch {
		case f.status >= http.StatusInternalServerError:
			errutil.LogErrorContext(c.Request().Context(), logger, "request failed", err, "path", c.Path())
		case auth.KindOf(err) == auth.KindSecurity:
			logger.WarnContext(c.Request().Context(), "security rejection",
				"code", f.code,
				"error_code", errutil.Code(err),
				"path", c.Path(),
				"remote_ip", c.RealIP(),
			)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(f.status)
		} else {
			writeErr = c.JSON(f.status, ErrorBody{Error: ErrorDetail{Code: f.code, Message: f.message}})
		}
		if writeErr != nil {
			logger.Debug("error response write failed", "error", writeErr)
		}
	}
}
