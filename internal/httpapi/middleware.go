// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/ratelimit"
	"github.com/holomush/identity/internal/token"
	"github.com/holomush/identity/pkg/errutil"
)

const claimsKey = "identity.claims"

// requestLogger logs one line per request and records request metrics.
// Errors are rendered first so the logged status is the one sent.
func requestLogger(logger *slog.Logger, rec Recorder) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		HandleError:  true,
		LogStatus:    true,
		LogMethod:    true,
		LogRoutePath: true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			route := v.RoutePath
			if route == "" {
				route = "unmatched"
			}
			rec.HTTPRequest(route, v.Status, v.Latency)
			logger.LogAttrs(c.Request().Context(), levelFor(v.Status), "request",
				slog.String("method", v.Method),
				slog.String("route", route),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			)
			return nil
		},
	})
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// rateLimit admits requests per client IP. Limiter failures admit the
// request; account lockout still bounds password guessing.
func rateLimit(limiter ratelimit.Limiter, rec Recorder, logger *slog.Logger, now func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			d, err := limiter.Admit(c.Request().Context(), key)
			if err != nil {
				errutil.LogError(logger, "rate limiter failed, admitting request", err)
				return next(c)
			}
			if d.Exempt {
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				rec.RateLimited()
				if wait := d.RetryAfter(now()); wait > 0 {
					h.Set(echo.HeaderRetryAfter, strconv.Itoa(int(wait/time.Second)))
				}
				return oops.Code("RATE_LIMITED").With("client", key).Wrap(auth.ErrRateLimited)
			}
			return next(c)
		}
	}
}

// requireBearer validates the access token and stores its claims.
func requireBearer(sessions *auth.SessionService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			scheme, raw, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
				return oops.Code("AUTH_BEARER_MISSING").Wrap(auth.ErrInvalidToken)
			}
			claims, err := sessions.ValidateAccessToken(strings.TrimSpace(raw))
			if err != nil {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
				return err
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

func claimsFrom(c echo.Context) (*token.Claims, bool) {
	claims, ok := c.Get(claimsKey).(*token.Claims)
	return claims, ok
}
