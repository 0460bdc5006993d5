// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/identity/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type forgotRequest struct {
	Email string `json:"email"`
}

type resetRequest struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type handlers struct {
	service  *auth.Service
	sessions *auth.SessionService
	resets   *auth.PasswordResetService
	ready    func(context.Context) bool
	now      func() time.Time
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return oops.Code("REQUEST_MALFORMED").Wrap(errors.Join(auth.ErrInvalidInput, err))
	}
	return nil
}

func clientInfo(c echo.Context) auth.ClientInfo {
	return auth.ClientInfo{
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

func (h *handlers) tokens(c echo.Context, pair *auth.TokenPair) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(pair.ExpiresIn(h.now()) / time.Second),
	})
}

func (h *handlers) login(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	pair, err := h.service.Login(ctx, req.Username, req.Password, clientInfo(c))
	if err != nil {
		return err
	}
	return h.tokens(c, pair)
}

func (h *handlers) refresh(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	pair, err := h.sessions.Rotate(ctx, req.RefreshToken, clientInfo(c))
	if err != nil {
		return err
	}
	return h.tokens(c, pair)
}

// logout always succeeds so callers learn nothing about the token.
func (h *handlers) logout(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	h.sessions.Revoke(ctx, req.RefreshToken)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) forgotPassword(c echo.Context) error {
	var req forgotRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	if err := h.resets.RequestReset(ctx, req.Email); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *handlers) resetPassword(c echo.Context) error {
	var req resetRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	if err := h.resets.ResetPassword(ctx, req.Email, req.Token, req.NewPassword); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) changePassword(c echo.Context) error {
	claims, ok := claimsFrom(c)
	if !ok {
		return oops.Code("AUTH_CLAIMS_MISSING").Wrap(auth.ErrInvalidToken)
	}
	accountID, err := ulid.Parse(claims.Subject)
	if err != nil {
		return oops.Code("AUTH_SUBJECT_INVALID").Wrap(errors.Join(auth.ErrInvalidToken, err))
	}

	var req changeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	if err := h.service.ChangePassword(ctx, accountID, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) healthz(c echo.Context) error {
	if h.ready != nil && !h.ready(c.Request().Context()) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
