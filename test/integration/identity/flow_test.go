// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package identity_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/httpapi"
)

const password = "correct-horse-battery"

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

func post(path string, body any, bearer ...string) apiResponse {
	raw, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	req, err := http.NewRequestWithContext(env.ctx, http.MethodPost, env.server.URL+path, bytes.NewReader(raw))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if len(bearer) > 0 {
		req.Header.Set("Authorization", "Bearer "+bearer[0])
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return apiResponse{status: resp.StatusCode, header: resp.Header, body: buf.Bytes()}
}

func (r apiResponse) tokens() httpapi.TokenResponse {
	var out httpapi.TokenResponse
	Expect(json.Unmarshal(r.body, &out)).To(Succeed())
	return out
}

func (r apiResponse) errorCode() string {
	var out httpapi.ErrorBody
	Expect(json.Unmarshal(r.body, &out)).To(Succeed())
	return out.Error.Code
}

func login(username, pw string) apiResponse {
	return post("/v1/auth/login", map[string]string{"username": username, "password": pw})
}

var _ = Describe("Identity API", func() {
	var ctx context.Context
	var account *auth.Account

	BeforeEach(func() {
		ctx = context.Background()
		cleanupIdentityData(ctx)

		var err error
		account, err = env.Service.CreateAccount(ctx, auth.CreateAccountRequest{
			Username:  "alice",
			Email:     "Alice@Example.com",
			Password:  password,
			Roles:     []string{"player"},
			Confirmed: true,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Login", func() {
		It("issues a token pair persisted in PostgreSQL", func() {
			resp := login("alice", password)
			Expect(resp.status).To(Equal(http.StatusOK))
			pair := resp.tokens()
			Expect(pair.AccessToken).NotTo(BeEmpty())
			Expect(pair.TokenType).To(Equal("Bearer"))

			claims, err := env.Service.Sessions().ValidateAccessToken(pair.AccessToken)
			Expect(err).NotTo(HaveOccurred())
			Expect(claims.Subject).To(Equal(account.ID.String()))
			Expect(claims.Roles).To(ConsistOf("player"))

			stored, err := env.Tokens.GetByTokenHash(ctx, auth.HashOpaqueToken(pair.RefreshToken))
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.AccountID).To(Equal(account.ID))
		})

		It("accepts the email address as identifier", func() {
			Expect(login("alice@example.com", password).status).To(Equal(http.StatusOK))
		})

		It("locks the account after repeated failures", func() {
			policy := auth.DefaultLockoutPolicy()
			for range policy.Threshold {
				Expect(login("alice", "wrong-password-123").status).To(Equal(http.StatusUnauthorized))
			}

			resp := login("alice", password)
			Expect(resp.status).To(Equal(http.StatusLocked))
			Expect(resp.errorCode()).To(Equal("account_locked"))

			stored, err := env.Accounts.GetByID(ctx, account.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.IsLocked(time.Now())).To(BeTrue())
		})
	})

	Describe("Refresh", func() {
		It("rotates tokens and revokes the family on reuse", func() {
			first := login("alice", password).tokens()

			rotated := post("/v1/auth/refresh", map[string]string{"refresh_token": first.RefreshToken})
			Expect(rotated.status).To(Equal(http.StatusOK))
			second := rotated.tokens()
			Expect(second.RefreshToken).NotTo(Equal(first.RefreshToken))

			reused := post("/v1/auth/refresh", map[string]string{"refresh_token": first.RefreshToken})
			Expect(reused.status).To(Equal(http.StatusUnauthorized))
			Expect(reused.errorCode()).To(Equal("invalid_token"))

			stored, err := env.Tokens.GetByTokenHash(ctx, auth.HashOpaqueToken(second.RefreshToken))
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.RevokedAt).NotTo(BeNil())

			after := post("/v1/auth/refresh", map[string]string{"refresh_token": second.RefreshToken})
			Expect(after.status).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("Password reset", func() {
		It("sets a new password and ends existing sessions", func() {
			session := login("alice", password).tokens()

			Expect(post("/v1/auth/password/forgot", map[string]string{"email": "alice@example.com"}).status).
				To(Equal(http.StatusAccepted))
			link := env.Notifier.last()

			resp := post("/v1/auth/password/reset", map[string]string{
				"email":        link.Query().Get("email"),
				"token":        link.Query().Get("token"),
				"new_password": "a-brand-new-passphrase",
			})
			Expect(resp.status).To(Equal(http.StatusNoContent))

			Expect(login("alice", password).status).To(Equal(http.StatusUnauthorized))
			Expect(login("alice", "a-brand-new-passphrase").status).To(Equal(http.StatusOK))
			Expect(post("/v1/auth/refresh", map[string]string{"refresh_token": session.RefreshToken}).status).
				To(Equal(http.StatusUnauthorized))

			again := post("/v1/auth/password/reset", map[string]string{
				"email":        link.Query().Get("email"),
				"token":        link.Query().Get("token"),
				"new_password": "yet-another-passphrase",
			})
			Expect(again.status).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("Change password", func() {
		It("requires the current password", func() {
			pair := login("alice", password).tokens()

			wrong := post("/v1/auth/password/change", map[string]string{
				"current_password": "not-my-password",
				"new_password":     "a-brand-new-passphrase",
			}, pair.AccessToken)
			Expect(wrong.status).To(Equal(http.StatusUnauthorized))
			Expect(wrong.errorCode()).To(Equal("wrong_password"))

			ok := post("/v1/auth/password/change", map[string]string{
				"current_password": password,
				"new_password":     "a-brand-new-passphrase",
			}, pair.AccessToken)
			Expect(ok.status).To(Equal(http.StatusNoContent))
		})
	})

	Describe("Rate limiting", func() {
		It("counts requests in Redis", func() {
			resp := login("alice", password)
			Expect(resp.header.Get("X-RateLimit-Limit")).To(Equal("100"))
			Expect(resp.header.Get("X-RateLimit-Remaining")).To(Equal("99"))
			Expect(env.redis.Keys()).NotTo(BeEmpty())
		})
	})

	Describe("Prune", func() {
		It("deletes only rows that expired before the cutoff", func() {
			login("alice", password)

			result, err := auth.Prune(ctx, env.Tokens, env.Resets, time.Now(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RefreshTokens).To(BeZero())

			result, err = auth.Prune(ctx, env.Tokens, env.Resets, time.Now().Add(60*24*time.Hour), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RefreshTokens).To(BeEquivalentTo(1))
		})
	})
})
