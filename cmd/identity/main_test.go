// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/internal/auth"
	"github.com/holomush/identity/internal/auth/memstore"
	"github.com/holomush/identity/internal/config"
	"github.com/holomush/identity/internal/mail"
	"github.com/holomush/identity/pkg/errutil"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

type mockMigrator struct {
	pending   []uint
	upCalled  bool
	downCalls int
	steps     []int
	forced    []int
	closed    bool
	upErr     error
}

func (m *mockMigrator) Up() error                          { m.upCalled = true; return m.upErr }
func (m *mockMigrator) Down() error                        { m.downCalls++; return nil }
func (m *mockMigrator) Steps(n int) error                  { m.steps = append(m.steps, n); return nil }
func (m *mockMigrator) Version() (uint, bool, error)       { return 3, false, nil }
func (m *mockMigrator) Force(v int) error                  { m.forced = append(m.forced, v); return nil }
func (m *mockMigrator) PendingMigrations() ([]uint, error) { return m.pending, nil }
func (m *mockMigrator) Close() error                       { m.closed = true; return nil }

// memoryStore returns a StoreFactory over one shared in-memory store.
func memoryStore(mem *memstore.Store) func(context.Context, *config.Config, *Deps) (*Repositories, error) {
	return func(context.Context, *config.Config, *Deps) (*Repositories, error) {
		return &Repositories{
			Accounts: mem.Accounts(),
			Tokens:   mem.RefreshTokens(),
			Resets:   mem.Resets(),
			Ready:    func(context.Context) bool { return true },
			Close:    func() {},
		}, nil
	}
}

func testEnv(vars map[string]string) func(string) string {
	merged := map[string]string{
		config.EnvDatabaseURL:   "postgres://identity@localhost/identity",
		config.EnvJWTSigningKey: testSigningKey,
	}
	for k, v := range vars {
		merged[k] = v
	}
	return func(k string) string { return merged[k] }
}

// execute runs the CLI with deps and returns its combined output.
func execute(t *testing.T, deps *Deps, stdin string, args ...string) (string, error) {
	t.Helper()
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o600))

	cmd := newRootCmdWithDeps(deps)
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--env-file", envFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	out, err := execute(t, &Deps{}, "", "--help")
	require.NoError(t, err)
	for _, sub := range []string{"serve", "migrate", "account", "prune"} {
		assert.Contains(t, out, sub, "help missing %q command", sub)
	}
}

func TestRootCommand_VersionFlag(t *testing.T) {
	cmd := NewRootCmd()
	cmd.Version = "test-version"
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "test-version")
}

func TestParseVersionArg(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"3", 3, false},
		{"0", 0, false},
		{"  42", 42, false},
		{"-1", 0, true},
		{"1.5", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseVersionArg(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, "INVALID_VERSION")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMigrateUp(t *testing.T) {
	m := &mockMigrator{pending: []uint{1, 2}}
	var gotURL string
	deps := &Deps{
		Getenv: testEnv(nil),
		MigratorFactory: func(url string) (Migrator, error) {
			gotURL = url
			return m, nil
		},
	}

	out, err := execute(t, deps, "", "migrate", "up")
	require.NoError(t, err)
	assert.True(t, m.upCalled)
	assert.True(t, m.closed)
	assert.Equal(t, "postgres://identity@localhost/identity", gotURL)
	assert.Contains(t, out, "Applied 000001_")
}

func TestMigrateUp_NothingPending(t *testing.T) {
	m := &mockMigrator{}
	deps := &Deps{Getenv: testEnv(nil), MigratorFactory: func(string) (Migrator, error) { return m, nil }}

	out, err := execute(t, deps, "", "migrate", "up")
	require.NoError(t, err)
	assert.False(t, m.upCalled)
	assert.Contains(t, out, "up to date")
}

func TestMigrateDown_RequiresConfirmation(t *testing.T) {
	m := &mockMigrator{}
	deps := &Deps{Getenv: testEnv(nil), MigratorFactory: func(string) (Migrator, error) { return m, nil }}

	_, err := execute(t, deps, "", "migrate", "down")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MIGRATE_CONFIRM_REQUIRED")
	assert.Zero(t, m.downCalls)

	_, err = execute(t, deps, "", "migrate", "down", "--yes")
	require.NoError(t, err)
	assert.Equal(t, 1, m.downCalls)

	_, err = execute(t, deps, "", "migrate", "down", "2")
	require.NoError(t, err)
	assert.Equal(t, []int{-2}, m.steps)
}

func TestMigrateForceAndVersion(t *testing.T) {
	m := &mockMigrator{pending: []uint{4}}
	deps := &Deps{Getenv: testEnv(nil), MigratorFactory: func(string) (Migrator, error) { return m, nil }}

	_, err := execute(t, deps, "", "migrate", "force", "2")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, m.forced)

	out, err := execute(t, deps, "", "migrate", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: 3 (clean)")
	assert.Contains(t, out, "Pending: 1")
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	deps := &Deps{Getenv: testEnv(map[string]string{config.EnvDatabaseURL: ""})}
	_, err := execute(t, deps, "", "migrate", "up")
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "field", "store.database_url")
}

func TestMigrate_RejectsMemoryStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("config_version: \"1.0.0\"\nstore:\n  backend: memory\n"), 0o600))

	_, err := execute(t, &Deps{Getenv: testEnv(nil)}, "", "--config", path, "migrate", "up")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MIGRATE_UNSUPPORTED")
}

func TestRunAutoMigration(t *testing.T) {
	t.Run("applies pending", func(t *testing.T) {
		m := &mockMigrator{pending: []uint{1}}
		require.NoError(t, runAutoMigration("url", func(string) (Migrator, error) { return m, nil }))
		assert.True(t, m.upCalled)
		assert.True(t, m.closed)
	})
	t.Run("skips when current", func(t *testing.T) {
		m := &mockMigrator{}
		require.NoError(t, runAutoMigration("url", func(string) (Migrator, error) { return m, nil }))
		assert.False(t, m.upCalled)
	})
	t.Run("surfaces up failure", func(t *testing.T) {
		m := &mockMigrator{pending: []uint{1}, upErr: errors.New("boom")}
		err := runAutoMigration("url", func(string) (Migrator, error) { return m, nil })
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTO_MIGRATE_FAILED")
		assert.True(t, m.closed)
	})
	t.Run("surfaces factory failure", func(t *testing.T) {
		err := runAutoMigration("url", func(string) (Migrator, error) { return nil, errors.New("no db") })
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTO_MIGRATE_FAILED")
	})
}

func TestAccountCreateAndStatus(t *testing.T) {
	mem := memstore.New()
	deps := &Deps{Getenv: testEnv(nil), StoreFactory: memoryStore(mem)}

	out, err := execute(t, deps, "correct-horse-battery\n",
		"account", "create", "--username", "alice", "--email", "Alice@Example.com", "--role", "admin", "--confirmed")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Created account")

	account, err := mem.Accounts().GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account.Email)
	assert.Equal(t, auth.StatusActive, account.Status)
	assert.Equal(t, []string{"admin"}, account.Roles)

	out, err = execute(t, deps, "", "account", "status", account.ID.String(), "inactive")
	require.NoError(t, err, out)
	updated, err := mem.Accounts().GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.StatusInactive, updated.Status)
}

func TestAccountCreate_RequiresPassword(t *testing.T) {
	deps := &Deps{Getenv: testEnv(nil), StoreFactory: memoryStore(memstore.New())}
	_, err := execute(t, deps, "", "account", "create", "--username", "alice", "--email", "alice@example.com")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "PASSWORD_REQUIRED")
}

func TestAccountStatus_RejectsBadInput(t *testing.T) {
	deps := &Deps{Getenv: testEnv(nil), StoreFactory: memoryStore(memstore.New())}

	_, err := execute(t, deps, "", "account", "status", "not-an-id", "active")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "INVALID_ACCOUNT_ID")
}

func TestPrune(t *testing.T) {
	deps := &Deps{Getenv: testEnv(nil), StoreFactory: memoryStore(memstore.New())}
	out, err := execute(t, deps, "", "prune", "--grace", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 refresh token(s) and 0 password reset(s)")
}

type captureMailer struct{ sent chan mail.Message }

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.sent <- msg
	return nil
}

func TestServe_EndToEnd(t *testing.T) {
	mem := memstore.New()
	mailer := &captureMailer{sent: make(chan mail.Message, 1)}
	signals := make(chan os.Signal, 1)

	var checks []string
	deps := &Deps{
		Getenv:       testEnv(nil),
		StoreFactory: memoryStore(mem),
		MailerFactory: func(*config.Config, io.Writer, *slog.Logger) (mail.Mailer, func() error, error) {
			return mailer, func() error { return nil }, nil
		},
		Signals: func() (<-chan os.Signal, func()) { return signals, func() {} },
	}

	hasher := auth.NewPBKDF2Hasher()
	hash, err := hasher.Hash("correct-horse-battery")
	require.NoError(t, err)
	account, err := auth.NewAccount("alice", "alice@example.com", hash, nil, time.Now())
	require.NoError(t, err)
	account.Activate(time.Now())
	require.NoError(t, mem.Accounts().Create(context.Background(), account))

	deps.OnReady = func(addr string) {
		defer func() { signals <- os.Interrupt }()
		base := "http://" + addr

		resp, err := http.Get(base + "/healthz")
		if err == nil {
			checks = append(checks, "healthz:"+resp.Status)
			_ = resp.Body.Close()
		}

		resp, err = http.Post(base+"/v1/auth/login", "application/json",
			strings.NewReader(`{"username":"alice","password":"correct-horse-battery"}`))
		if err == nil {
			checks = append(checks, "login:"+resp.Status)
			_ = resp.Body.Close()
		}

		resp, err = http.Post(base+"/v1/auth/password/forgot", "application/json",
			strings.NewReader(`{"email":"alice@example.com"}`))
		if err == nil {
			checks = append(checks, "forgot:"+resp.Status)
			_ = resp.Body.Close()
		}
	}

	out, err := execute(t, deps, "", "serve", "--http-addr", "127.0.0.1:0", "--metrics-addr", "", "--store", "memory", "--log-level", "debug")
	require.NoError(t, err, out)

	assert.Equal(t, []string{"healthz:200 OK", "login:200 OK", "forgot:202 Accepted"}, checks)
	select {
	case msg := <-mailer.sent:
		assert.Equal(t, "alice@example.com", msg.To)
		assert.Contains(t, msg.Text, "/reset-password?")
		assert.Contains(t, msg.Text, "token=")
	default:
		t.Fatal("reset email was not delivered before shutdown")
	}
	assert.Contains(t, out, "shutdown complete")
}

func TestLoadConfig_FindsXDGConfigFile(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "identity")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("config_version: \"1.0.0\"\nstore:\n  backend: memory\n"), 0o600))

	deps := &Deps{Getenv: testEnv(map[string]string{"XDG_CONFIG_HOME": base})}
	_, err := execute(t, deps, "", "migrate", "up")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MIGRATE_UNSUPPORTED")
}
