// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/identity/pkg/errutil"
)

func TestNewMigrator_InvalidURL(t *testing.T) {
	_, err := NewMigrator("invalid://url")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MIGRATION_INIT_FAILED")
}

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@db:5432/identity", "pgx5://u:p@db:5432/identity"},
		{"postgresql://u:p@db:5432/identity", "pgx5://u:p@db:5432/identity"},
		{"pgx5://u:p@db:5432/identity", "pgx5://u:p@db:5432/identity"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, migrateURL(tt.in))
		})
	}
}

type fakeMigrate struct {
	upErr, downErr, stepsErr, forceErr error
	version                            uint
	dirty                              bool
	versionErr                         error
	closeSourceErr, closeDBErr         error
}

func (m *fakeMigrate) Up() error                    { return m.upErr }
func (m *fakeMigrate) Down() error                  { return m.downErr }
func (m *fakeMigrate) Steps(_ int) error            { return m.stepsErr }
func (m *fakeMigrate) Version() (uint, bool, error) { return m.version, m.dirty, m.versionErr }
func (m *fakeMigrate) Force(_ int) error            { return m.forceErr }
func (m *fakeMigrate) Close() (error, error)        { return m.closeSourceErr, m.closeDBErr }

func TestMigrator_NoChangeIsSuccess(t *testing.T) {
	m := &Migrator{m: &fakeMigrate{
		upErr:    migrate.ErrNoChange,
		downErr:  migrate.ErrNoChange,
		stepsErr: migrate.ErrNoChange,
	}}
	require.NoError(t, m.Up())
	require.NoError(t, m.Down())
	require.NoError(t, m.Steps(0))
}

func TestMigrator_Errors(t *testing.T) {
	boom := errors.New("database locked")
	tests := []struct {
		name string
		call func(*Migrator) error
		code string
	}{
		{"up", func(m *Migrator) error { return m.Up() }, "MIGRATION_UP_FAILED"},
		{"down", func(m *Migrator) error { return m.Down() }, "MIGRATION_DOWN_FAILED"},
		{"steps", func(m *Migrator) error { return m.Steps(2) }, "MIGRATION_STEPS_FAILED"},
		{"force", func(m *Migrator) error { return m.Force(1) }, "MIGRATION_FORCE_FAILED"},
		{"version", func(m *Migrator) error { _, _, err := m.Version(); return err }, "MIGRATION_VERSION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Migrator{m: &fakeMigrate{
				upErr: boom, downErr: boom, stepsErr: boom, forceErr: boom, versionErr: boom,
			}}
			err := tt.call(m)
			require.ErrorIs(t, err, boom)
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestMigrator_Version(t *testing.T) {
	t.Run("fresh database reports zero", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{versionErr: migrate.ErrNilVersion}}
		version, dirty, err := m.Version()
		require.NoError(t, err)
		assert.Zero(t, version)
		assert.False(t, dirty)
	})

	t.Run("dirty flag is passed through", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{version: 2, dirty: true}}
		version, dirty, err := m.Version()
		require.NoError(t, err)
		assert.Equal(t, uint(2), version)
		assert.True(t, dirty)
	})
}

func TestMigrator_ForceRejectsNegativeVersion(t *testing.T) {
	m := &Migrator{m: &fakeMigrate{}}
	err := m.Force(-1)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "INVALID_VERSION")
}

func TestMigrator_Close(t *testing.T) {
	tests := []struct {
		name      string
		fake      *fakeMigrate
		component string
	}{
		{"source", &fakeMigrate{closeSourceErr: errors.New("source close failed")}, "source"},
		{"database", &fakeMigrate{closeDBErr: errors.New("db close failed")}, "database"},
		{"both", &fakeMigrate{
			closeSourceErr: errors.New("source close failed"),
			closeDBErr:     errors.New("db close failed"),
		}, "both"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Migrator{m: tt.fake}).Close()
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "MIGRATION_CLOSE_FAILED")
			errutil.AssertErrorContext(t, err, "component", tt.component)
		})
	}

	require.NoError(t, (&Migrator{m: &fakeMigrate{}}).Close())
}

func TestMigrator_PendingMigrations(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeMigrate
		want []uint
	}{
		{"fresh database", &fakeMigrate{versionErr: migrate.ErrNilVersion}, []uint{1, 2, 3}},
		{"partially applied", &fakeMigrate{version: 1}, []uint{2, 3}},
		{"at latest", &fakeMigrate{version: 3}, []uint{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pending, err := (&Migrator{m: tt.fake}).PendingMigrations()
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, pending)
		})
	}

	t.Run("version error carries operation", func(t *testing.T) {
		_, err := (&Migrator{m: &fakeMigrate{versionErr: errors.New("connection lost")}}).PendingMigrations()
		require.Error(t, err)
		errutil.AssertErrorContext(t, err, "operation", "get pending migrations")
	})
}

func TestMigrationName(t *testing.T) {
	tests := []struct {
		version uint
		want    string
	}{
		{1, "000001_accounts"},
		{2, "000002_refresh_tokens"},
		{3, "000003_password_resets"},
		{999, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("version_%d", tt.version), func(t *testing.T) {
			name, err := MigrationName(tt.version)
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
		})
	}
}

func TestEmbeddedVersions_ReturnsCopy(t *testing.T) {
	first, err := embeddedVersions()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	original := first[0]
	first[0] = 99999

	second, err := embeddedVersions()
	require.NoError(t, err)
	assert.Equal(t, original, second[0])
}
