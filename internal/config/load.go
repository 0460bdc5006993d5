// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Configuration format versions.
const (
	CurrentVersion    = "1.0.0"
	SupportedVersions = ">= 1.0.0, < 2.0.0"
)

// Environment variables holding secrets.
const (
	EnvDatabaseURL   = "IDENTITY_DATABASE_URL"
	EnvJWTSigningKey = "IDENTITY_JWT_SIGNING_KEY"
	EnvRedisPassword = "IDENTITY_REDIS_PASSWORD"
	EnvAMQPURL       = "IDENTITY_AMQP_URL"
)

var envKeys = map[string]string{
	EnvDatabaseURL:   "store.database_url",
	EnvJWTSigningKey: "jwt.signing_key",
	EnvRedisPassword: "rate_limit.redis_password",
	EnvAMQPURL:       "mail.amqp_url",
}

// Duration is a time.Duration written as a Go duration string ("15m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return oops.Code("CONFIG_DURATION_INVALID").With("value", string(text)).Wrap(err)
	}
	*d = Duration(parsed)
	return nil
}

// JSONSchema describes Duration as a duration string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, for example 15m or 168h",
	}
}

func checkVersion(version string) error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return oops.Code("CONFIG_VERSION_INVALID").Wrap(err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return oops.Code("CONFIG_VERSION_INVALID").With("config_version", version).Wrap(err)
	}
	if !constraint.Check(v) {
		return oops.Code("CONFIG_VERSION_UNSUPPORTED").
			With("config_version", version).
			With("supported", SupportedVersions).
			Errorf("config version %s is not supported", version)
	}
	return nil
}

// Options controls where Load reads from.
type Options struct {
	// File is an optional YAML file. Empty skips it.
	File string

	// DotEnv is an optional .env file seeding the environment. Variables
	// already set win. Empty tries ".env" in the working directory.
	DotEnv string

	// Flags are applied last, and only those explicitly set.
	Flags *pflag.FlagSet

	// StoreOnly validates just the storage settings, for commands that
	// never serve requests.
	StoreOnly bool

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Load builds the configuration and validates it.
func Load(opts Options) (*Config, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if err := loadDotEnv(opts.DotEnv); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if opts.File != "" {
		raw, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("file", opts.File).Wrap(err)
		}
		if err := ValidateYAML(raw); err != nil {
			return nil, oops.With("file", opts.File).Wrap(err)
		}
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_PARSE_FAILED").With("file", opts.File).Wrap(err)
		}
	}

	for env, key := range envKeys {
		if v := opts.Getenv(env); v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, oops.Code("CONFIG_ENV_FAILED").With("env", env).Wrap(err)
			}
		}
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_PARSE_FAILED").Wrap(err)
	}
	validate := cfg.Validate
	if opts.StoreOnly {
		validate = cfg.ValidateStore
	}
	if err := validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return oops.Code("CONFIG_DOTENV_FAILED").With("file", path).Wrap(err)
}
