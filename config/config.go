// Package config loads the auth client settings from the environment.
package config

import (
	"encoding/base64"
	"errors"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	authclient "github.com/goliatone/go-auth-client"
	goerrors "github.com/goliatone/go-errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment prefix, e.g. AUTHCLIENT_STORAGE_DSN
const Prefix = "AUTHCLIENT"

var _ authclient.Config = (*Config)(nil)

// Config holds every setting the client and authctl read.
type Config struct {
	StorageDSN         string        `envconfig:"STORAGE_DSN" default:"file:authclient.db?cache=shared"`
	SnapshotKey        string        `envconfig:"SNAPSHOT_KEY" default:"persist:auth"`
	TokenKey           string        `envconfig:"TOKEN_KEY" default:"token"`
	RememberedEmailKey string        `envconfig:"REMEMBERED_EMAIL_KEY" default:"rememberedEmail"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	OperationPrefix    string        `envconfig:"OPERATION_PREFIX" default:"auth"`
	// SealKey is a base64 encoded 32 byte key. When set, durable values are
	// encrypted at rest.
	SealKey          string `envconfig:"SEAL_KEY"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"authclient"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional env file and then the process environment. A
// missing env file is not an error; envFiles defaults to ".env".
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read env file").
				WithMetadata(map[string]any{"file": file})
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "failed to load configuration").
			WithTextCode(authclient.TextCodeValidation)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.StorageDSN, validation.Required),
		validation.Field(&c.SnapshotKey, validation.Required),
		validation.Field(&c.TokenKey, validation.Required),
		validation.Field(&c.RememberedEmailKey, validation.Required, validation.NotIn(c.TokenKey)),
		validation.Field(&c.RequestTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.SealKey, validation.By(validSealKey)),
	)
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid configuration").
		WithTextCode(authclient.TextCodeValidation).
		WithCode(goerrors.CodeBadRequest)
}

// SealKeyBytes decodes SealKey. It returns nil when no key is configured.
func (c *Config) SealKeyBytes() ([]byte, error) {
	if c.SealKey == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(c.SealKey)
}

func (c *Config) GetSnapshotKey() string {
	return c.SnapshotKey
}

func (c *Config) GetTokenKey() string {
	return c.TokenKey
}

func (c *Config) GetRememberedEmailKey() string {
	return c.RememberedEmailKey
}

func (c *Config) GetRequestTimeout() time.Duration {
	return c.RequestTimeout
}

func (c *Config) GetOperationPrefix() string {
	return c.OperationPrefix
}

func validSealKey(value any) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return errors.New("must be base64 encoded")
	}
	if len(key) != 32 {
		return errors.New("must decode to 32 bytes")
	}
	return nil
}
