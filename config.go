package authclient

import "time"

const (
	// DefaultSnapshotKey is the stable identifier of the persisted session slice
	DefaultSnapshotKey        = "persist:auth"
	DefaultTokenKey           = "token"
	DefaultRememberedEmailKey = "rememberedEmail"
	DefaultRequestTimeout     = 30 * time.Second
	DefaultOperationPrefix    = "auth"
)

var _ Config = Options{}

// Options is a plain Config implementation. Zero values fall back to defaults.
type Options struct {
	SnapshotKey        string
	TokenKey           string
	RememberedEmailKey string
	RequestTimeout     time.Duration
	OperationPrefix    string
}

// DefaultConfig returns the options used when no Config is provided
func DefaultConfig() Options {
	return Options{
		SnapshotKey:        DefaultSnapshotKey,
		TokenKey:           DefaultTokenKey,
		RememberedEmailKey: DefaultRememberedEmailKey,
		RequestTimeout:     DefaultRequestTimeout,
		OperationPrefix:    DefaultOperationPrefix,
	}
}

func (o Options) GetSnapshotKey() string {
	if o.SnapshotKey == "" {
		return DefaultSnapshotKey
	}
	return o.SnapshotKey
}

func (o Options) GetTokenKey() string {
	if o.TokenKey == "" {
		return DefaultTokenKey
	}
	return o.TokenKey
}

func (o Options) GetRememberedEmailKey() string {
	if o.RememberedEmailKey == "" {
		return DefaultRememberedEmailKey
	}
	return o.RememberedEmailKey
}

func (o Options) GetRequestTimeout() time.Duration {
	if o.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return o.RequestTimeout
}

func (o Options) GetOperationPrefix() string {
	if o.OperationPrefix == "" {
		return DefaultOperationPrefix
	}
	return o.OperationPrefix
}

func normalizeConfig(cfg Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return cfg
}
