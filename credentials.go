package authclient

import (
	"context"
	"time"
)

// ChannelKind names one of the two persistence channels
type ChannelKind string

const (
	ChannelNone      ChannelKind = ""
	ChannelDurable   ChannelKind = "durable"
	ChannelEphemeral ChannelKind = "ephemeral"
)

// channelTimeout bounds a single channel call so a stuck backend cannot
// block a transition.
const channelTimeout = 5 * time.Second

// CredentialStore owns the durable/ephemeral channel pair. At most one
// channel holds the token at any time. Channel failures are logged and
// otherwise ignored, the in-memory session stays authoritative.
type CredentialStore struct {
	durable   Channel
	ephemeral Channel
	tokenKey  string
	emailKey  string
	logger    Logger
}

// CredentialStoreOption customizes the store
type CredentialStoreOption func(*CredentialStore)

// WithCredentialLogger overrides the logger used for channel failures.
func WithCredentialLogger(logger Logger) CredentialStoreOption {
	return func(cs *CredentialStore) {
		if logger != nil {
			cs.logger = logger
		}
	}
}

// WithCredentialKeys overrides the keys used inside the channels.
func WithCredentialKeys(tokenKey, rememberedEmailKey string) CredentialStoreOption {
	return func(cs *CredentialStore) {
		if tokenKey != "" {
			cs.tokenKey = tokenKey
		}
		if rememberedEmailKey != "" {
			cs.emailKey = rememberedEmailKey
		}
	}
}

// NewCredentialStore returns a store over the given channels. A nil channel
// is replaced by an in-memory one.
func NewCredentialStore(durable, ephemeral Channel, opts ...CredentialStoreOption) *CredentialStore {
	if durable == nil {
		durable = NewMemoryChannel()
	}
	if ephemeral == nil {
		ephemeral = NewMemoryChannel()
	}

	cs := &CredentialStore{
		durable:   durable,
		ephemeral: ephemeral,
		tokenKey:  DefaultTokenKey,
		emailKey:  DefaultRememberedEmailKey,
		logger:    defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cs)
		}
	}

	return cs
}

// Save writes token to the durable channel when durable is true, otherwise
// to the ephemeral one, and clears the other channel.
func (cs *CredentialStore) Save(ctx context.Context, token string, durable bool) {
	if token == "" {
		cs.Clear(ctx)
		return
	}

	target, other := cs.ephemeral, cs.durable
	targetKind, otherKind := ChannelEphemeral, ChannelDurable
	if durable {
		target, other = cs.durable, cs.ephemeral
		targetKind, otherKind = ChannelDurable, ChannelEphemeral
	}

	cs.del(ctx, other, otherKind, cs.tokenKey)
	cs.set(ctx, target, targetKind, cs.tokenKey, token)
}

// Read returns the durable token if present, else the ephemeral one.
func (cs *CredentialStore) Read(ctx context.Context) (string, bool) {
	token, _ := cs.read(ctx)
	return token, token != ""
}

// Holder reports which channel currently holds the token.
func (cs *CredentialStore) Holder(ctx context.Context) ChannelKind {
	_, kind := cs.read(ctx)
	return kind
}

// Clear removes the token from both channels.
func (cs *CredentialStore) Clear(ctx context.Context) {
	cs.del(ctx, cs.durable, ChannelDurable, cs.tokenKey)
	cs.del(ctx, cs.ephemeral, ChannelEphemeral, cs.tokenKey)
}

// RememberEmail keeps the last login email in the durable channel so a login
// form can be pre-filled.
func (cs *CredentialStore) RememberEmail(ctx context.Context, email string) {
	if email == "" {
		return
	}
	cs.set(ctx, cs.durable, ChannelDurable, cs.emailKey, email)
}

// RememberedEmail returns the email stored by RememberEmail.
func (cs *CredentialStore) RememberedEmail(ctx context.Context) (string, bool) {
	email := cs.get(ctx, cs.durable, ChannelDurable, cs.emailKey)
	return email, email != ""
}

// ForgetEmail drops the remembered email
func (cs *CredentialStore) ForgetEmail(ctx context.Context) {
	cs.del(ctx, cs.durable, ChannelDurable, cs.emailKey)
}

func (cs *CredentialStore) read(ctx context.Context) (string, ChannelKind) {
	if token := cs.get(ctx, cs.durable, ChannelDurable, cs.tokenKey); token != "" {
		return token, ChannelDurable
	}
	if token := cs.get(ctx, cs.ephemeral, ChannelEphemeral, cs.tokenKey); token != "" {
		return token, ChannelEphemeral
	}
	return "", ChannelNone
}

func (cs *CredentialStore) get(ctx context.Context, ch Channel, kind ChannelKind, key string) (value string) {
	defer cs.recoverChannel("get", kind)

	ctx, cancel := channelContext(ctx)
	defer cancel()

	value, ok, err := ch.Get(ctx, key)
	if err != nil {
		cs.logger.Warn("credential store %s channel get %q failed: %v", kind, key, err)
		return ""
	}
	if !ok {
		return ""
	}
	return value
}

func (cs *CredentialStore) set(ctx context.Context, ch Channel, kind ChannelKind, key, value string) {
	defer cs.recoverChannel("set", kind)

	ctx, cancel := channelContext(ctx)
	defer cancel()

	if err := ch.Set(ctx, key, value); err != nil {
		cs.logger.Warn("credential store %s channel set %q failed: %v", kind, key, err)
	}
}

func (cs *CredentialStore) del(ctx context.Context, ch Channel, kind ChannelKind, key string) {
	defer cs.recoverChannel("delete", kind)

	ctx, cancel := channelContext(ctx)
	defer cancel()

	if err := ch.Delete(ctx, key); err != nil {
		cs.logger.Warn("credential store %s channel delete %q failed: %v", kind, key, err)
	}
}

func (cs *CredentialStore) recoverChannel(op string, kind ChannelKind) {
	if r := recover(); r != nil {
		cs.logger.Error("credential store %s channel %s panicked: %v", kind, op, r)
	}
}

func channelContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, channelTimeout)
}
