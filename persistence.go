package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Snapshot is the persisted slice of the session
type Snapshot struct {
	User            *User  `json:"user"`
	Token           string `json:"token,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// SnapshotFromState extracts the durable subset of s
func SnapshotFromState(s State) Snapshot {
	return Snapshot{
		User:            s.User.clone(),
		Token:           s.Token,
		IsAuthenticated: s.IsAuthenticated,
	}
}

// Encode serializes the snapshot. Output is stable for equal snapshots.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses the bytes produced by Snapshot.Encode
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// PersisterOption customizes a Persister
type PersisterOption func(*Persister)

// WithPersisterLogger overrides the logger
func WithPersisterLogger(logger Logger) PersisterOption {
	return func(p *Persister) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPersisterCredentials enables token reconciliation against the
// credential store during Rehydrate.
func WithPersisterCredentials(cs *CredentialStore) PersisterOption {
	return func(p *Persister) {
		p.credentials = cs
	}
}

// WithTokenInspector overrides how restored tokens are inspected
func WithTokenInspector(inspector TokenInspector) PersisterOption {
	return func(p *Persister) {
		if inspector != nil {
			p.inspector = inspector
		}
	}
}

// WithPersisterClock injects a custom clock (useful for tests).
func WithPersisterClock(clock func() time.Time) PersisterOption {
	return func(p *Persister) {
		if clock != nil {
			p.now = clock
		}
	}
}

// Persister writes session snapshots to durable storage and restores them
// at process start.
type Persister struct {
	store       Channel
	key         string
	credentials *CredentialStore
	inspector   TokenInspector
	logger      Logger
	now         func() time.Time

	mu   sync.Mutex
	last []byte
}

// NewPersister stores snapshots in store under key
func NewPersister(store Channel, key string, opts ...PersisterOption) *Persister {
	if key == "" {
		key = DefaultSnapshotKey
	}
	p := &Persister{
		store:     store,
		key:       key,
		inspector: NewJWTInspector(),
		logger:    defLogger{},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Key returns the storage key of the session slice
func (p *Persister) Key() string {
	return p.key
}

// Snapshot persists the durable subset of s. States with an operation in
// flight are skipped, as are snapshots identical to the last one written.
func (p *Persister) Snapshot(ctx context.Context, s State) error {
	if s.Loading {
		return nil
	}

	data, err := SnapshotFromState(s).Encode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last != nil && bytes.Equal(p.last, data) {
		return nil
	}

	ctx, cancel := channelContext(ctx)
	defer cancel()

	if err := p.store.Set(ctx, p.key, string(data)); err != nil {
		p.logger.Warn("persist session snapshot %q failed: %v", p.key, err)
		return err
	}
	p.last = data
	return nil
}

// Rehydrate returns the state restored from the last snapshot. Missing or
// unreadable snapshots yield AnonymousState. The restored token is only
// kept when the credential store still holds it and, for JWTs, when it has
// not expired; otherwise the channels are cleared.
func (p *Persister) Rehydrate(ctx context.Context) State {
	snap, ok := p.load(ctx)
	if !ok {
		p.dropCredentials(ctx, "no usable snapshot")
		return AnonymousState()
	}

	if snap.Token == "" {
		p.dropCredentials(ctx, "snapshot carries no token")
		return AnonymousState()
	}

	if p.credentials != nil {
		held, found := p.credentials.Read(ctx)
		if !found || held != snap.Token {
			p.logger.Info("rehydrate: snapshot token not held by any channel, starting anonymous")
			p.dropCredentials(ctx, "token mismatch")
			return AnonymousState()
		}
	}

	if info := p.inspector.Inspect(snap.Token); info.Expired(p.now()) {
		p.logger.Info("rehydrate: restored token expired at %s, starting anonymous", info.ExpiresAt.Format(time.RFC3339))
		p.dropCredentials(ctx, "token expired")
		return AnonymousState()
	}

	state := State{
		Phase:           PhaseAnonymous,
		User:            snap.User,
		Token:           snap.Token,
		IsAuthenticated: snap.IsAuthenticated,
	}
	if state.IsAuthenticated {
		state.Phase = PhaseAuthenticated
	}
	return state
}

// Purge deletes the stored snapshot
func (p *Persister) Purge(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := channelContext(ctx)
	defer cancel()

	if err := p.store.Delete(ctx, p.key); err != nil {
		return err
	}
	p.last = nil
	return nil
}

func (p *Persister) load(ctx context.Context) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cctx, cancel := channelContext(ctx)
	defer cancel()

	raw, found, err := p.store.Get(cctx, p.key)
	if err != nil {
		p.logger.Warn("rehydrate: read snapshot %q failed: %v", p.key, err)
		return Snapshot{}, false
	}
	if !found || raw == "" {
		return Snapshot{}, false
	}

	snap, err := DecodeSnapshot([]byte(raw))
	if err != nil {
		p.logger.Warn("rehydrate: snapshot %q is not valid: %v", p.key, err)
		return Snapshot{}, false
	}

	p.last = []byte(raw)
	return snap, true
}

func (p *Persister) dropCredentials(ctx context.Context, reason string) {
	if p.credentials == nil {
		return
	}
	if _, found := p.credentials.Read(ctx); !found {
		return
	}
	p.logger.Debug("rehydrate: clearing stored credentials: %s", reason)
	p.credentials.Clear(ctx)
}
