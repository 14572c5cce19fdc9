package authclient

import (
	"context"
	"time"
)

// BootConfig lists the collaborators Boot wires together. Only the AuthAPI
// passed to Boot is required; nil channels fall back to MemoryChannel.
type BootConfig struct {
	Config       Config
	Durable      Channel
	Ephemeral    Channel
	Snapshots    Channel // defaults to Durable
	Logger       Logger
	ActivitySink ActivitySink
	Observer     TrackerObserver
	Inspector    TokenInspector
	Clock        func() time.Time
}

// Client bundles the components of a booted session
type Client struct {
	Machine     *SessionMachine
	Tracker     *OperationTracker
	Credentials *CredentialStore
	Persister   *Persister
}

// Boot restores the persisted session and returns a machine starting from
// it. The restored state is written back so the snapshot and the channels
// agree from the first transition on.
func Boot(ctx context.Context, api AuthAPI, bc BootConfig) *Client {
	cfg := normalizeConfig(bc.Config)
	logger := normalizeLogger(bc.Logger)
	clock := bc.Clock
	if clock == nil {
		clock = time.Now
	}

	durable := bc.Durable
	if durable == nil {
		durable = NewMemoryChannel()
	}
	snapshots := bc.Snapshots
	if snapshots == nil {
		snapshots = durable
	}

	credentials := NewCredentialStore(durable, bc.Ephemeral,
		WithCredentialLogger(logger),
		WithCredentialKeys(cfg.GetTokenKey(), cfg.GetRememberedEmailKey()),
	)

	var trackerOpts []TrackerOption
	trackerOpts = append(trackerOpts, WithTrackerClock(clock))
	if bc.Observer != nil {
		trackerOpts = append(trackerOpts, WithTrackerObserver(bc.Observer))
	}
	tracker := NewOperationTracker(trackerOpts...)

	persister := NewPersister(snapshots, cfg.GetSnapshotKey(),
		WithPersisterLogger(logger),
		WithPersisterCredentials(credentials),
		WithTokenInspector(bc.Inspector),
		WithPersisterClock(clock),
	)

	initial := persister.Rehydrate(ctx)
	if initial.IsAuthenticated {
		logger.Info("session restored for %s", userEmail(initial.User))
	}

	machine := NewSessionMachine(api,
		WithMachineConfig(cfg),
		WithMachineLogger(logger),
		WithMachineClock(clock),
		WithMachineActivitySink(bc.ActivitySink),
		WithCredentialStore(credentials),
		WithTracker(tracker),
		WithPersister(persister),
		WithInitialState(initial),
	)

	if err := persister.Snapshot(ctx, machine.State()); err != nil {
		logger.Warn("boot: writing initial snapshot failed: %v", err)
	}

	return &Client{
		Machine:     machine,
		Tracker:     tracker,
		Credentials: credentials,
		Persister:   persister,
	}
}

func userEmail(u *User) string {
	if u == nil {
		return ""
	}
	return u.Email
}
