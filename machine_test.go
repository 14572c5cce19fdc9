package authclient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type machineFixture struct {
	api       *MockAuthAPI
	machine   *authclient.SessionMachine
	durable   *authclient.MemoryChannel
	ephemeral *authclient.MemoryChannel
	creds     *authclient.CredentialStore
	logger    *captureLogger
	events    *eventRecorder
}

type eventRecorder struct {
	mu     sync.Mutex
	events []authclient.ActivityEvent
}

func (r *eventRecorder) Record(_ context.Context, event authclient.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []authclient.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]authclient.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func newMachineFixture(t *testing.T, opts ...authclient.MachineOption) *machineFixture {
	t.Helper()
	f := &machineFixture{
		api:       &MockAuthAPI{},
		durable:   authclient.NewMemoryChannel(),
		ephemeral: authclient.NewMemoryChannel(),
		logger:    newCaptureLogger(),
		events:    &eventRecorder{},
	}
	f.creds = authclient.NewCredentialStore(f.durable, f.ephemeral, authclient.WithCredentialLogger(f.logger))

	base := []authclient.MachineOption{
		authclient.WithCredentialStore(f.creds),
		authclient.WithMachineLogger(f.logger),
		authclient.WithMachineActivitySink(f.events),
	}
	f.machine = authclient.NewSessionMachine(f.api, append(base, opts...)...)
	return f
}

func (f *machineFixture) channelToken(ch *authclient.MemoryChannel) string {
	v, _, _ := ch.Get(context.Background(), authclient.DefaultTokenKey)
	return v
}

func (f *machineFixture) enterOTP(t *testing.T, email string, rememberMe bool) {
	t.Helper()
	f.api.On("Login", mock.Anything, email, "pw").
		Return(&authclient.LoginResponse{RequiresOTP: true}, nil).Once()
	require.NoError(t, f.machine.SubmitLogin(context.Background(), email, "pw", rememberMe))
	require.Equal(t, authclient.PhaseAwaitingOTP, f.machine.State().Phase)
}

func TestSubmitLoginDirectTokenUsesChannelChosenByRememberMe(t *testing.T) {
	cases := []struct {
		name       string
		rememberMe bool
		holder     authclient.ChannelKind
	}{
		{"remember me", true, authclient.ChannelDurable},
		{"session only", false, authclient.ChannelEphemeral},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newMachineFixture(t)
			ctx := context.Background()
			f.api.On("Login", mock.Anything, "root@example.com", "pw").
				Return(&authclient.LoginResponse{Token: "tok-admin", User: adminUser()}, nil)

			require.NoError(t, f.machine.SubmitLogin(ctx, "root@example.com", "pw", tc.rememberMe))

			s := f.machine.State()
			assert.True(t, s.IsAuthenticated)
			assert.Equal(t, authclient.PhaseAuthenticated, s.Phase)
			assert.Equal(t, "tok-admin", s.Token)
			assert.Equal(t, "admin-1", s.User.ID)
			assert.False(t, s.Loading)
			assert.Nil(t, s.Error)

			assert.Equal(t, tc.holder, f.creds.Holder(ctx))
			if tc.rememberMe {
				assert.Equal(t, "tok-admin", f.channelToken(f.durable))
				assert.Empty(t, f.channelToken(f.ephemeral))
				email, ok := f.machine.RememberedEmail(ctx)
				assert.True(t, ok)
				assert.Equal(t, "root@example.com", email)
			} else {
				assert.Equal(t, "tok-admin", f.channelToken(f.ephemeral))
				assert.Empty(t, f.channelToken(f.durable))
				_, ok := f.machine.RememberedEmail(ctx)
				assert.False(t, ok)
			}

			assert.Equal(t, []authclient.ActivityEventType{authclient.ActivityEventLoginSuccess}, f.events.types())
			assert.False(t, f.machine.Tracker().IsBusy())
		})
	}
}

func TestSubmitLoginRequiresOTP(t *testing.T) {
	f := newMachineFixture(t)
	f.enterOTP(t, "ana@example.com", true)

	s := f.machine.State()
	email, ok := s.AwaitingOTP()
	assert.True(t, ok)
	assert.Equal(t, "ana@example.com", email)
	assert.False(t, s.IsAuthenticated)
	assert.Empty(t, s.Token)
	assert.Empty(t, f.channelToken(f.durable))
	assert.Empty(t, f.channelToken(f.ephemeral))
	assert.Equal(t, "ana@example.com", f.machine.View().OTPEmail)
	assert.Equal(t, []authclient.ActivityEventType{authclient.ActivityEventOTPRequired}, f.events.types())
}

func TestSubmitLoginFailureKeepsServerCodeVerbatim(t *testing.T) {
	codes := []string{
		string(authclient.CredentialUserNotFound),
		string(authclient.CredentialInvalidCredentials),
		"TENANT_SUSPENDED",
	}

	for _, code := range codes {
		t.Run(code, func(t *testing.T) {
			f := newMachineFixture(t)
			f.api.On("Login", mock.Anything, "ana@example.com", "pw").
				Return(nil, authclient.NewAPIError("rejected by server", code))

			err := f.machine.SubmitLogin(context.Background(), "ana@example.com", "pw", false)
			require.Error(t, err)
			assert.True(t, errors.Is(err, authclient.ErrCredentials))

			s := f.machine.State()
			assert.Equal(t, authclient.PhaseAnonymous, s.Phase)
			assert.False(t, s.IsAuthenticated)
			require.NotNil(t, s.Error)
			assert.Equal(t, authclient.ErrorKindCredential, s.Error.Kind)
			assert.Equal(t, code, s.Error.Code)
			assert.Equal(t, authclient.CredentialCode(code), s.Error.CredentialCode())
			assert.Equal(t, "rejected by server", s.Error.Message)
			assert.Empty(t, s.Error.ChallengeCode())
		})
	}
}

func TestSubmitLoginTransportFailures(t *testing.T) {
	t.Run("collaborator error", func(t *testing.T) {
		f := newMachineFixture(t)
		f.api.On("Login", mock.Anything, "ana@example.com", "pw").
			Return(nil, errors.New("dial tcp: connection refused"))

		err := f.machine.SubmitLogin(context.Background(), "ana@example.com", "pw", false)
		assert.True(t, errors.Is(err, authclient.ErrTransport))
		require.NotNil(t, f.machine.State().Error)
		assert.Equal(t, authclient.ErrorKindTransport, f.machine.State().Error.Kind)
		assert.True(t, f.machine.State().Error.Recoverable)
	})

	t.Run("neither token nor otp", func(t *testing.T) {
		f := newMachineFixture(t)
		f.api.On("Login", mock.Anything, "ana@example.com", "pw").
			Return(&authclient.LoginResponse{}, nil)

		err := f.machine.SubmitLogin(context.Background(), "ana@example.com", "pw", false)
		assert.True(t, errors.Is(err, authclient.ErrTransport))
		assert.False(t, f.machine.State().IsAuthenticated)
		assert.Empty(t, f.channelToken(f.durable))
		assert.Empty(t, f.channelToken(f.ephemeral))
	})

	t.Run("timeout", func(t *testing.T) {
		f := newMachineFixture(t, authclient.WithMachineConfig(authclient.Options{RequestTimeout: 20 * time.Millisecond}))
		f.api.On("Login", mock.Anything, "ana@example.com", "pw").
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.DeadlineExceeded)

		err := f.machine.SubmitLogin(context.Background(), "ana@example.com", "pw", false)
		assert.True(t, errors.Is(err, authclient.ErrTransport))
		assert.Equal(t, "request timed out", f.machine.State().Error.Message)
		assert.False(t, f.machine.Tracker().IsBusy())
	})
}

func TestSubmitLoginValidationNeverReachesNetwork(t *testing.T) {
	f := newMachineFixture(t)

	err := f.machine.SubmitLogin(context.Background(), "not-an-email", "", false)
	require.Error(t, err)
	assert.True(t, authclient.IsValidationError(err))
	assert.True(t, authclient.HasTextCode(err, authclient.TextCodeValidation))

	f.api.AssertNotCalled(t, "Login", mock.Anything, mock.Anything, mock.Anything)
	assert.Nil(t, f.machine.State().Error)
	assert.False(t, f.machine.State().Loading)
}

func TestSubmitLoginRejectedWhenAuthenticated(t *testing.T) {
	f := newMachineFixture(t, authclient.WithInitialState(authclient.State{
		Token:           "tok",
		User:            regularUser(),
		IsAuthenticated: true,
	}))

	err := f.machine.SubmitLogin(context.Background(), "ana@example.com", "pw", false)
	assert.True(t, authclient.HasTextCode(err, authclient.TextCodeInvalidTransition))
	f.api.AssertNotCalled(t, "Login", mock.Anything, mock.Anything, mock.Anything)
}

func TestOTPFlowWithRememberMeStoresDurableToken(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	f.api.On("Login", mock.Anything, "a@x.com", "pw").
		Return(&authclient.LoginResponse{RequiresOTP: true}, nil)
	f.api.On("VerifyOTP", mock.Anything, "a@x.com", "123456").
		Return(&authclient.OTPResponse{Token: "tok-otp", User: regularUser()}, nil)

	require.NoError(t, f.machine.SubmitLogin(ctx, "a@x.com", "pw", true))
	require.NoError(t, f.machine.SubmitOTP(ctx, "123456"))

	assert.Equal(t, "tok-otp", f.channelToken(f.durable))
	assert.Empty(t, f.channelToken(f.ephemeral))

	s := f.machine.State()
	assert.True(t, s.IsAuthenticated)
	assert.Nil(t, s.Challenge)
	assert.Equal(t, []authclient.ActivityEventType{
		authclient.ActivityEventOTPRequired,
		authclient.ActivityEventOTPVerified,
	}, f.events.types())
	f.api.AssertExpectations(t)
}

func TestOTPFlowWithoutRememberMeStoresEphemeralToken(t *testing.T) {
	f := newMachineFixture(t)
	f.enterOTP(t, "ana@example.com", false)
	f.api.On("VerifyOTP", mock.Anything, "ana@example.com", "654321").
		Return(&authclient.OTPResponse{Token: "tok-otp"}, nil)

	require.NoError(t, f.machine.SubmitOTP(context.Background(), "654321"))

	assert.Empty(t, f.channelToken(f.durable))
	assert.Equal(t, "tok-otp", f.channelToken(f.ephemeral))
}

func TestSubmitOTPMalformedCodeIsLocal(t *testing.T) {
	codes := []string{"12a456", "12345", "1234567", "", " 123456", "１２３４５６"}

	for _, code := range codes {
		t.Run(code, func(t *testing.T) {
			f := newMachineFixture(t)
			f.enterOTP(t, "ana@example.com", false)

			var seen []authclient.TrackerEvent
			unsubscribe := f.machine.Tracker().Subscribe(func(e authclient.TrackerEvent) {
				seen = append(seen, e)
			})
			defer unsubscribe()

			err := f.machine.SubmitOTP(context.Background(), code)
			require.Error(t, err)
			assert.True(t, authclient.IsValidationError(err))

			f.api.AssertNotCalled(t, "VerifyOTP", mock.Anything, mock.Anything, mock.Anything)
			assert.Empty(t, seen)
			assert.Empty(t, f.machine.Tracker().Operations())

			s := f.machine.State()
			assert.Equal(t, authclient.PhaseAwaitingOTP, s.Phase)
			assert.Nil(t, s.Error)
		})
	}
}

func TestSubmitOTPRecoverableFailureAllowsRetry(t *testing.T) {
	for _, code := range []authclient.ChallengeCode{authclient.ChallengeInvalidOTP, authclient.ChallengeOTPExpired} {
		t.Run(string(code), func(t *testing.T) {
			f := newMachineFixture(t)
			ctx := context.Background()
			f.enterOTP(t, "ana@example.com", true)

			f.api.On("VerifyOTP", mock.Anything, "ana@example.com", "111111").
				Return(nil, authclient.NewAPIError("code rejected", string(code))).Once()

			err := f.machine.SubmitOTP(ctx, "111111")
			require.Error(t, err)
			assert.True(t, errors.Is(err, authclient.ErrChallenge))

			s := f.machine.State()
			assert.Equal(t, authclient.PhaseAwaitingOTP, s.Phase)
			require.NotNil(t, s.Error)
			assert.True(t, s.Error.Recoverable)
			assert.Equal(t, code, s.Error.ChallengeCode())

			f.api.On("VerifyOTP", mock.Anything, "ana@example.com", "222222").
				Return(&authclient.OTPResponse{Token: "tok"}, nil).Once()
			require.NoError(t, f.machine.SubmitOTP(ctx, "222222"))
			assert.True(t, f.machine.State().IsAuthenticated)
			assert.Nil(t, f.machine.State().Error)
		})
	}
}

func TestSubmitOTPOtherFailureIsFatal(t *testing.T) {
	f := newMachineFixture(t)
	f.enterOTP(t, "ana@example.com", false)
	f.api.On("VerifyOTP", mock.Anything, "ana@example.com", "111111").
		Return(nil, authclient.NewAPIError("too many attempts", "CHALLENGE_LOCKED"))

	err := f.machine.SubmitOTP(context.Background(), "111111")
	require.Error(t, err)

	s := f.machine.State()
	assert.Equal(t, authclient.PhaseAwaitingOTP, s.Phase)
	require.NotNil(t, s.Error)
	assert.False(t, s.Error.Recoverable)
	assert.Equal(t, authclient.ErrorKindCredential, s.Error.Kind)
	assert.Equal(t, "CHALLENGE_LOCKED", s.Error.Code)
	assert.Empty(t, s.Error.ChallengeCode())
}

func TestSubmitOTPWithoutChallenge(t *testing.T) {
	f := newMachineFixture(t)

	err := f.machine.SubmitOTP(context.Background(), "123456")
	assert.True(t, authclient.HasTextCode(err, authclient.TextCodeNoPendingChallenge))
	f.api.AssertNotCalled(t, "VerifyOTP", mock.Anything, mock.Anything, mock.Anything)
}

func TestCancelOTPRestoresPriorState(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	before := f.machine.State()

	f.enterOTP(t, "ana@example.com", true)
	f.api.On("VerifyOTP", mock.Anything, "ana@example.com", "111111").
		Return(nil, authclient.NewAPIError("bad", string(authclient.ChallengeInvalidOTP)))
	require.Error(t, f.machine.SubmitOTP(ctx, "111111"))

	require.NoError(t, f.machine.CancelOTP(ctx))
	assert.Equal(t, before, f.machine.State())
	assert.Contains(t, f.events.types(), authclient.ActivityEventOTPCancelled)

	err := f.machine.CancelOTP(ctx)
	assert.True(t, authclient.HasTextCode(err, authclient.TextCodeInvalidTransition))
}

func TestCancelOTPKeepsTokenHeldBeforeLogin(t *testing.T) {
	f := newMachineFixture(t, authclient.WithInitialState(authclient.State{Token: "tok"}))
	ctx := context.Background()
	require.NoError(t, f.durable.Set(ctx, authclient.DefaultTokenKey, "tok"))
	before := f.machine.State()

	f.enterOTP(t, "ana@example.com", false)
	s := f.machine.State()
	assert.Equal(t, "tok", s.Token, "an otp challenge does not touch the held token")
	assert.False(t, s.IsAuthenticated)
	assert.Equal(t, "tok", f.channelToken(f.durable))

	require.NoError(t, f.machine.CancelOTP(ctx))
	assert.Equal(t, before, f.machine.State())
	assert.Equal(t, "tok", f.channelToken(f.durable))

	f.api.On("Login", mock.Anything, "ana@example.com", "bad").
		Return(nil, authclient.NewAPIError("nope", string(authclient.CredentialInvalidCredentials))).Once()
	require.Error(t, f.machine.SubmitLogin(ctx, "ana@example.com", "bad", false))
	assert.Equal(t, "tok", f.machine.State().Token, "a rejected login keeps it too")
}

func TestFetchCurrentUserResolvesRehydratedSession(t *testing.T) {
	f := newMachineFixture(t, authclient.WithInitialState(authclient.State{Token: "tok"}))
	f.api.On("FetchCurrentUser", mock.Anything, "tok").Return(regularUser(), nil)

	require.NoError(t, f.machine.FetchCurrentUser(context.Background()))

	s := f.machine.State()
	assert.True(t, s.IsAuthenticated)
	assert.Equal(t, authclient.PhaseAuthenticated, s.Phase)
	assert.Equal(t, "user-1", s.User.ID)
}

func TestFetchCurrentUserFailureInvalidatesSession(t *testing.T) {
	cases := []struct {
		name    string
		initial authclient.State
		result  *authclient.User
		err     error
	}{
		{"unauthorized after rehydrate", authclient.State{Token: "tok"}, nil, authclient.ErrUnauthorized},
		{"transport failure when authenticated", authclient.State{Token: "tok", User: regularUser(), IsAuthenticated: true}, nil, errors.New("timeout")},
		{"empty user", authclient.State{Token: "tok", User: regularUser(), IsAuthenticated: true}, nil, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newMachineFixture(t, authclient.WithInitialState(tc.initial))
			ctx := context.Background()
			f.creds.Save(ctx, "tok", true)
			f.api.On("FetchCurrentUser", mock.Anything, "tok").Return(tc.result, tc.err)

			err := f.machine.FetchCurrentUser(ctx)
			require.Error(t, err)
			assert.True(t, errors.Is(err, authclient.ErrIdentityUnresolved))

			s := f.machine.State()
			assert.False(t, s.IsAuthenticated)
			assert.Nil(t, s.User)
			assert.Empty(t, s.Token)
			assert.Equal(t, authclient.PhaseAnonymous, s.Phase)
			require.NotNil(t, s.Error)
			assert.Equal(t, authclient.ErrorKindIdentity, s.Error.Kind)
			assert.Empty(t, f.channelToken(f.durable))
			assert.Empty(t, f.channelToken(f.ephemeral))
			assert.Equal(t, authclient.ChannelNone, f.creds.Holder(ctx))
		})
	}
}

func TestFetchCurrentUserWithoutToken(t *testing.T) {
	f := newMachineFixture(t)

	err := f.machine.FetchCurrentUser(context.Background())
	assert.True(t, authclient.HasTextCode(err, authclient.TextCodeNoSession))
	f.api.AssertNotCalled(t, "FetchCurrentUser", mock.Anything, mock.Anything)
}

func TestLogoutResetsLocallyAndNotifiesInBackground(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	f.api.On("Login", mock.Anything, "root@example.com", "pw").
		Return(&authclient.LoginResponse{Token: "tok-admin", User: adminUser()}, nil)
	f.api.On("LogoutNotify", mock.Anything, "tok-admin").Return(errors.New("server down"))

	var names []string
	var mu sync.Mutex
	f.machine.Tracker().Subscribe(func(e authclient.TrackerEvent) {
		mu.Lock()
		names = append(names, e.Name)
		mu.Unlock()
	})

	require.NoError(t, f.machine.SubmitLogin(ctx, "root@example.com", "pw", true))
	f.machine.Logout(ctx)

	s := f.machine.State()
	assert.Equal(t, authclient.AnonymousState(), s)
	assert.Empty(t, f.channelToken(f.durable))
	assert.Empty(t, f.channelToken(f.ephemeral))
	_, ok := f.machine.RememberedEmail(ctx)
	assert.False(t, ok)

	f.machine.Wait()
	f.api.AssertCalled(t, "LogoutNotify", mock.Anything, "tok-admin")
	assert.False(t, f.machine.Tracker().IsBusy())
	assert.GreaterOrEqual(t, f.logger.count("warn"), 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, names, "auth/logout")
}

func TestLogoutWhenAnonymousSkipsServer(t *testing.T) {
	f := newMachineFixture(t)
	f.machine.Logout(context.Background())
	f.machine.Wait()

	f.api.AssertNotCalled(t, "LogoutNotify", mock.Anything, mock.Anything)
	assert.Equal(t, authclient.AnonymousState(), f.machine.State())
}

// blockingLogin makes Login wait until release is closed
func blockingLogin(f *machineFixture, resp *authclient.LoginResponse) (started, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	f.api.On("Login", mock.Anything, "ana@example.com", "pw").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(resp, nil).Once()
	return started, release
}

func TestSecondLoginWhileInFlightIsRejected(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	started, release := blockingLogin(f, &authclient.LoginResponse{RequiresOTP: true})

	done := make(chan error, 1)
	go func() { done <- f.machine.SubmitLogin(ctx, "ana@example.com", "pw", false) }()
	<-started

	v := f.machine.View()
	assert.True(t, v.Loading)
	assert.True(t, v.Busy)
	assert.True(t, f.machine.Tracker().InFlight(f.machine.OperationName(authclient.ActionLogin)))

	err := f.machine.SubmitLogin(ctx, "ana@example.com", "pw", false)
	assert.True(t, authclient.HasTextCode(err, authclient.TextCodeSessionBusy))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, authclient.PhaseAwaitingOTP, f.machine.State().Phase)
	assert.False(t, f.machine.View().Busy)
	f.api.AssertNumberOfCalls(t, "Login", 1)
}

func TestLogoutSupersedesInFlightLogin(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	started, release := blockingLogin(f, &authclient.LoginResponse{Token: "late-token", User: adminUser()})

	done := make(chan error, 1)
	go func() { done <- f.machine.SubmitLogin(ctx, "ana@example.com", "pw", true) }()
	<-started

	f.machine.Logout(ctx)
	close(release)

	err := <-done
	assert.True(t, authclient.HasTextCode(err, authclient.TextCodeSuperseded))

	s := f.machine.State()
	assert.False(t, s.IsAuthenticated)
	assert.Empty(t, s.Token)
	assert.False(t, s.Loading)
	assert.Empty(t, f.channelToken(f.durable))
	assert.Empty(t, f.channelToken(f.ephemeral))
	assert.False(t, f.machine.Tracker().IsBusy())
}

func TestRetryAfterLogoutWaitsForSupersededLogin(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()
	name := f.machine.OperationName(authclient.ActionLogin)
	firstStarted, firstRelease := blockingLogin(f, &authclient.LoginResponse{Token: "late-token", User: adminUser()})

	firstDone := make(chan error, 1)
	go func() { firstDone <- f.machine.SubmitLogin(ctx, "ana@example.com", "pw", true) }()
	<-firstStarted

	f.machine.Logout(ctx)

	err := f.machine.SubmitLogin(ctx, "ana@example.com", "pw", true)
	assert.True(t, authclient.HasTextCode(err, authclient.TextCodeSessionBusy), "superseded login still owns the slot")
	assert.True(t, f.machine.Tracker().InFlight(name))

	close(firstRelease)
	assert.True(t, authclient.HasTextCode(<-firstDone, authclient.TextCodeSuperseded))
	assert.False(t, f.machine.Tracker().IsBusy())

	secondStarted, secondRelease := blockingLogin(f, &authclient.LoginResponse{RequiresOTP: true})
	secondDone := make(chan error, 1)
	go func() { secondDone <- f.machine.SubmitLogin(ctx, "ana@example.com", "pw", false) }()
	<-secondStarted

	v := f.machine.View()
	assert.True(t, v.Loading)
	assert.True(t, v.Busy)
	assert.True(t, f.machine.Tracker().InFlight(name))

	close(secondRelease)
	require.NoError(t, <-secondDone)
	assert.Equal(t, authclient.PhaseAwaitingOTP, f.machine.State().Phase)
	assert.False(t, f.machine.Tracker().IsBusy())
	f.api.AssertNumberOfCalls(t, "Login", 2)
}

func TestAuthorizedCallsShareOperationName(t *testing.T) {
	f := newMachineFixture(t, authclient.WithInitialState(authclient.State{Token: "tok"}))
	ctx := context.Background()
	tr := f.machine.Tracker()

	run := func(entered, leave chan struct{}) chan error {
		done := make(chan error, 1)
		go func() {
			done <- f.machine.Authorized(ctx, "tenants/list", func(context.Context, string) error {
				close(entered)
				<-leave
				return nil
			})
		}()
		return done
	}

	firstIn, firstOut := make(chan struct{}), make(chan struct{})
	secondIn, secondOut := make(chan struct{}), make(chan struct{})

	first := run(firstIn, firstOut)
	<-firstIn
	second := run(secondIn, secondOut)
	<-secondIn

	close(firstOut)
	require.NoError(t, <-first)
	assert.True(t, tr.InFlight("tenants/list"), "name is held until the last caller returns")
	assert.True(t, tr.IsBusy())

	close(secondOut)
	require.NoError(t, <-second)
	assert.False(t, tr.IsBusy())
}

func TestSnapshotsFollowCompletedTransitionsOnly(t *testing.T) {
	store := authclient.NewMemoryChannel()
	p := authclient.NewPersister(store, "", authclient.WithPersisterLogger(newCaptureLogger()))
	f := newMachineFixture(t, authclient.WithPersister(p))
	ctx := context.Background()

	started, release := blockingLogin(f, &authclient.LoginResponse{Token: "tok-admin", User: adminUser()})
	done := make(chan error, 1)
	go func() { done <- f.machine.SubmitLogin(ctx, "ana@example.com", "pw", false) }()
	<-started

	_, found, _ := store.Get(ctx, authclient.DefaultSnapshotKey)
	assert.False(t, found, "nothing is persisted while loading")

	close(release)
	require.NoError(t, <-done)

	raw, found, err := store.Get(ctx, authclient.DefaultSnapshotKey)
	require.NoError(t, err)
	require.True(t, found)
	snap, err := authclient.DecodeSnapshot([]byte(raw))
	require.NoError(t, err)
	assert.True(t, snap.IsAuthenticated)
	assert.Equal(t, "tok-admin", snap.Token)
	assert.Equal(t, "admin-1", snap.User.ID)

	f.machine.Logout(ctx)
	raw, _, _ = store.Get(ctx, authclient.DefaultSnapshotKey)
	snap, err = authclient.DecodeSnapshot([]byte(raw))
	require.NoError(t, err)
	assert.False(t, snap.IsAuthenticated)
	assert.Empty(t, snap.Token)
	assert.Nil(t, snap.User)
}

func TestAuthorizedInvalidatesOnUnauthorized(t *testing.T) {
	f := newMachineFixture(t, authclient.WithInitialState(authclient.State{
		Token:           "tok",
		User:            regularUser(),
		IsAuthenticated: true,
	}))
	ctx := context.Background()
	f.creds.Save(ctx, "tok", false)

	err := f.machine.Authorized(ctx, "tenants/list", func(_ context.Context, token string) error {
		assert.Equal(t, "tok", token)
		return errors.New("temporary")
	})
	require.Error(t, err)
	assert.True(t, f.machine.State().IsAuthenticated, "non auth failures keep the session")

	err = f.machine.Authorized(ctx, "tenants/list", func(context.Context, string) error {
		return authclient.ErrUnauthorized
	})
	require.Error(t, err)

	s := f.machine.State()
	assert.False(t, s.IsAuthenticated)
	assert.Empty(t, s.Token)
	require.NotNil(t, s.Error)
	assert.Equal(t, authclient.ErrorKindIdentity, s.Error.Kind)
	assert.Equal(t, authclient.ChannelNone, f.creds.Holder(ctx))
	assert.Contains(t, f.events.types(), authclient.ActivityEventInvalidated)

	err = f.machine.Authorized(ctx, "tenants/list", func(context.Context, string) error { return nil })
	assert.True(t, authclient.HasTextCode(err, authclient.TextCodeNoSession))
}

func TestClearError(t *testing.T) {
	f := newMachineFixture(t)
	f.api.On("Login", mock.Anything, "ana@example.com", "pw").
		Return(nil, authclient.NewAPIError("nope", string(authclient.CredentialInvalidCredentials)))

	require.Error(t, f.machine.SubmitLogin(context.Background(), "ana@example.com", "pw", false))
	require.NotNil(t, f.machine.State().Error)

	f.machine.ClearError()
	assert.Nil(t, f.machine.State().Error)
}

func TestSubscribeReceivesCopies(t *testing.T) {
	f := newMachineFixture(t)
	f.api.On("Login", mock.Anything, "root@example.com", "pw").
		Return(&authclient.LoginResponse{Token: "tok", User: adminUser()}, nil)

	var phases []authclient.Phase
	var loading []bool
	unsubscribe := f.machine.Subscribe(func(s authclient.State) {
		phases = append(phases, s.Phase)
		loading = append(loading, s.Loading)
		if s.User != nil {
			s.User.Email = "mutated@example.com"
		}
	})

	require.NoError(t, f.machine.SubmitLogin(context.Background(), "root@example.com", "pw", false))
	assert.Equal(t, []authclient.Phase{authclient.PhaseAnonymous, authclient.PhaseAuthenticated}, phases)
	assert.Equal(t, []bool{true, false}, loading)
	assert.Equal(t, "root@example.com", f.machine.State().User.Email)

	unsubscribe()
	f.api.On("LogoutNotify", mock.Anything, "tok").Return(nil)
	f.machine.Logout(context.Background())
	f.machine.Wait()
	assert.Len(t, phases, 2)
}

func TestInitialStateIsSanitized(t *testing.T) {
	f := newMachineFixture(t, authclient.WithInitialState(authclient.State{
		Phase:           authclient.PhaseAuthenticated,
		IsAuthenticated: true,
		User:            regularUser(),
		Loading:         true,
	}))

	assert.Equal(t, authclient.AnonymousState(), f.machine.State())
}
