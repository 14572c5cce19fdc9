package authclient

import (
	"context"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/google/uuid"
)

// Action names a session transition
type Action string

const (
	ActionLogin     Action = "login"
	ActionVerifyOTP Action = "verifyOtp"
	ActionCancelOTP Action = "cancelOtp"
	ActionFetchUser Action = "fetchCurrentUser"
	ActionLogout    Action = "logout"
)

// MachineOption customizes session machine construction.
type MachineOption func(*SessionMachine)

// WithMachineClock injects a custom clock (useful for tests).
func WithMachineClock(clock func() time.Time) MachineOption {
	return func(m *SessionMachine) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithMachineLogger overrides the logger.
func WithMachineLogger(logger Logger) MachineOption {
	return func(m *SessionMachine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMachineActivitySink sets the ActivitySink used to publish session events.
func WithMachineActivitySink(sink ActivitySink) MachineOption {
	return func(m *SessionMachine) {
		m.activitySink = normalizeActivitySink(sink)
	}
}

// WithMachineConfig sets timeouts and operation naming.
func WithMachineConfig(cfg Config) MachineOption {
	return func(m *SessionMachine) {
		m.cfg = normalizeConfig(cfg)
	}
}

// WithCredentialStore sets the channel pair the machine writes tokens to.
func WithCredentialStore(cs *CredentialStore) MachineOption {
	return func(m *SessionMachine) {
		if cs != nil {
			m.credentials = cs
		}
	}
}

// WithTracker shares an OperationTracker with the rest of the client.
func WithTracker(t *OperationTracker) MachineOption {
	return func(m *SessionMachine) {
		if t != nil {
			m.tracker = t
		}
	}
}

// WithPersister enables snapshots after every completed transition.
func WithPersister(p *Persister) MachineOption {
	return func(m *SessionMachine) {
		m.persister = p
	}
}

// WithInitialState starts the machine from a rehydrated state. Loading,
// errors and pending challenges are not restored.
func WithInitialState(s State) MachineOption {
	return func(m *SessionMachine) {
		m.state = sanitizeInitialState(s)
	}
}

// SessionMachine owns the session and is its only writer. Every mutation
// goes through one of its actions; consumers read copies via State, View
// or Subscribe.
//
// At most one network bound action (login, OTP verification, user fetch)
// runs at a time, a second one gets ErrSessionBusy. CancelOTP, Logout and
// Invalidate are local and always run; they discard the result of whatever
// was in flight. The slot stays claimed until that call returns, so a retry
// started in between also gets ErrSessionBusy.
type SessionMachine struct {
	api          AuthAPI
	credentials  *CredentialStore
	tracker      *OperationTracker
	persister    *Persister
	cfg          Config
	logger       Logger
	activitySink ActivitySink
	now          func() time.Time
	transitions  map[Phase]map[Action]struct{}

	mu       sync.Mutex
	state    State
	inflight bool
	epoch    uint64
	subs     map[int]func(State)
	nextSub  int

	sharedMu sync.Mutex
	shared   map[string]int

	background sync.WaitGroup
}

// NewSessionMachine returns a machine in the anonymous state unless
// WithInitialState is given.
func NewSessionMachine(api AuthAPI, opts ...MachineOption) *SessionMachine {
	m := &SessionMachine{
		api:          api,
		cfg:          DefaultConfig(),
		logger:       defLogger{},
		activitySink: noopActivitySink{},
		now:          time.Now,
		state:        AnonymousState(),
		subs:         map[int]func(State){},
		shared:       map[string]int{},
		transitions: map[Phase]map[Action]struct{}{
			PhaseAnonymous: {
				ActionLogin:     {},
				ActionFetchUser: {},
				ActionLogout:    {},
			},
			PhaseAwaitingOTP: {
				ActionLogin:     {},
				ActionVerifyOTP: {},
				ActionCancelOTP: {},
				ActionLogout:    {},
			},
			PhaseAuthenticated: {
				ActionFetchUser: {},
				ActionLogout:    {},
			},
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if m.credentials == nil {
		m.credentials = NewCredentialStore(nil, nil, WithCredentialLogger(m.logger))
	}
	if m.tracker == nil {
		m.tracker = NewOperationTracker()
	}

	return m
}

// State returns a copy of the current session
func (m *SessionMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// View returns the read-only projection used by the presentation layer
func (m *SessionMachine) View() View {
	s := m.State()
	return newView(s, m.tracker.IsBusy())
}

// Tracker returns the operation tracker shared by the machine
func (m *SessionMachine) Tracker() *OperationTracker {
	return m.tracker
}

// Credentials returns the credential store
func (m *SessionMachine) Credentials() *CredentialStore {
	return m.credentials
}

// RememberedEmail returns the email of the last remembered login
func (m *SessionMachine) RememberedEmail(ctx context.Context) (string, bool) {
	return m.credentials.RememberedEmail(ctx)
}

// Subscribe registers fn for state changes. The returned function removes
// the subscription.
func (m *SessionMachine) Subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Wait blocks until background work (logout notifications) is done.
func (m *SessionMachine) Wait() {
	m.background.Wait()
}

// OperationName returns the tracker key used for action
func (m *SessionMachine) OperationName(action Action) string {
	return m.cfg.GetOperationPrefix() + "/" + string(action)
}

// SubmitLogin sends credentials. Admin accounts are authenticated directly
// and the token lands in the durable channel when rememberMe is set, the
// ephemeral one otherwise. Other accounts move to the OTP challenge.
func (m *SessionMachine) SubmitLogin(ctx context.Context, email, password string, rememberMe bool) error {
	if err := validateLogin(LoginInput{Email: email, Password: password, RememberMe: rememberMe}); err != nil {
		return err
	}

	epoch, before, err := m.begin(ActionLogin)
	if err != nil {
		return err
	}

	var resp *LoginResponse
	callErr := m.track(ctx, ActionLogin, func(ctx context.Context) error {
		var err error
		resp, err = m.api.Login(ctx, email, password)
		if err == nil && (resp == nil || (!resp.RequiresOTP && resp.Token == "")) {
			err = ErrMalformedResponse
		}
		return err
	})

	if callErr != nil {
		serr := classifyLoginError(callErr)
		m.logger.Warn("login rejected: kind=%s code=%s details=%s", serr.Kind, serr.Code, errorDetails(callErr))
		if !m.finish(ctx, epoch, func(s *State) {
			s.Phase = PhaseAnonymous
			s.Challenge = nil
			s.Error = serr
		}) {
			return ErrSuperseded
		}
		m.recordActivity(ctx, ActivityEventLoginFailure, before.Phase, PhaseAnonymous, email, "", map[string]any{
			"code": serr.Code,
			"kind": string(serr.Kind),
		})
		return serr
	}

	if resp.RequiresOTP {
		challenge := newPendingOTPChallenge(email, rememberMe, m.now())
		if !m.finish(ctx, epoch, func(s *State) {
			s.Phase = PhaseAwaitingOTP
			s.Challenge = challenge
			s.IsAuthenticated = false
			s.Error = nil
		}) {
			return ErrSuperseded
		}
		m.logger.Debug("login requires otp challenge=%s", challenge.ID)
		m.recordActivity(ctx, ActivityEventOTPRequired, before.Phase, PhaseAwaitingOTP, email, "", map[string]any{
			"challenge_id": challenge.ID.String(),
		})
		return nil
	}

	if !m.finish(ctx, epoch, func(s *State) {
		m.authenticate(ctx, s, resp.Token, resp.User, email, rememberMe)
	}) {
		return ErrSuperseded
	}
	m.logger.Info("login succeeded without otp for %s", email)
	m.recordActivity(ctx, ActivityEventLoginSuccess, before.Phase, PhaseAuthenticated, email, userID(resp.User), map[string]any{
		"remember_me": rememberMe,
		"channel":     string(channelFor(rememberMe)),
	})
	return nil
}

// SubmitOTP verifies the one time code for the pending challenge. Codes
// that are not exactly six digits are rejected locally.
func (m *SessionMachine) SubmitOTP(ctx context.Context, code string) error {
	if err := ValidateOTPCode(code); err != nil {
		return err
	}

	epoch, before, err := m.begin(ActionVerifyOTP)
	if err != nil {
		return err
	}
	challenge := before.Challenge

	var resp *OTPResponse
	callErr := m.track(ctx, ActionVerifyOTP, func(ctx context.Context) error {
		var err error
		resp, err = m.api.VerifyOTP(ctx, challenge.Email, code)
		if err == nil && (resp == nil || resp.Token == "") {
			err = ErrMalformedResponse
		}
		return err
	})

	if callErr != nil {
		serr := classifyOTPError(callErr)
		m.logger.Warn("otp rejected: kind=%s code=%s recoverable=%t", serr.Kind, serr.Code, serr.Recoverable)
		if !m.finish(ctx, epoch, func(s *State) {
			s.Error = serr
		}) {
			return ErrSuperseded
		}
		m.recordActivity(ctx, ActivityEventOTPFailure, PhaseAwaitingOTP, PhaseAwaitingOTP, challenge.Email, "", map[string]any{
			"code":         serr.Code,
			"recoverable":  serr.Recoverable,
			"challenge_id": challenge.ID.String(),
		})
		return serr
	}

	if !m.finish(ctx, epoch, func(s *State) {
		m.authenticate(ctx, s, resp.Token, resp.User, challenge.Email, challenge.RememberMe)
	}) {
		return ErrSuperseded
	}
	m.logger.Info("otp verified for %s", challenge.Email)
	m.recordActivity(ctx, ActivityEventOTPVerified, PhaseAwaitingOTP, PhaseAuthenticated, challenge.Email, userID(resp.User), map[string]any{
		"remember_me":  challenge.RememberMe,
		"channel":      string(channelFor(challenge.RememberMe)),
		"challenge_id": challenge.ID.String(),
	})
	return nil
}

// CancelOTP abandons the pending challenge and returns to the anonymous
// state the login started from; a token held before the login is kept. A
// verification already in flight is not cancelled, its result is discarded
// when it arrives.
func (m *SessionMachine) CancelOTP(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Phase != PhaseAwaitingOTP {
		phase := m.state.Phase
		m.mu.Unlock()
		return ErrInvalidTransition.Clone().WithMetadata(map[string]any{
			"from":   phase,
			"action": ActionCancelOTP,
		})
	}
	email, _ := m.state.AwaitingOTP()
	m.epoch++
	m.state.Phase = PhaseAnonymous
	m.state.Challenge = nil
	m.state.Error = nil
	m.state.Loading = false
	m.persistLocked(ctx)
	snapshot := m.state.clone()
	subs := m.subscribers()
	m.mu.Unlock()

	publishState(subs, snapshot)
	m.recordActivity(ctx, ActivityEventOTPCancelled, PhaseAwaitingOTP, PhaseAnonymous, email, "", nil)
	return nil
}

// FetchCurrentUser resolves the identity behind the held token. Any failure
// invalidates the session: both channels are cleared and the machine resets
// to anonymous.
func (m *SessionMachine) FetchCurrentUser(ctx context.Context) error {
	epoch, before, err := m.begin(ActionFetchUser)
	if err != nil {
		return err
	}

	var user *User
	callErr := m.track(ctx, ActionFetchUser, func(ctx context.Context) error {
		var err error
		user, err = m.api.FetchCurrentUser(ctx, before.Token)
		if err == nil && user == nil {
			err = ErrIdentityUnresolved
		}
		return err
	})

	if callErr != nil {
		serr := identityError(callErr)
		m.logger.Warn("current user unresolved, invalidating session: %v", callErr)
		if !m.finish(ctx, epoch, func(s *State) {
			m.credentials.Clear(storageContext(ctx))
			*s = AnonymousState()
			s.Error = serr
		}) {
			return ErrSuperseded
		}
		m.recordActivity(ctx, ActivityEventInvalidated, before.Phase, PhaseAnonymous, "", userID(before.User), map[string]any{
			"reason": serr.Message,
		})
		return serr
	}

	if !m.finish(ctx, epoch, func(s *State) {
		s.User = user.clone()
		s.IsAuthenticated = true
		s.Phase = PhaseAuthenticated
		s.Error = nil
	}) {
		return ErrSuperseded
	}
	m.recordActivity(ctx, ActivityEventIdentityResolved, before.Phase, PhaseAuthenticated, user.Email, user.ID, nil)
	return nil
}

// Logout clears the token from both channels, forgets the remembered email
// and resets to anonymous. The server is notified in the background; the
// local transition never waits for it.
func (m *SessionMachine) Logout(ctx context.Context) {
	m.mu.Lock()
	from := m.state.Phase
	token := m.state.Token
	uid := userID(m.state.User)
	m.credentials.ForgetEmail(storageContext(ctx))
	m.resetLocked(ctx, AnonymousState())
	snapshot := m.state.clone()
	subs := m.subscribers()
	m.mu.Unlock()

	publishState(subs, snapshot)
	m.recordActivity(ctx, ActivityEventLogout, from, PhaseAnonymous, "", uid, nil)

	if token == "" || m.api == nil {
		return
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.GetRequestTimeout())
		defer cancel()
		err := m.trackShared(nctx, m.OperationName(ActionLogout), func(ctx context.Context) error {
			return m.api.LogoutNotify(ctx, token)
		})
		if err != nil {
			m.logger.Warn("logout notification failed: %v", err)
		}
	}()
}

// ClearError drops the current error, if any
func (m *SessionMachine) ClearError() {
	m.mu.Lock()
	if m.state.Error == nil {
		m.mu.Unlock()
		return
	}
	m.state.Error = nil
	snapshot := m.state.clone()
	subs := m.subscribers()
	m.mu.Unlock()

	publishState(subs, snapshot)
}

// Invalidate runs the failure path of FetchCurrentUser: the token is
// dropped from both channels and the machine resets to anonymous.
// Collaborators call it when the server rejects the token.
func (m *SessionMachine) Invalidate(ctx context.Context, cause error) {
	m.invalidate(ctx, "", cause)
}

// Authorized runs fn with the current token, tracked under name. Concurrent
// calls may share a name; it stays in flight until the last one returns. When fn
// reports the token was rejected (see IsUnauthorized) the session is
// invalidated, provided it still holds the same token.
func (m *SessionMachine) Authorized(ctx context.Context, name string, fn func(ctx context.Context, token string) error) error {
	token := m.State().Token
	if token == "" {
		return ErrNoSession
	}

	err := m.trackShared(ctx, name, func(ctx context.Context) error {
		return fn(ctx, token)
	})
	if IsUnauthorized(err) {
		m.invalidate(ctx, token, err)
	}
	return err
}

func (m *SessionMachine) invalidate(ctx context.Context, onlyToken string, cause error) {
	m.mu.Lock()
	if onlyToken != "" && m.state.Token != onlyToken {
		m.mu.Unlock()
		return
	}
	from := m.state.Phase
	uid := userID(m.state.User)
	next := AnonymousState()
	next.Error = identityError(cause)
	m.resetLocked(ctx, next)
	snapshot := m.state.clone()
	subs := m.subscribers()
	m.mu.Unlock()

	m.logger.Warn("session invalidated: %v", cause)
	publishState(subs, snapshot)
	m.recordActivity(ctx, ActivityEventInvalidated, from, PhaseAnonymous, "", uid, map[string]any{
		"reason": next.Error.Message,
	})
}

// begin validates action against the current phase, claims the in-flight
// slot and flips Loading on.
func (m *SessionMachine) begin(action Action) (uint64, State, error) {
	m.mu.Lock()
	if m.inflight {
		m.mu.Unlock()
		return 0, State{}, ErrSessionBusy
	}

	if !m.canRun(m.state.Phase, action) {
		phase := m.state.Phase
		m.mu.Unlock()
		if action == ActionVerifyOTP {
			return 0, State{}, ErrNoPendingChallenge
		}
		return 0, State{}, ErrInvalidTransition.Clone().WithMetadata(map[string]any{
			"from":   phase,
			"action": action,
		})
	}

	switch action {
	case ActionVerifyOTP:
		if m.state.Challenge == nil {
			m.mu.Unlock()
			return 0, State{}, ErrNoPendingChallenge
		}
	case ActionFetchUser:
		if m.state.Token == "" {
			m.mu.Unlock()
			return 0, State{}, ErrNoSession
		}
	}

	before := m.state.clone()
	m.inflight = true
	m.state.Loading = true
	epoch := m.epoch
	snapshot := m.state.clone()
	subs := m.subscribers()
	m.mu.Unlock()

	m.logger.Debug("session %s started from %s", action, before.Phase)
	publishState(subs, snapshot)
	return epoch, before, nil
}

// finish applies the outcome of an in-flight action unless a reset happened
// in between. Credential writes in apply and the snapshot run under the
// lock so the persisted state is exactly the result of this transition.
func (m *SessionMachine) finish(ctx context.Context, epoch uint64, apply func(*State)) bool {
	m.mu.Lock()
	if epoch != m.epoch {
		m.inflight = false
		m.mu.Unlock()
		m.logger.Debug("discarding superseded session operation result")
		return false
	}

	m.inflight = false
	apply(&m.state)
	m.state.Loading = false
	m.persistLocked(ctx)
	snapshot := m.state.clone()
	subs := m.subscribers()
	m.mu.Unlock()

	publishState(subs, snapshot)
	return true
}

// resetLocked replaces the state, clears the token channels and bumps the
// epoch so any in-flight result is discarded. The in-flight slot is left to
// finish. Caller holds m.mu.
func (m *SessionMachine) resetLocked(ctx context.Context, next State) {
	m.epoch++
	m.credentials.Clear(storageContext(ctx))
	m.state = next
	m.persistLocked(ctx)
}

func (m *SessionMachine) persistLocked(ctx context.Context) {
	if m.persister == nil {
		return
	}
	if err := m.persister.Snapshot(storageContext(ctx), m.state); err != nil {
		m.logger.Warn("session snapshot failed: %v", err)
	}
}

// authenticate moves s to the authenticated state and stores the token in
// the channel selected by rememberMe. Caller holds m.mu.
func (m *SessionMachine) authenticate(ctx context.Context, s *State, token string, user *User, email string, rememberMe bool) {
	sctx := storageContext(ctx)
	m.credentials.Save(sctx, token, rememberMe)
	if rememberMe {
		m.credentials.RememberEmail(sctx, email)
	} else {
		m.credentials.ForgetEmail(sctx)
	}

	s.Phase = PhaseAuthenticated
	s.Token = token
	s.User = user.clone()
	s.IsAuthenticated = true
	s.Challenge = nil
	s.Error = nil
}

func (m *SessionMachine) track(ctx context.Context, action Action, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.GetRequestTimeout())
	defer cancel()
	return m.tracker.Track(ctx, m.OperationName(action), fn)
}

// trackShared tracks fn under a name several calls may hold at once. The
// tracker sees one Begin for the first holder and one End for the last.
func (m *SessionMachine) trackShared(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	m.sharedMu.Lock()
	m.shared[name]++
	if m.shared[name] == 1 {
		m.tracker.Begin(name)
	}
	m.sharedMu.Unlock()

	defer func() {
		r := recover()
		if r != nil {
			err = panicError(name, r)
		}

		m.sharedMu.Lock()
		m.shared[name]--
		if m.shared[name] <= 0 {
			delete(m.shared, name)
			m.tracker.end(name, err)
		}
		m.sharedMu.Unlock()

		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx)
}

func (m *SessionMachine) canRun(phase Phase, action Action) bool {
	if allowed, ok := m.transitions[phase]; ok {
		_, exists := allowed[action]
		return exists
	}
	return false
}

func (m *SessionMachine) subscribers() []func(State) {
	if len(m.subs) == 0 {
		return nil
	}
	out := make([]func(State), 0, len(m.subs))
	for id := 0; id < m.nextSub; id++ {
		if fn, ok := m.subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (m *SessionMachine) recordActivity(ctx context.Context, eventType ActivityEventType, from, to Phase, email, uid string, metadata map[string]any) {
	event := ActivityEvent{
		ID:         uuid.New(),
		EventType:  eventType,
		Email:      email,
		UserID:     uid,
		From:       from,
		To:         to,
		Metadata:   metadata,
		OccurredAt: m.now(),
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	sink := normalizeActivitySink(m.activitySink)
	if err := sink.Record(ctx, event); err != nil {
		m.logger.Warn("session activity sink error: %v", err)
	}
}

func publishState(subs []func(State), s State) {
	for _, fn := range subs {
		fn(s.clone())
	}
}

func sanitizeInitialState(s State) State {
	out := AnonymousState()
	if s.Token == "" {
		return out
	}
	out.Token = s.Token
	out.User = s.User.clone()
	out.IsAuthenticated = s.IsAuthenticated
	if out.IsAuthenticated {
		out.Phase = PhaseAuthenticated
	}
	return out
}

// storageContext keeps storage writes alive when the caller's context is
// cancelled after the network call returned.
func storageContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func channelFor(rememberMe bool) ChannelKind {
	if rememberMe {
		return ChannelDurable
	}
	return ChannelEphemeral
}

func userID(u *User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

func errorDetails(err error) string {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || len(richErr.Metadata) == 0 {
		return "{}"
	}
	return print.MaybePrettyJSON(richErr.Metadata)
}
