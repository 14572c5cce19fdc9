package authclient

// Phase is the coarse state of the session machine
type Phase string

const (
	PhaseAnonymous     Phase = "anonymous"
	PhaseAwaitingOTP   Phase = "awaiting_otp"
	PhaseAuthenticated Phase = "authenticated"
)

// State is the session owned by SessionMachine. Values handed out by the
// machine are copies; mutating them has no effect.
type State struct {
	Phase           Phase                `json:"phase"`
	User            *User                `json:"user,omitempty"`
	Token           string               `json:"-"`
	IsAuthenticated bool                 `json:"isAuthenticated"`
	Loading         bool                 `json:"loading"`
	Error           *SessionError        `json:"error,omitempty"`
	Challenge       *PendingOTPChallenge `json:"challenge,omitempty"`
}

// AnonymousState is the logged out default
func AnonymousState() State {
	return State{Phase: PhaseAnonymous}
}

// HasToken reports whether a credential is held
func (s State) HasToken() bool {
	return s.Token != ""
}

// AwaitingOTP reports whether a challenge is pending and returns its email
func (s State) AwaitingOTP() (string, bool) {
	if s.Phase != PhaseAwaitingOTP || s.Challenge == nil {
		return "", false
	}
	return s.Challenge.Email, true
}

func (s State) clone() State {
	c := s
	c.User = s.User.clone()
	c.Error = s.Error.clone()
	c.Challenge = s.Challenge.clone()
	return c
}

// View is the read-only projection handed to the presentation layer
type View struct {
	Phase           Phase         `json:"phase"`
	User            *User         `json:"user,omitempty"`
	IsAuthenticated bool          `json:"isAuthenticated"`
	Loading         bool          `json:"loading"`
	Busy            bool          `json:"busy"`
	Error           *SessionError `json:"error,omitempty"`
	OTPEmail        string        `json:"otpEmail,omitempty"`
}

func newView(s State, busy bool) View {
	email, _ := s.AwaitingOTP()
	return View{
		Phase:           s.Phase,
		User:            s.User.clone(),
		IsAuthenticated: s.IsAuthenticated,
		Loading:         s.Loading,
		Busy:            busy,
		Error:           s.Error.clone(),
		OTPEmail:        email,
	}
}
