package authclient

import (
	"context"
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeValidation          = "VALIDATION_ERROR"
	TextCodeTransport           = "TRANSPORT_ERROR"
	TextCodeIdentityUnresolved  = "IDENTITY_UNRESOLVED"
	TextCodeSessionBusy         = "SESSION_BUSY"
	TextCodeInvalidTransition   = "INVALID_SESSION_TRANSITION"
	TextCodeNoPendingChallenge  = "NO_PENDING_OTP_CHALLENGE"
	TextCodeUnauthorized        = "UNAUTHORIZED"
	TextCodeMalformedResponse   = "MALFORMED_RESPONSE"
	TextCodeSuperseded          = "SESSION_OPERATION_SUPERSEDED"
	TextCodeNoSession           = "NO_SESSION"
	TextCodeOperationPanic      = "OPERATION_PANIC"
	textCodeUnknownCredentials  = "CREDENTIALS_REJECTED"
	textCodeUnknownChallengeErr = "OTP_REJECTED"
)

// CredentialCode classifies a rejected login. Values come from the server
// verbatim, the constants only name the ones the client branches on.
type CredentialCode string

const (
	CredentialUserNotFound       CredentialCode = "USER_NOT_FOUND"
	CredentialInvalidCredentials CredentialCode = "INVALID_CREDENTIALS"
	CredentialAccountInactive    CredentialCode = "ACCOUNT_INACTIVE"
)

// ChallengeCode classifies a rejected OTP verification.
type ChallengeCode string

const (
	ChallengeInvalidOTP ChallengeCode = "INVALID_OTP"
	ChallengeOTPExpired ChallengeCode = "OTP_EXPIRED"
)

// Recoverable reports whether the user can retry in place with a new code.
func (c ChallengeCode) Recoverable() bool {
	return c == ChallengeInvalidOTP || c == ChallengeOTPExpired
}

// ErrValidation is returned for locally rejected input. It never reaches the
// network and never lands in State.Error.
var ErrValidation = goerrors.New("invalid input", goerrors.CategoryValidation).
	WithTextCode(TextCodeValidation).
	WithCode(goerrors.CodeBadRequest)

// ErrCredentials matches any SessionError of kind credential via errors.Is.
var ErrCredentials = goerrors.New("credentials rejected", goerrors.CategoryAuth).
	WithTextCode(textCodeUnknownCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrChallenge matches any SessionError of kind challenge.
var ErrChallenge = goerrors.New("otp rejected", goerrors.CategoryAuth).
	WithTextCode(textCodeUnknownChallengeErr).
	WithCode(goerrors.CodeUnauthorized)

// ErrTransport matches any SessionError of kind transport.
var ErrTransport = goerrors.New("request failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeTransport)

// ErrSessionBusy is returned when a session operation is already in flight.
var ErrSessionBusy = goerrors.New("another session operation is in flight", goerrors.CategoryConflict).
	WithTextCode(TextCodeSessionBusy).
	WithCode(goerrors.CodeConflict)

// ErrInvalidTransition is returned when an action is not allowed in the current phase.
var ErrInvalidTransition = goerrors.New("invalid session transition", goerrors.CategoryConflict).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeConflict)

// ErrNoPendingChallenge is returned by SubmitOTP outside of the OTP flow.
var ErrNoPendingChallenge = goerrors.New("no pending otp challenge", goerrors.CategoryConflict).
	WithTextCode(TextCodeNoPendingChallenge).
	WithCode(goerrors.CodeConflict)

// ErrSuperseded is returned when a reset (logout, cancel, invalidation)
// landed while the operation was in flight and its result was discarded.
var ErrSuperseded = goerrors.New("session operation superseded", goerrors.CategoryConflict).
	WithTextCode(TextCodeSuperseded).
	WithCode(goerrors.CodeConflict)

// ErrNoSession is returned when a token is required but none is held.
var ErrNoSession = goerrors.New("no active session", goerrors.CategoryAuth).
	WithTextCode(TextCodeNoSession).
	WithCode(goerrors.CodeUnauthorized)

// ErrIdentityUnresolved is used when the server answers a user fetch without a user.
var ErrIdentityUnresolved = goerrors.New("current user could not be resolved", goerrors.CategoryOperation).
	WithTextCode(TextCodeIdentityUnresolved)

// ErrUnauthorized can be returned by collaborators when the server rejected the token.
var ErrUnauthorized = goerrors.New("unauthorized", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthorized).
	WithCode(goerrors.CodeUnauthorized)

// ErrMalformedResponse is used when a login response carries neither a token
// nor an OTP requirement.
var ErrMalformedResponse = goerrors.New("malformed login response", goerrors.CategoryOperation).
	WithTextCode(TextCodeMalformedResponse)

// NewAPIError builds the error AuthAPI implementations return for server
// rejections. The code is kept verbatim.
func NewAPIError(message, code string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryAuth).
		WithTextCode(code).
		WithCode(goerrors.CodeUnauthorized)
}

// ErrorKind is the client side taxonomy of session failures
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindCredential ErrorKind = "credential"
	ErrorKindChallenge  ErrorKind = "challenge"
	ErrorKindIdentity   ErrorKind = "identity"
	ErrorKindTransport  ErrorKind = "transport"
)

// SessionError is what the presentation layer reads from State.Error
type SessionError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Code        string    `json:"code,omitempty"`
	Recoverable bool      `json:"recoverable"`
	cause       error
}

func (e *SessionError) Error() string {
	if e.Code != "" {
		return string(e.Kind) + ": " + e.Message + " (" + e.Code + ")"
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *SessionError) Unwrap() error {
	return e.cause
}

// Is matches the kind sentinels (ErrCredentials, ErrChallenge,
// ErrIdentityUnresolved, ErrTransport, ErrValidation).
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case ErrorKindCredential:
		return target == ErrCredentials
	case ErrorKindChallenge:
		return target == ErrChallenge
	case ErrorKindIdentity:
		return target == ErrIdentityUnresolved
	case ErrorKindTransport:
		return target == ErrTransport
	case ErrorKindValidation:
		return target == ErrValidation
	}
	return false
}

// CredentialCode returns the login rejection code, empty for other kinds.
func (e *SessionError) CredentialCode() CredentialCode {
	if e == nil || e.Kind != ErrorKindCredential {
		return ""
	}
	return CredentialCode(e.Code)
}

// ChallengeCode returns the OTP rejection code, empty for other kinds.
func (e *SessionError) ChallengeCode() ChallengeCode {
	if e == nil || e.Kind != ErrorKindChallenge {
		return ""
	}
	return ChallengeCode(e.Code)
}

func (e *SessionError) clone() *SessionError {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// HasTextCode reports whether err is a go-errors error carrying code.
func HasTextCode(err error, code string) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == code
}

// IsValidationError checks for locally rejected input
func IsValidationError(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.Category == goerrors.CategoryValidation
}

// IsUnauthorized checks whether a collaborator error means the token was rejected.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.Category == goerrors.CategoryAuth ||
		richErr.Category == goerrors.CategoryAuthz ||
		richErr.Code == goerrors.CodeUnauthorized
}

// serverError extracts a server classification from err, if any.
func serverError(err error) (*goerrors.Error, bool) {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return nil, false
	}
	switch richErr.Category {
	case goerrors.CategoryAuth,
		goerrors.CategoryAuthz,
		goerrors.CategoryBadInput,
		goerrors.CategoryValidation,
		goerrors.CategoryNotFound:
		return richErr, true
	}
	return nil, false
}

func transportError(err error) *SessionError {
	msg := "request failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case errors.Is(err, context.Canceled):
		msg = "request cancelled"
	case err != nil:
		msg = err.Error()
	}
	return &SessionError{
		Kind:        ErrorKindTransport,
		Message:     msg,
		Code:        TextCodeTransport,
		Recoverable: true,
		cause:       err,
	}
}

func classifyLoginError(err error) *SessionError {
	richErr, ok := serverError(err)
	if !ok {
		return transportError(err)
	}
	code := richErr.TextCode
	if code == "" {
		code = textCodeUnknownCredentials
	}
	return &SessionError{
		Kind:        ErrorKindCredential,
		Message:     richErr.Message,
		Code:        code,
		Recoverable: true,
		cause:       err,
	}
}

func classifyOTPError(err error) *SessionError {
	richErr, ok := serverError(err)
	if !ok {
		serr := transportError(err)
		serr.Recoverable = false
		return serr
	}

	code := ChallengeCode(richErr.TextCode)
	if code.Recoverable() {
		return &SessionError{
			Kind:        ErrorKindChallenge,
			Message:     richErr.Message,
			Code:        string(code),
			Recoverable: true,
			cause:       err,
		}
	}

	if code == "" {
		code = textCodeUnknownChallengeErr
	}
	return &SessionError{
		Kind:        ErrorKindCredential,
		Message:     richErr.Message,
		Code:        string(code),
		Recoverable: false,
		cause:       err,
	}
}

func identityError(err error) *SessionError {
	msg := "unable to resolve current user"
	if err != nil {
		msg = err.Error()
	}
	return &SessionError{
		Kind:        ErrorKindIdentity,
		Message:     msg,
		Code:        TextCodeIdentityUnresolved,
		Recoverable: false,
		cause:       err,
	}
}
