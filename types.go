package authclient

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// AuthAPI is the network collaborator the session machine talks to.
// Implementations own transport, retries and timeouts. Server classified
// failures should be returned as *goerrors.Error values (see NewAPIError),
// anything else is handled as a transport failure.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*LoginResponse, error)
	VerifyOTP(ctx context.Context, email, code string) (*OTPResponse, error)
	FetchCurrentUser(ctx context.Context, token string) (*User, error)
	LogoutNotify(ctx context.Context, token string) error
}

// Channel is a single persistence channel (durable or ephemeral).
type Channel interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Config holds client options
type Config interface {
	GetSnapshotKey() string
	GetTokenKey() string
	GetRememberedEmailKey() string
	GetRequestTimeout() time.Duration
	GetOperationPrefix() string
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] AUTHCLIENT "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] AUTHCLIENT "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] AUTHCLIENT "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] AUTHCLIENT "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
