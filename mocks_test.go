package authclient_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	authclient "github.com/goliatone/go-auth-client"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAuthAPI implements authclient.AuthAPI
type MockAuthAPI struct {
	mock.Mock
}

func (m *MockAuthAPI) Login(ctx context.Context, email, password string) (*authclient.LoginResponse, error) {
	args := m.Called(ctx, email, password)
	resp, _ := args.Get(0).(*authclient.LoginResponse)
	return resp, args.Error(1)
}

func (m *MockAuthAPI) VerifyOTP(ctx context.Context, email, code string) (*authclient.OTPResponse, error) {
	args := m.Called(ctx, email, code)
	resp, _ := args.Get(0).(*authclient.OTPResponse)
	return resp, args.Error(1)
}

func (m *MockAuthAPI) FetchCurrentUser(ctx context.Context, token string) (*authclient.User, error) {
	args := m.Called(ctx, token)
	user, _ := args.Get(0).(*authclient.User)
	return user, args.Error(1)
}

func (m *MockAuthAPI) LogoutNotify(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

var errChannelDown = errors.New("channel unavailable")

// failingChannel fails or panics on every call
type failingChannel struct {
	panics bool
}

func (f failingChannel) Get(context.Context, string) (string, bool, error) {
	if f.panics {
		panic("storage exploded")
	}
	return "", false, errChannelDown
}

func (f failingChannel) Set(context.Context, string, string) error {
	if f.panics {
		panic("storage exploded")
	}
	return errChannelDown
}

func (f failingChannel) Delete(context.Context, string) error {
	if f.panics {
		panic("storage exploded")
	}
	return errChannelDown
}

// captureLogger records formatted log lines per level
type captureLogger struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{lines: map[string][]string{}}
}

func (l *captureLogger) add(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines[level] = append(l.lines[level], fmt.Sprintf(format, args...))
}

func (l *captureLogger) Debug(format string, args ...any) { l.add("debug", format, args...) }
func (l *captureLogger) Info(format string, args ...any)  { l.add("info", format, args...) }
func (l *captureLogger) Warn(format string, args ...any)  { l.add("warn", format, args...) }
func (l *captureLogger) Error(format string, args ...any) { l.add("error", format, args...) }

func (l *captureLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines[level])
}

func signedToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func adminUser() *authclient.User {
	return &authclient.User{ID: "admin-1", Email: "root@example.com", FirstName: "Root", Role: authclient.RoleAdmin, IsActive: true}
}

func regularUser() *authclient.User {
	return &authclient.User{ID: "user-1", Email: "ana@example.com", FirstName: "Ana", LastName: "Lima", Role: authclient.RoleUser, IsActive: true}
}
