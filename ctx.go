package authclient

import (
	"context"
)

var machineCtxKey = &contextKey{"session"}
var userCtxKey = &contextKey{"user"}

type contextKey struct {
	name string
}

// WithContext sets the SessionMachine in the given context
func WithContext(ctx context.Context, m *SessionMachine) context.Context {
	return context.WithValue(ctx, machineCtxKey, m)
}

// FromContext finds the session machine from the context.
func FromContext(ctx context.Context) (*SessionMachine, bool) {
	raw, ok := ctx.Value(machineCtxKey).(*SessionMachine)
	return raw, ok && raw != nil
}

// WithUserContext sets the User in the given context
func WithUserContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userCtxKey, user)
}

// UserFromContext returns the user stored with WithUserContext or, failing
// that, the user of an authenticated session machine in ctx.
func UserFromContext(ctx context.Context) (*User, bool) {
	if raw, ok := ctx.Value(userCtxKey).(*User); ok && raw != nil {
		return raw, true
	}
	m, ok := FromContext(ctx)
	if !ok {
		return nil, false
	}
	s := m.State()
	if !s.IsAuthenticated || s.User == nil {
		return nil, false
	}
	return s.User, true
}

// IsAdmin is a convenience check against the user found in ctx
func IsAdmin(ctx context.Context) bool {
	user, ok := UserFromContext(ctx)
	if !ok {
		return false
	}
	return user.IsAdmin()
}
