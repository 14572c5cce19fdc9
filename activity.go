package authclient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ActivityEventType enumerates supported session events.
type ActivityEventType string

const (
	ActivityEventLoginSuccess     ActivityEventType = "session.login.success"
	ActivityEventLoginFailure     ActivityEventType = "session.login.failure"
	ActivityEventOTPRequired      ActivityEventType = "session.otp.required"
	ActivityEventOTPVerified      ActivityEventType = "session.otp.verified"
	ActivityEventOTPFailure       ActivityEventType = "session.otp.failure"
	ActivityEventOTPCancelled     ActivityEventType = "session.otp.cancelled"
	ActivityEventIdentityResolved ActivityEventType = "session.identity.resolved"
	ActivityEventInvalidated      ActivityEventType = "session.invalidated"
	ActivityEventLogout           ActivityEventType = "session.logout"
)

// ActivityEvent captures audit-friendly information about a session transition.
type ActivityEvent struct {
	ID         uuid.UUID
	EventType  ActivityEventType
	Email      string
	UserID     string
	From       Phase
	To         Phase
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}
