package authclient

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is the identity record returned by the identity endpoints
type User struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Role      UserRole `json:"role"`
	IsActive  bool     `json:"isActive"`
}

// DisplayName returns the full name, falling back to the email.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Email
	}
	return name
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// LoginResponse is the successful result of AuthAPI.Login.
// Administrative accounts receive a Token directly, everyone else
// gets RequiresOTP and must complete the challenge.
type LoginResponse struct {
	RequiresOTP bool   `json:"requiresOTP"`
	Token       string `json:"token,omitempty"`
	User        *User  `json:"user,omitempty"`
}

// OTPResponse is the successful result of AuthAPI.VerifyOTP
type OTPResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user,omitempty"`
}

// PendingOTPChallenge exists while the machine waits for a one time code.
type PendingOTPChallenge struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	RememberMe bool      `json:"rememberMe"`
	IssuedAt   time.Time `json:"issuedAt"`
}

func newPendingOTPChallenge(email string, rememberMe bool, now time.Time) *PendingOTPChallenge {
	return &PendingOTPChallenge{
		ID:         uuid.New(),
		Email:      email,
		RememberMe: rememberMe,
		IssuedAt:   now,
	}
}

func (c *PendingOTPChallenge) clone() *PendingOTPChallenge {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
