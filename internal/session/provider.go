package session

import (
	"context"
	"errors"
	"strings"

	"sandbox/internal/types"
)

// EventKind mirrors the auth provider's state-change event names.
type EventKind string

const (
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventUserUpdated    EventKind = "USER_UPDATED"
)

// Event is one auth state change delivered by a Provider subscription.
type Event struct {
	Kind    EventKind
	Session *types.Session
}

// SignUpResult carries either an immediately usable session or the signal
// that the account still awaits email confirmation.
type SignUpResult struct {
	Session             *types.Session
	PendingConfirmation bool
}

// Provider is the contract of the external authentication provider.
type Provider interface {
	GetSession(ctx context.Context) (*types.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*types.Session, error)
	SignUp(ctx context.Context, email, password string) (SignUpResult, error)
	SignOut(ctx context.Context) error
	Subscribe(fn func(Event)) (unsubscribe func())
}

// AuthError is a human-readable authentication failure (bad credentials,
// unconfirmed account, provider unreachable).
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func asAuthError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "authentication failed"
	}
	return &AuthError{Message: msg, Err: err}
}
