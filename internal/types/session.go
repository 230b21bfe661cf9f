package types

import (
	"time"
)

// Session is the authenticated identity plus the bearer token used to
// authorize remote calls.
type Session struct {
	UserID       string     `json:"user_id"`
	Email        string     `json:"email"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token is past its expiry. Sessions
// without an expiry never expire locally.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt == nil {
		return false
	}
	return !now.Before(*s.ExpiresAt)
}

// SameAs compares identity and token; two sessions for the same user with
// different tokens (a refresh) are not the same.
func (s *Session) SameAs(other *Session) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return s.UserID == other.UserID && s.AccessToken == other.AccessToken
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ExpiresAt != nil {
		exp := *s.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}
