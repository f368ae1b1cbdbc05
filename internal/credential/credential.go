// Package credential issues the short-lived signed access tokens an agent
// presents when it joins a session.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a credential failure.
type Kind int

const (
	// KindConfig means signing material or endpoint configuration is missing
	// or rejected. Retrying can never succeed.
	KindConfig Kind = iota + 1
	// KindMalformed means the request itself is invalid (missing session or
	// identity). Retrying can never succeed.
	KindMalformed
	// KindExpired means a token was presented after its expiry.
	KindExpired
	// KindUnavailable means the issuer could not be reached or failed
	// transiently.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindMalformed:
		return "malformed"
	case KindExpired:
		return "expired"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is returned by Supplier implementations.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credential %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrMissingSigningConfig = errors.New("signing key and secret are required")
	ErrMissingSession       = errors.New("session name is required")
	ErrMissingIdentity      = errors.New("participant identity is required")
)

// IsFatal reports whether err is a credential failure that no amount of
// retrying can fix.
func IsFatal(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == KindConfig || ce.Kind == KindMalformed
}

// IsExpired reports whether err signals an expired credential.
func IsExpired(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindExpired
}

// Credential is a signed token bound to one session and identity.
type Credential struct {
	Token     string
	Session   string
	Identity  string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry at now. A zero
// ExpiresAt never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Supplier issues credentials. Issue may block on I/O and must honour ctx.
type Supplier interface {
	Issue(ctx context.Context, session, identity string) (Credential, error)
}

func validateRequest(session, identity string) error {
	if session == "" {
		return &Error{Kind: KindMalformed, Err: ErrMissingSession}
	}
	if identity == "" {
		return &Error{Kind: KindMalformed, Err: ErrMissingIdentity}
	}
	return nil
}
