package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of tokens issued by Signer.
const DefaultTTL = 10 * time.Minute

// VideoGrant carries the session permissions of a token.
type VideoGrant struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"roomJoin"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

// Claims represents the JWT claims of an agent access token.
type Claims struct {
	jwt.RegisteredClaims
	Name  string     `json:"name,omitempty"`
	Video VideoGrant `json:"video"`
}

// Signer issues HS256 tokens locally from an API key and secret.
type Signer struct {
	APIKey    string
	APISecret string
	TTL       time.Duration

	now func() time.Time
}

// NewSigner creates a signer. A non-positive ttl selects DefaultTTL.
func NewSigner(apiKey, apiSecret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{APIKey: apiKey, APISecret: apiSecret, TTL: ttl, now: time.Now}
}

// Issue signs a token granting identity permission to join session.
func (s *Signer) Issue(_ context.Context, session, identity string) (Credential, error) {
	if s.APIKey == "" || s.APISecret == "" {
		return Credential{}, &Error{Kind: KindConfig, Err: ErrMissingSigningConfig}
	}
	if err := validateRequest(session, identity); err != nil {
		return Credential{}, err
	}

	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.APIKey,
			Subject:   identity,
			ID:        uuid.NewString(),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name: identity,
		Video: VideoGrant{
			Room:         session,
			RoomJoin:     true,
			CanPublish:   true,
			CanSubscribe: true,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.APISecret))
	if err != nil {
		return Credential{}, &Error{Kind: KindConfig, Err: fmt.Errorf("sign token: %w", err)}
	}

	return Credential{
		Token:     token,
		Session:   session,
		Identity:  identity,
		ExpiresAt: time.Unix(expiresAt.Unix(), 0),
	}, nil
}

// Verify parses and validates a token signed with secret. An expired token
// yields an *Error of KindExpired.
func Verify(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &Error{Kind: KindExpired, Err: err}
		}
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("failed to parse token: %w", err)}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, &Error{Kind: KindMalformed, Err: errors.New("invalid claims type")}
	}
	return claims, nil
}

// expiryOf reads the exp claim without verifying the signature. Tokens from a
// remote issuer are opaque to the agent; the expiry is informational.
func expiryOf(tokenString string) time.Time {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
