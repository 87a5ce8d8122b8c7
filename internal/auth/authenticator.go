package auth

import (
	"errors"
	"fmt"
)

var (
	ErrMissingToken      = errors.New("missing token")
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrAuthNotConfigured = errors.New("authentication not configured")
)

// Principal is the authenticated identity behind a request or connection
type Principal struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator validates bearer tokens with the JWKS verifier first and falls back
// to legacy HMAC tokens when a secret is configured. Both the REST middleware and the
// WebSocket handshake authenticate through it.
type Authenticator struct {
	verifier  TokenVerifier
	jwtSecret string
}

// NewAuthenticator creates an authenticator. Either argument may be empty, not both.
func NewAuthenticator(verifier TokenVerifier, jwtSecret string) *Authenticator {
	return &Authenticator{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Authenticate resolves tokenString to a principal.
func (a *Authenticator) Authenticate(tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	if a.verifier != nil {
		claims, err := a.verifier.Validate(tokenString)
		if err == nil {
			return claims.Principal(), nil
		}
		if a.jwtSecret == "" {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if a.jwtSecret != "" {
		claims, err := ValidateLegacyToken(tokenString, a.jwtSecret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if claims.UserID == "" {
			return nil, ErrInvalidToken
		}
		return &Principal{UserID: claims.UserID, Email: claims.Email}, nil
	}

	return nil, ErrAuthNotConfigured
}
