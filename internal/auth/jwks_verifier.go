package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudsentry/api/internal/config"
)

const discoveryTimeout = 30 * time.Second

var errInvalidAudience = errors.New("token audience does not include this service")

// TokenVerifier validates tokens issued by the identity provider
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the identity provider claims a customer token carries
type Claims struct {
	UserID            string `json:"sub"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

// Principal maps the claims onto the identity inspections are owned by.
func (c *Claims) Principal() *Principal {
	name := c.Name
	if name == "" {
		name = c.PreferredUsername
	}
	return &Principal{UserID: c.UserID, Email: c.Email, Name: name}
}

// JWKSVerifier checks RS/ES signed tokens against the issuer's published key set
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	cancel   context.CancelFunc
}

// NewJWKSVerifier resolves the key set through OIDC discovery. Keys are refreshed in the
// background until Close is called.
func NewJWKSVerifier(cfg *config.ZitadelConfig) (*JWKSVerifier, error) {
	issuer := strings.TrimSuffix(cfg.Issuer, "/")
	if issuer == "" {
		return nil, errors.New("zitadel issuer is required")
	}

	ctx, cancelDiscover := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancelDiscover()

	jwksURL, err := discoverJWKSURL(ctx, &http.Client{Timeout: discoveryTimeout}, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover jwks for %s: %w", issuer, err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load jwks from %s: %w", jwksURL, err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   issuer,
		audience: cfg.ClientID,
		cancel:   cancel,
	}, nil
}

func discoverJWKSURL(ctx context.Context, httpClient *http.Client, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}
	if doc.Issuer != "" && strings.TrimSuffix(doc.Issuer, "/") != issuer {
		return "", fmt.Errorf("discovery document is for issuer %q", doc.Issuer)
	}
	return doc.JWKSURI, nil
}

// Validate checks signature, issuer, expiry and, when a client id is configured, audience.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, err
		}
		if !slices.Contains(aud, v.audience) {
			return nil, errInvalidAudience
		}
	}
	return claims, nil
}

// Close stops the background key refresh
func (v *JWKSVerifier) Close() error {
	v.cancel()
	return nil
}
