// Package auth implements stateless bearer-token authentication for the
// storefront: token issuance and verification, revocation through a token
// blacklist, the per-request authentication gate and its middleware, role
// resolution, and asynchronous security event logging.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"storefront/internal/models"
)

var (
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMalformedToken   = errors.New("malformed token")
)

// TokenUseRefresh marks a token that can only be exchanged for a new token
// pair. Access tokens leave the use claim empty.
const TokenUseRefresh = "refresh"

const defaultRefreshExpiration = 7 * 24 * time.Hour

// Claims is the token payload. The subject is the user's email. Both tokens
// of a pair, and every pair rotated from them, share one session ID.
type Claims struct {
	UserID    int64  `json:"userId"`
	Role      string `json:"role"`
	FullName  string `json:"fullName,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Use       string `json:"use,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified claims to a request identity.
func (c *Claims) Identity() models.Identity {
	return models.Identity{
		UserID: c.UserID,
		Email:  c.Subject,
		Role:   models.ParseRole(c.Role),
	}
}

// ExpiresAtTime returns the token expiry, or the zero time when absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenPair is what a login or a refresh hands back to the client.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
}

// TokenService issues and verifies HS256 tokens.
type TokenService struct {
	secret            []byte
	expiration        time.Duration
	refreshExpiration time.Duration
	issuer            string
	clock             clock.Clock
}

// NewTokenService creates a token service. The secret must be at least
// models.MinJWTSecretLength bytes.
func NewTokenService(cfg models.JWTConfig, clk clock.Clock) (*TokenService, error) {
	if len(cfg.Secret) < models.MinJWTSecretLength {
		return nil, fmt.Errorf("JWT secret must be at least %d characters", models.MinJWTSecretLength)
	}
	if cfg.Expiration <= 0 {
		return nil, errors.New("JWT expiration must be positive")
	}
	if clk == nil {
		clk = clock.New()
	}
	refresh := cfg.RefreshExpiration
	if refresh <= 0 {
		refresh = defaultRefreshExpiration
	}
	return &TokenService{
		secret:            []byte(cfg.Secret),
		expiration:        cfg.Expiration,
		refreshExpiration: refresh,
		issuer:            cfg.Issuer,
		clock:             clk,
	}, nil
}

// RefreshExpiration is how long a refresh token stays valid.
func (s *TokenService) RefreshExpiration() time.Duration {
	return s.refreshExpiration
}

// Issue signs an access token for user and returns it with its expiry.
func (s *TokenService) Issue(user *models.User) (string, time.Time, error) {
	return s.sign(user, "", "", s.expiration)
}

// IssuePair signs an access and a refresh token for user. An empty
// sessionID starts a new session.
func (s *TokenService) IssuePair(user *models.User, sessionID string) (*TokenPair, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	access, accessExp, err := s.sign(user, sessionID, "", s.expiration)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.sign(user, sessionID, TokenUseRefresh, s.refreshExpiration)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		SessionID:        sessionID,
	}, nil
}

// ParseRefresh verifies raw as a refresh token. Access tokens are rejected
// as malformed.
func (s *TokenService) ParseRefresh(raw string) (*Claims, error) {
	claims, err := s.Parse(raw)
	if err != nil {
		return claims, err
	}
	if claims.Use != TokenUseRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrMalformedToken)
	}
	return claims, nil
}

func (s *TokenService) sign(user *models.User, sessionID, use string, ttl time.Duration) (string, time.Time, error) {
	now := s.clock.Now().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	claims := &Claims{
		UserID:    user.ID,
		Role:      string(user.Role),
		FullName:  user.FullName,
		SessionID: sessionID,
		Use:       use,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.Email,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies raw and returns its claims. When the signature is valid but
// the token has expired, Parse returns the claims together with
// ErrTokenExpired so callers can still identify the holder.
func (s *TokenService) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)

	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return claims, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}
	return claims, nil
}
