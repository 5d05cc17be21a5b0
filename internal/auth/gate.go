package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"storefront/internal/models"
)

// Outcome is the verdict of the authentication gate.
type Outcome int

const (
	// Anonymous means no bearer token was presented.
	Anonymous Outcome = iota
	Authenticated
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reason explains a Rejected outcome.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonRevoked
	ReasonExpired
	ReasonInvalidSignature
	ReasonMalformed
	// ReasonUnavailable means revocation state could not be checked.
	ReasonUnavailable
)

func (r Reason) String() string {
	switch r {
	case ReasonRevoked:
		return "revoked"
	case ReasonExpired:
		return "expired"
	case ReasonInvalidSignature:
		return "invalid_signature"
	case ReasonMalformed:
		return "malformed"
	case ReasonUnavailable:
		return "unavailable"
	default:
		return "none"
	}
}

// Message is the client-facing text for a rejection.
func (r Reason) Message() string {
	switch r {
	case ReasonRevoked:
		return models.MessageTokenRevoked
	case ReasonExpired:
		return models.MessageTokenExpired
	case ReasonInvalidSignature:
		return models.MessageInvalidSignature
	case ReasonUnavailable:
		return models.MessageTryAgain
	default:
		return models.MessageInvalidToken
	}
}

// Result is the outcome of authenticating one request. Identity is set for
// Authenticated, and also for Rejected/ReasonExpired since an expired token
// still carries a verified signature.
type Result struct {
	Outcome   Outcome
	Reason    Reason
	Identity  *models.Identity
	Token     string
	ExpiresAt time.Time
	SessionID string
}

var (
	// ErrRefreshRevoked means the refresh token was already rotated, or its
	// session was ended.
	ErrRefreshRevoked = errors.New("refresh token revoked")
	// ErrUnavailable means the blacklist could not be consulted.
	ErrUnavailable = errors.New("token blacklist unavailable")
)

const bearerPrefix = "Bearer "

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(bearerPrefix):]), true
}

// Gate verifies bearer tokens.
type Gate struct {
	tokens    *TokenService
	blacklist *Blacklist
	roles     *RoleResolver
}

// NewGate creates a gate. roles may be nil.
func NewGate(tokens *TokenService, blacklist *Blacklist, roles *RoleResolver) *Gate {
	return &Gate{tokens: tokens, blacklist: blacklist, roles: roles}
}

// Authenticate evaluates an Authorization header. The blacklist is consulted
// before the signature so revoked tokens are reported as revoked.
func (g *Gate) Authenticate(ctx context.Context, authorization string) Result {
	token, ok := BearerToken(authorization)
	if !ok {
		return Result{Outcome: Anonymous}
	}
	if token == "" {
		return Result{Outcome: Rejected, Reason: ReasonMalformed}
	}

	revoked, err := g.blacklist.IsRevoked(ctx, token)
	if err != nil {
		slog.Error("Failed to check token blacklist", "error", err)
		return Result{Outcome: Rejected, Reason: ReasonUnavailable, Token: token}
	}
	if revoked {
		return Result{Outcome: Rejected, Reason: ReasonRevoked, Token: token}
	}

	claims, err := g.tokens.Parse(token)
	if claims != nil && claims.Use != "" {
		// Refresh tokens only buy new token pairs.
		return Result{Outcome: Rejected, Reason: ReasonMalformed, Token: token}
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrTokenExpired):
		identity := claims.Identity()
		return Result{
			Outcome:   Rejected,
			Reason:    ReasonExpired,
			Identity:  &identity,
			Token:     token,
			ExpiresAt: claims.ExpiresAtTime(),
			SessionID: claims.SessionID,
		}
	case errors.Is(err, ErrInvalidSignature):
		return Result{Outcome: Rejected, Reason: ReasonInvalidSignature, Token: token}
	default:
		return Result{Outcome: Rejected, Reason: ReasonMalformed, Token: token}
	}

	identity := claims.Identity()
	if g.roles != nil {
		identity.Role = g.roles.CurrentRole(ctx, identity.UserID, identity.Role)
	}

	return Result{
		Outcome:   Authenticated,
		Identity:  &identity,
		Token:     token,
		ExpiresAt: claims.ExpiresAtTime(),
		SessionID: claims.SessionID,
	}
}

// Redeem verifies a refresh token and revokes it so it is accepted once.
// Presenting a token that was already redeemed ends its whole session, since
// only a stolen copy can be replayed after the owner rotated it.
func (g *Gate) Redeem(ctx context.Context, raw string) (*Claims, error) {
	claims, err := g.tokens.ParseRefresh(raw)
	if err != nil {
		return nil, err
	}

	if claims.SessionID != "" {
		revoked, err := g.blacklist.IsSessionRevoked(ctx, claims.SessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if revoked {
			return nil, ErrRefreshRevoked
		}
	}

	first, err := g.blacklist.Consume(ctx, raw, claims.ExpiresAtTime())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !first {
		if claims.SessionID != "" {
			if err := g.EndSession(ctx, claims.SessionID); err != nil {
				slog.Error("Failed to end session after refresh token reuse",
					"session_id", claims.SessionID,
					"error", err,
				)
			}
		}
		return nil, ErrRefreshRevoked
	}
	return claims, nil
}

// EndSession revokes every refresh token issued for sessionID.
func (g *Gate) EndSession(ctx context.Context, sessionID string) error {
	expiresAt := g.tokens.clock.Now().Add(g.tokens.RefreshExpiration())
	return g.blacklist.RevokeSession(ctx, sessionID, expiresAt)
}
