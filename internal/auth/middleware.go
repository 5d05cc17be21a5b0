package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"storefront/internal/clientip"
	"storefront/internal/idempotency"
	"storefront/internal/models"
)

type principalKey struct{}

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	Identity  models.Identity
	Token     string
	ExpiresAt time.Time
	// SessionID is empty for tokens issued without a refresh token.
	SessionID string
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// IdentityFrom returns the caller identity stored in ctx, if any.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return models.Identity{}, false
	}
	return p.Identity, true
}

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	// PublicPaths skip authentication entirely.
	PublicPaths []string
	// LogoutPath accepts expired but correctly signed tokens so a user can
	// always log out.
	LogoutPath string
	Events     *EventLogger
}

// Middleware authenticates each request with gate. Requests without a
// bearer token continue anonymously; rejected tokens get 401. Authenticated
// requests carry a Principal in their context.
func Middleware(gate *Gate, opts MiddlewareOptions) func(http.Handler) http.Handler {
	public := make(map[string]struct{}, len(opts.PublicPaths))
	for _, p := range opts.PublicPaths {
		public[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			result := gate.Authenticate(r.Context(), r.Header.Get("Authorization"))
			publish(opts.Events, r, result)

			switch result.Outcome {
			case Anonymous:
				next.ServeHTTP(w, r)
				return

			case Rejected:
				if result.Reason == ReasonUnavailable {
					idempotency.Discard(r.Context())
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Retry-After", "1")
					w.WriteHeader(http.StatusServiceUnavailable)
					json.NewEncoder(w).Encode(models.NewErrorResponse(result.Reason.Message()))
					return
				}
				logoutAllowed := result.Reason == ReasonExpired &&
					opts.LogoutPath != "" && r.URL.Path == opts.LogoutPath
				if !logoutAllowed {
					writeUnauthorized(w, r, result.Reason.Message())
					return
				}
			}

			p := &Principal{
				Identity:  *result.Identity,
				Token:     result.Token,
				ExpiresAt: result.ExpiresAt,
				SessionID: result.SessionID,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireIdentity rejects anonymous requests with 401.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			writeUnauthorized(w, r, models.MessageAuthRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects requests whose identity holds none of roles. Anonymous
// requests get 401, authenticated ones 403.
func RequireRole(events *EventLogger, roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeUnauthorized(w, r, models.MessageAuthRequired)
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			if events != nil {
				events.Publish(Event{
					Type:     EventEndpointAccess,
					Subject:  id.Email,
					ClientIP: clientip.FromRequest(r),
					Method:   r.Method,
					Path:     r.URL.Path,
					Detail:   "denied for role " + string(id.Role),
				})
			}

			idempotency.Discard(r.Context())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(models.NewErrorResponse(models.MessageForbidden))
		})
	}
}

func publish(events *EventLogger, r *http.Request, result Result) {
	if events == nil || result.Outcome == Anonymous {
		return
	}

	e := Event{
		ClientIP: clientip.FromRequest(r),
		Method:   r.Method,
		Path:     r.URL.Path,
	}
	if result.Identity != nil {
		e.Subject = result.Identity.Email
	}

	switch result.Reason {
	case ReasonNone:
		e.Type = EventTokenValid
	case ReasonExpired:
		e.Type = EventTokenExpired
	case ReasonRevoked:
		e.Type = EventTokenRevoked
	default:
		e.Type = EventTokenInvalid
		e.Detail = result.Reason.String()
	}
	events.Publish(e)
}

// writeUnauthorized answers 401. The response is never kept as an
// idempotency record.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	idempotency.Discard(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message))
}
