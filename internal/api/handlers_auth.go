package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strings"

	"storefront/internal/auth"
	"storefront/internal/clientip"
	"storefront/internal/models"
	"storefront/internal/storage"
)

// Login issues an access and refresh token pair for an email address.
// Accounts are created on first login with the role granted by the
// configured allow-lists.
// POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if h.security == nil || h.users == nil {
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.MessageTryAgain)
		return
	}

	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		h.publish(r, auth.EventAuthFailure, email, "invalid email")
		h.writeErrorResponse(w, http.StatusUnprocessableEntity, "A valid email is required")
		return
	}

	user, err := h.users.GetUserByEmail(r.Context(), email)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		user = &models.User{
			Email:     email,
			FullName:  displayName(email),
			Role:      h.security.Roles.ResolveForEmail(email),
			CreatedAt: h.clock.Now().UTC(),
		}
	case err != nil:
		h.writeServiceError(w, r, err)
		return
	}
	user.LastLogin = h.clock.Now().UTC()

	if err := h.users.SaveUser(r.Context(), user); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	pair, err := h.security.Tokens.IssuePair(user, "")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.publish(r, auth.EventAuthSuccess, email, "")
	h.writeJSONResponse(w, http.StatusOK, authResponse(pair))
}

// Refresh exchanges a refresh token for a new token pair. The presented
// token is revoked, so each refresh token works once.
// POST /api/v1/auth/refresh
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.security == nil || h.users == nil {
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.MessageTryAgain)
		return
	}

	var req models.RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, models.MessageRefreshRequired)
		return
	}

	// Resolve the holder before the token is spent so a storage hiccup does
	// not log the user out.
	claims, err := h.security.Tokens.ParseRefresh(req.RefreshToken)
	if err != nil {
		h.refreshRejected(w, r, "", err)
		return
	}
	user, err := h.users.GetUserByID(r.Context(), claims.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		h.refreshRejected(w, r, claims.Subject, auth.ErrMalformedToken)
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	claims, err = h.security.Gate.Redeem(r.Context(), req.RefreshToken)
	if err != nil {
		h.refreshRejected(w, r, user.Email, err)
		return
	}

	pair, err := h.security.Tokens.IssuePair(user, claims.SessionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.publish(r, auth.EventTokenRefresh, user.Email, "")
	h.writeJSONResponse(w, http.StatusOK, authResponse(pair))
}

func (h *Handlers) refreshRejected(w http.ResponseWriter, r *http.Request, subject string, err error) {
	switch {
	case errors.Is(err, auth.ErrUnavailable):
		h.logger.Error("Failed to redeem refresh token", "subject", subject, "error", err)
		w.Header().Set("Retry-After", "1")
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.MessageTryAgain)
	case errors.Is(err, auth.ErrRefreshRevoked):
		h.publish(r, auth.EventTokenRevoked, subject, "refresh token")
		h.writeErrorResponse(w, http.StatusUnauthorized, models.MessageTokenRevoked)
	case errors.Is(err, auth.ErrTokenExpired):
		h.publish(r, auth.EventTokenExpired, subject, "refresh token")
		h.writeErrorResponse(w, http.StatusUnauthorized, models.MessageTokenExpired)
	case errors.Is(err, auth.ErrInvalidSignature):
		h.publish(r, auth.EventTokenInvalid, subject, "refresh token signature")
		h.writeErrorResponse(w, http.StatusUnauthorized, models.MessageInvalidSignature)
	default:
		h.publish(r, auth.EventTokenInvalid, subject, "refresh token")
		h.writeErrorResponse(w, http.StatusUnauthorized, models.MessageInvalidToken)
	}
}

func authResponse(pair *auth.TokenPair) *models.AuthResponse {
	refreshExp := pair.RefreshExpiresAt
	return &models.AuthResponse{
		AccessToken:      pair.AccessToken,
		TokenType:        "Bearer",
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: &refreshExp,
	}
}

// Logout revokes the presented token until it would have expired anyway and
// ends its session, which revokes every refresh token issued with it. A
// refresh token in the body is revoked as well.
// POST /api/v1/auth/logout
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.writeErrorResponse(w, http.StatusUnauthorized, models.MessageAuthRequired)
		return
	}
	if h.security == nil {
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.MessageTryAgain)
		return
	}

	var req models.RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	err := h.security.Blacklist.Revoke(r.Context(), p.Token, p.ExpiresAt)
	if err == nil && p.SessionID != "" {
		err = h.security.Gate.EndSession(r.Context(), p.SessionID)
	}
	if err == nil && req.RefreshToken != "" {
		err = h.revokeRefresh(r, p, req.RefreshToken)
	}
	if err != nil {
		h.logger.Error("Failed to revoke token", "subject", p.Identity.Email, "error", err)
		w.Header().Set("Retry-After", "1")
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.MessageTryAgain)
		return
	}

	h.publish(r, auth.EventLogout, p.Identity.Email, "")
	h.writeJSONResponse(w, http.StatusOK, &models.MessageResponse{
		Status:  "success",
		Message: "Logged out",
	})
}

// revokeRefresh revokes a refresh token belonging to the caller. Tokens that
// are invalid, expired or someone else's are left alone.
func (h *Handlers) revokeRefresh(r *http.Request, p *auth.Principal, token string) error {
	claims, err := h.security.Tokens.ParseRefresh(token)
	if err != nil || claims.UserID != p.Identity.UserID {
		return nil
	}
	if err := h.security.Blacklist.Revoke(r.Context(), token, claims.ExpiresAtTime()); err != nil {
		return err
	}
	if claims.SessionID != "" && claims.SessionID != p.SessionID {
		return h.security.Gate.EndSession(r.Context(), claims.SessionID)
	}
	return nil
}

func (h *Handlers) publish(r *http.Request, t auth.EventType, subject, detail string) {
	if h.security == nil || h.security.Events == nil {
		return
	}
	h.security.Events.Publish(auth.Event{
		Type:     t,
		Subject:  subject,
		ClientIP: clientip.FromRequest(r),
		Method:   r.Method,
		Path:     r.URL.Path,
		Detail:   detail,
	})
}

// displayName derives a name from the local part of an email address.
func displayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
