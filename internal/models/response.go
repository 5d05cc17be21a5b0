// Package models - API response types and error handling.
// This file defines the outgoing response structures shared by the safety
// layer and the business handlers.
//
// Response Design Principles:
// - Every rejection is JSON with a stable status/message shape
// - Internal error detail (SQL text, lock internals) is never exposed
package models

import (
	"time"
)

// ErrorResponse is the body written for every rejected request.
type ErrorResponse struct {
	Status  string `json:"status"`  // Always "error"
	Message string `json:"message"` // Human-readable reason
}

// RateLimitResponse is the body written on admission rejection. It keeps the
// historical {"error": ...} shape clients already depend on.
type RateLimitResponse struct {
	Error string `json:"error"`
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type AuthResponse struct {
	AccessToken      string     `json:"access_token"`
	TokenType        string     `json:"token_type"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
}

type MessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// Fixed rejection messages produced by the safety layer.
const (
	MessageTooManyRequests     = "Too many requests. Please try again later."
	MessageIdempotencyConflict = "Idempotency-Key reuse with different payload"
	MessageIdempotencyInFlight = "A request with this Idempotency-Key is still in progress"
	MessageTokenExpired        = "Token expired"
	MessageInvalidSignature    = "Invalid token signature"
	MessageInvalidToken        = "Invalid or expired token"
	MessageTokenRevoked        = "Token has been revoked"
	MessageAuthRequired        = "Authentication required"
	MessageForbidden           = "Insufficient permissions for this operation"
	MessageInternalError       = "Internal server error"
	MessageTryAgain            = "Temporary failure, please retry"
	MessageBodyTooLarge        = "Request body too large"
	MessageRefreshRequired     = "A refresh token is required"
)

// Error codes carried by service errors. They are logged and used to pick
// the HTTP status; the client only ever sees the message.
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400
	ErrorCodeValidation         = "VALIDATION_ERROR"    // 422
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500
	ErrorCodeForbidden          = "FORBIDDEN"           // 403
	ErrorCodeConflict           = "CONFLICT"            // 409
	ErrorCodeInsufficientStock  = "INSUFFICIENT_STOCK"  // 409
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503
)

func NewErrorResponse(message string) *ErrorResponse {
	return &ErrorResponse{
		Status:  "error",
		Message: message,
	}
}
