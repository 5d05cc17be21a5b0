package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Role is the authorization role carried by an identity.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleStaff    Role = "STAFF"
	RoleAdmin    Role = "ADMIN"
)

// ParseRole normalizes a role claim. Unknown values resolve to CUSTOMER.
func ParseRole(s string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleStaff:
		return RoleStaff
	default:
		return RoleCustomer
	}
}

// Identity is the verified caller of one request. It is derived from a token
// and never persisted.
type Identity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}

// IsPrivileged reports whether the identity may manage inventory.
func (i Identity) IsPrivileged() bool {
	return i.Role == RoleAdmin || i.Role == RoleStaff
}

// User is a stored account.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      Role      `json:"role"`
	LastLogin time.Time `json:"last_login"`
	CreatedAt time.Time `json:"created_at"`
}

// HashToken computes the SHA-256 hex digest of a raw bearer token. Only this
// digest is ever stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
