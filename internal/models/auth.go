package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims is the verified identity every enrollment operation receives.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email,omitempty"`
	FullName string   `json:"full_name,omitempty"`
	jwt.RegisteredClaims
}
