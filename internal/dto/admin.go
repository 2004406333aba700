package dto

import "github.com/golang-jwt/jwt/v5"

// ==================== Admin DTOs ====================

// AdminLoginRequest carries operator credentials plus the current TOTP
// code.
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

// AdminLoginResponse returns the bearer token on success.
type AdminLoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

// AdminClaims are the JWT claims for operator admin sessions.
type AdminClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// WatermarkRequest rewinds or advances one observer watermark. Chain is
// "monero" or "evm".
type WatermarkRequest struct {
	Chain  string `json:"chain" binding:"required"`
	Height uint64 `json:"height"`
}
