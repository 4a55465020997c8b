package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "accounts.control": true, "accounts.read": true
	jwt.RegisteredClaims
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Operator — оператор, управляющий аккаунтами через Control API.
type Operator struct {
	Username     string   `mapstructure:"username" json:"username"`
	PasswordHash string   `mapstructure:"password_hash" json:"-"` // bcrypt, никогда не отдаем наружу
	Scopes       []string `mapstructure:"scopes" json:"scopes"`
}
