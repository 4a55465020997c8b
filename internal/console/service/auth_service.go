package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/tbs-engine/internal/domain"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// OperatorProvider — источник операторов (конфиг или Postgres).
// Отсутствующий оператор — (nil, nil).
type OperatorProvider interface {
	GetOperator(ctx context.Context, username string) (*domain.Operator, error)
}

// StaticOperators — операторы из секции auth.operators конфига
type StaticOperators map[string]domain.Operator

func NewStaticOperators(ops []domain.Operator) StaticOperators {
	m := make(StaticOperators, len(ops))
	for _, op := range ops {
		m[op.Username] = op
	}
	return m
}

func (s StaticOperators) GetOperator(_ context.Context, username string) (*domain.Operator, error) {
	op, ok := s[username]
	if !ok {
		return nil, nil
	}
	return &op, nil
}

type AuthService struct {
	repo       OperatorProvider
	privateKey *rsa.PrivateKey
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewAuthService(repo OperatorProvider, privateKey *rsa.PrivateKey, issuer string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		repo:       repo,
		privateKey: privateKey,
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	op, err := s.repo.GetOperator(ctx, username)
	if err != nil || op == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Claims: права оператора из конфига/БД
	now := s.now()
	expiresAt := now.Add(s.ttl)
	scopes := make(map[string]bool, len(op.Scopes))
	for _, sc := range op.Scopes {
		scopes[sc] = true
	}
	claims := &domain.CustomClaims{
		UserID: op.Username,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   op.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// 4. Подпись закрытым ключом (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}

// HashPassword — bcrypt-хэш для секции auth.operators
func HashPassword(password string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
