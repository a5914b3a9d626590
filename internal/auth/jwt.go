package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/config"
)

// ErrInvalidCredentials is returned by Login for a wrong user or password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Role values carried in tokens.
const (
	RoleAdmin  = "admin"
	RoleReader = "reader"
)

// JWTManager issues and validates API tokens
type JWTManager struct {
	config    config.JWTConfig
	adminUser string
	adminHash string
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the token may change simulation state.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// NewJWTManager creates a new JWT manager. Without a configured secret a
// random one is generated, so tokens do not survive a restart.
func NewJWTManager(cfg config.JWTConfig, api config.APIConfig) (*JWTManager, error) {
	if cfg.Secret == "" {
		secret, err := randomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Secret = secret
		log.Warn().Msg("Using a generated JWT secret")
	}
	return &JWTManager{
		config:    cfg,
		adminUser: api.AdminUser,
		adminHash: api.AdminPasswordHash,
	}, nil
}

// Login checks the admin credentials and returns an admin token.
func (m *JWTManager) Login(username, password string) (string, time.Time, error) {
	if m.adminHash == "" || username != m.adminUser || !passwordMatches(password, m.adminHash) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return m.GenerateToken(username, RoleAdmin)
}

// GenerateToken signs an access token for username
func (m *JWTManager) GenerateToken(username, role string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(m.config.AccessTokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			ID:        uuid.New().String(),
		},
		Username: username,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(m.config.Issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
