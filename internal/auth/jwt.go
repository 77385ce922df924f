package auth

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Issuer is set on every token
const Issuer = "mosaic"

// Claims represents the JWT claims
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTManager signs and validates HS256 tokens
type JWTManager struct {
	secretKey []byte
	expiry    time.Duration
}

// NewJWTManager creates a JWT manager. An empty secret is replaced with a
// random one, so tokens do not survive a restart.
func NewJWTManager(secret string, expiry time.Duration) *JWTManager {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTManager{secretKey: key, expiry: expiry}
}

// GenerateToken creates a new token for a user
func (m *JWTManager) GenerateToken(username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.expiry)

	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a token and returns its claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Expiry returns the token lifetime
func (m *JWTManager) Expiry() time.Duration {
	return m.expiry
}
