package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"mosaic/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Authenticator checks the operator's credentials and issues tokens
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// NewAuthenticator creates an authenticator from the auth section of the
// configuration. The password may be given in plain text or as a bcrypt
// hash.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		enabled:    cfg.Enabled,
		username:   cfg.Username,
		jwtManager: NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry),
	}
	if !cfg.Enabled {
		return a, nil
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("auth enabled without a password")
	}

	if isBcryptHash(cfg.Password) {
		a.passwordHash = []byte(cfg.Password)
	} else {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		a.passwordHash = hash
	}
	return a, nil
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a token and its expiry as
// a unix timestamp
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}
	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtManager.GenerateToken(username)
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.jwtManager.ValidateToken(token)
}

// HashPassword creates a bcrypt hash of a password for the config file
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
