package services

import (
	"context"
	"errors"

	"mosaic/internal/auth"
	"mosaic/internal/middleware"
)

// LoginPayload is the body of POST /api/login
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries an issued token
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// AuthStatus reports whether auth is on and who is calling
type AuthStatus struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
}

// AuthImplementation implements the auth service
type AuthImplementation struct {
	authenticator *auth.Authenticator
}

// NewAuthService creates a new auth service implementation
func NewAuthService(authenticator *auth.Authenticator) *AuthImplementation {
	return &AuthImplementation{authenticator: authenticator}
}

// Login authenticates a user and returns a JWT token
func (a *AuthImplementation) Login(ctx context.Context, payload *LoginPayload) (*LoginResult, error) {
	if payload == nil || payload.Username == "" {
		return nil, &BadRequestError{Message: "username required"}
	}
	token, expiresAt, err := a.authenticator.Authenticate(payload.Username, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			return nil, &UnauthorizedError{Message: "Invalid username or password"}
		case errors.Is(err, auth.ErrAuthDisabled):
			return nil, &UnauthorizedError{Message: "Authentication is disabled"}
		}
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: expiresAt}, nil
}

// Status returns the current authentication status
func (a *AuthImplementation) Status(ctx context.Context) (*AuthStatus, error) {
	status := &AuthStatus{Enabled: a.authenticator.IsEnabled()}
	if claims := middleware.GetUserFromContext(ctx); claims != nil {
		status.Authenticated = true
		status.Username = &claims.Username
	}
	return status, nil
}
