package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"mosaic/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

const (
	// UserContextKey is the key for storing user claims in context
	UserContextKey ContextKey = "user"
)

// TokenValidator validates bearer tokens
type TokenValidator interface {
	IsEnabled() bool
	ValidateToken(token string) (*auth.Claims, error)
}

// AuthMiddleware requires a valid bearer token on every path except the
// public ones. Websocket clients cannot set headers from a browser, so a
// token query parameter is accepted as well.
func AuthMiddleware(validator TokenValidator, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validator.IsEnabled() || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					unauthorized(w, "token has expired")
				} else {
					unauthorized(w, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		t := r.URL.Query().Get("token")
		return t, t != ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": "` + msg + `"}`))
}

// GetUserFromContext retrieves user claims from the request context
func GetUserFromContext(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(UserContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}
