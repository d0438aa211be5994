// Package auth implements the bearer-token access gate protecting mutating
// cache endpoints: HS256 JWT verification with no custom claim
// requirements. Token issuance is out of scope — only verification lives
// here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned (and translated to HTTP 401) when a bearer
// token is missing, malformed, or fails HS256 verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verify parses tokenStr and checks its HS256 signature against secret. The
// signing method is pinned to HS256 so a token claiming "none" or RS256
// cannot be used to bypass verification.
func Verify(tokenStr string, secret []byte) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("auth: unexpected signing method %v, want HS256", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. ok is false if the header is absent or malformed.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

type contextKey int

const claimsContextKey contextKey = iota

// ClaimsFromContext retrieves the claims RequireToken stored, if any.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(jwt.MapClaims)
	return claims, ok
}

// RequireToken builds middleware gating mutating requests. If secret is
// empty, every request is allowed through unconditionally — callers are
// expected to have warned at startup that the cache is running without
// access control. Otherwise a missing, malformed, or invalid bearer token
// is rejected with 401 before the wrapped handler runs.
func RequireToken(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w)
				return
			}
			claims, err := Verify(tokenStr, secret)
			if err != nil {
				writeUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"code":401,"error":"InvalidToken","message":"missing or invalid bearer token"}`))
}
