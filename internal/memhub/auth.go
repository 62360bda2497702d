package memhub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

type contextKey string

const subjectContextKey contextKey = "subject"

// Auth verifies HS256 bearer tokens.
type Auth struct {
	secret []byte
}

// NewAuth creates an authenticator for tokens signed with secret.
func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// IssueToken signs a token for subject that expires after ttl.
func (a *Auth) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) validateToken(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			sendResponse(w, http.StatusUnauthorized, protocol.Failure("unauthorized", "missing authentication token", nil))
			return
		}
		claims, err := a.validateToken(tokenStr)
		if err != nil {
			sendResponse(w, http.StatusUnauthorized, protocol.Failure("unauthorized", "invalid token: "+err.Error(), nil))
			return
		}
		ctx := context.WithValue(r.Context(), subjectContextKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Subject returns the authenticated subject of a request, "" without auth.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectContextKey).(string)
	return s
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}
