package client

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrTokenExpired is returned before a request is sent with a token whose
// exp claim has passed.
var ErrTokenExpired = errors.New("auth token expired")

// TokenFile holds a saved authentication token.
type TokenFile struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Server    string    `json:"server"`
}

// IsExpired returns true if the token has expired (with optional margin).
// A zero ExpiresAt never expires.
func (t *TokenFile) IsExpired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// TokenExpiry reads the exp claim of a JWT without verifying its
// signature; the server does that. Opaque tokens return the zero time.
func TokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	exp := TokenExpiry(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
	c.tokenExpiry = exp
	if !exp.IsZero() {
		c.log.Debug("auth token set", zap.Time("expires", exp))
	}
}

// TokenExpired reports whether the current token expires within margin.
func (c *Client) TokenExpired(margin time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokenExpiry.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(c.tokenExpiry)
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// checkToken fails fast when the token is known to be expired.
func (c *Client) checkToken() error {
	if c.TokenExpired(0) {
		return ErrTokenExpired
	}
	return nil
}

// TokenFilePath returns the default token file location.
func TokenFilePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "hub", "token.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "hub", "token.json")
}

// SaveToken writes tf to path, creating the directory.
func SaveToken(path string, tf *TokenFile) error {
	if tf.ExpiresAt.IsZero() {
		tf.ExpiresAt = TokenExpiry(tf.Token)
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken reads a token file.
func LoadToken(path string) (*TokenFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &tf, nil
}
