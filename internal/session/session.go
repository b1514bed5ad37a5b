// Package session answers one question for the request gate: does this
// request belong to a privileged back-office user?
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSession     = errors.New("no session cookie")
	ErrInvalidToken  = errors.New("invalid session token")
	ErrNotPrivileged = errors.New("session is not privileged")
)

// Checker reports whether r carries a valid privileged session.
type Checker interface {
	IsPrivilegedSession(r *http.Request) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(r *http.Request) bool

// IsPrivilegedSession implements Checker.
func (f CheckerFunc) IsPrivilegedSession(r *http.Request) bool {
	return f(r)
}

// Never is a Checker that grants nobody a bypass.
var Never Checker = CheckerFunc(func(*http.Request) bool { return false })

// Claims is the payload of the session cookie.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// CookieChecker validates an HS256 signed session cookie and checks its role.
type CookieChecker struct {
	cookie string
	secret []byte
	roles  []string
	logger *slog.Logger
}

// NewCookieChecker creates a CookieChecker. With an empty secret no session
// is ever accepted.
func NewCookieChecker(cookie string, secret []byte, roles []string, logger *slog.Logger) *CookieChecker {
	if logger == nil {
		logger = slog.Default()
	}
	normalized := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			normalized = append(normalized, r)
		}
	}
	return &CookieChecker{
		cookie: cookie,
		secret: append([]byte(nil), secret...),
		roles:  normalized,
		logger: logger,
	}
}

// IsPrivilegedSession implements Checker.
func (c *CookieChecker) IsPrivilegedSession(r *http.Request) bool {
	claims, err := c.Authenticate(r)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			c.logger.Debug("session rejected", "error", err, "path", r.URL.Path)
		}
		return false
	}
	return claims != nil
}

// Authenticate returns the claims of a valid privileged session.
func (c *CookieChecker) Authenticate(r *http.Request) (*Claims, error) {
	cookie, err := r.Cookie(c.cookie)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}
	if len(c.secret) == 0 {
		return nil, fmt.Errorf("%w: session secret not configured", ErrInvalidToken)
	}
	claims := &Claims{}
	_, err = jwt.ParseWithClaims(cookie.Value, claims, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !slices.Contains(c.roles, strings.ToLower(claims.Role)) {
		return nil, fmt.Errorf("%w: role %q", ErrNotPrivileged, claims.Role)
	}
	return claims, nil
}

// Issue mints a session token. It exists for tooling and tests; production
// sessions come from the identity provider sharing the secret.
func Issue(secret []byte, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}
