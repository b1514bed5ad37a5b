package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("session-secret")

func requestWithCookie(value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/media/a.jpg", nil)
	if value != "" {
		r.AddCookie(&http.Cookie{Name: "mg", Value: value})
	}
	return r
}

func TestCookieChecker(t *testing.T) {
	checker := NewCookieChecker("mg", secret, []string{"Admin", "editor"}, nil)

	admin, err := Issue(secret, "alice", "admin", time.Hour)
	require.NoError(t, err)
	editor, err := Issue(secret, "bob", "EDITOR", time.Hour)
	require.NoError(t, err)
	viewer, err := Issue(secret, "carol", "viewer", time.Hour)
	require.NoError(t, err)
	expired, err := Issue(secret, "dave", "admin", -time.Minute)
	require.NoError(t, err)
	forged, err := Issue([]byte("other"), "eve", "admin", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		cookie string
		want   bool
	}{
		{"admin", admin, true},
		{"editor", editor, true},
		{"viewer", viewer, false},
		{"expired", expired, false},
		{"forged", forged, false},
		{"garbage", "not-a-jwt", false},
		{"missing", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checker.IsPrivilegedSession(requestWithCookie(tt.cookie)))
		})
	}
}

func TestAuthenticateErrors(t *testing.T) {
	checker := NewCookieChecker("mg", secret, []string{"admin"}, nil)

	_, err := checker.Authenticate(requestWithCookie(""))
	assert.ErrorIs(t, err, ErrNoSession)

	viewer, err := Issue(secret, "carol", "viewer", time.Hour)
	require.NoError(t, err)
	_, err = checker.Authenticate(requestWithCookie(viewer))
	assert.ErrorIs(t, err, ErrNotPrivileged)

	_, err = checker.Authenticate(requestWithCookie("x.y.z"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRejectsNonHS256(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	checker := NewCookieChecker("mg", secret, []string{"admin"}, nil)
	assert.False(t, checker.IsPrivilegedSession(requestWithCookie(token)))
}

func TestRequiresExpiry(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "admin"}).SignedString(secret)
	require.NoError(t, err)

	checker := NewCookieChecker("mg", secret, []string{"admin"}, nil)
	assert.False(t, checker.IsPrivilegedSession(requestWithCookie(token)))
}

func TestEmptySecretNeverPrivileged(t *testing.T) {
	token, err := Issue(secret, "alice", "admin", time.Hour)
	require.NoError(t, err)

	checker := NewCookieChecker("mg", nil, []string{"admin"}, nil)
	assert.False(t, checker.IsPrivilegedSession(requestWithCookie(token)))
}

func TestNever(t *testing.T) {
	assert.False(t, Never.IsPrivilegedSession(requestWithCookie("anything")))
}
