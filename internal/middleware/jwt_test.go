package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(AuthConfig{Secret: "test-secret", TTL: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return a
}

func TestAuthenticator_IssueAndVerify(t *testing.T) {
	a := newTestAuthenticator(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	token, exp, err := a.Issue("user-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	sub, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)

	now = now.Add(2 * time.Hour)
	_, err = a.Verify(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestAuthenticator_RejectsForeignTokens(t *testing.T) {
	a := newTestAuthenticator(t)

	other, err := NewAuthenticator(AuthConfig{Secret: "other-secret"})
	require.NoError(t, err)
	foreign, _, err := other.Issue("user-1")
	require.NoError(t, err)
	_, err = a.Verify(foreign)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = a.Verify(noExp)
	assert.Error(t, err)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = a.Verify(noSub)
	assert.Error(t, err)

	_, err = NewAuthenticator(AuthConfig{})
	assert.Error(t, err)
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("user=" + GetUserID(r.Context())))
	})
}

func TestAuthenticator_Require(t *testing.T) {
	a := newTestAuthenticator(t)
	token, _, err := a.Issue("alice")
	require.NoError(t, err)
	h := a.Require()(echoUser())

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing", "", http.StatusUnauthorized, "missing Authorization header"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "expected: Bearer"},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized, "invalid or expired token"},
		{"valid", "Bearer " + token, http.StatusOK, "user=alice"},
		{"lowercase scheme", "bearer " + token, http.StatusOK, "user=alice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.body)
			if tc.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestAuthenticator_Optional(t *testing.T) {
	a := newTestAuthenticator(t)
	token, _, err := a.Issue("bob")
	require.NoError(t, err)
	h := a.Optional()(echoUser())

	for header, want := range map[string]string{
		"":                 "user=",
		"Bearer broken":    "user=",
		"Bearer " + token: "user=bob",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, rec.Body.String())
	}
}

func TestHeaderTransportSetsAPIKey(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("apikey")
	}))
	defer srv.Close()

	client := &http.Client{Transport: &headerTransport{Key: "anon"}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "anon", got)
}
