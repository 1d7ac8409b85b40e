package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-at-least-16-bytes"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	token, err := v.Generate("parley", time.Hour)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "parley", sub)
}

func TestJWTVerifier_WeakSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	token, err := v.Generate("parley", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	a, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	b, err := NewJWTVerifier([]byte("a-different-secret-value"))
	require.NoError(t, err)

	token, err := a.Generate("parley", time.Hour)
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	v, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	v, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "parley"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestNewGate(t *testing.T) {
	t.Run("disabled without password", func(t *testing.T) {
		g, err := NewGate(Config{}, quietLogger())
		require.NoError(t, err)
		assert.False(t, g.Enabled())
		assert.True(t, g.CheckPassword("anything"))
	})

	t.Run("requires secret", func(t *testing.T) {
		_, err := NewGate(Config{Password: "pw"}, quietLogger())
		assert.ErrorIs(t, err, ErrWeakSecret)
	})

	t.Run("rejects malformed hash", func(t *testing.T) {
		_, err := NewGate(Config{PasswordHash: "not-a-hash", Secret: testSecret}, quietLogger())
		assert.Error(t, err)
	})
}

func TestCheckPassword(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		g, err := NewGate(Config{Password: "hunter2", Secret: testSecret}, quietLogger())
		require.NoError(t, err)
		assert.True(t, g.CheckPassword("hunter2"))
		assert.False(t, g.CheckPassword("hunter3"))
		assert.False(t, g.CheckPassword(""))
	})

	t.Run("bcrypt", func(t *testing.T) {
		hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
		require.NoError(t, err)

		g, err := NewGate(Config{Password: "ignored", PasswordHash: string(hash), Secret: testSecret}, quietLogger())
		require.NoError(t, err)
		assert.True(t, g.CheckPassword("hunter2"))
		assert.False(t, g.CheckPassword("ignored"))
	})
}

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(Config{Password: "hunter2", Secret: testSecret, TTL: time.Hour}, quietLogger())
	require.NoError(t, err)
	return g
}

func protected() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestMiddleware_Disabled(t *testing.T) {
	g, err := NewGate(Config{}, quietLogger())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	g.Middleware(protected()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/get_chats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware(t *testing.T) {
	g := newTestGate(t)
	token, err := g.verifier.Generate(subject, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"no credentials", func(r *http.Request) {}, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"cookie", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
		}, http.StatusOK},
		{"garbage bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"basic scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) }, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/get_chats", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			g.Middleware(protected()).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestHandleLogin_JSON(t *testing.T) {
	g := newTestGate(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"password":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	g.HandleLogin(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, SessionCookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, 3600, c.MaxAge)

	// The issued cookie opens the gate.
	next := httptest.NewRequest(http.MethodGet, "/api/get_chats", nil)
	next.AddCookie(c)
	rec2 := httptest.NewRecorder()
	g.Middleware(protected()).ServeHTTP(rec2, next)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestHandleLogin_Form(t *testing.T) {
	g := newTestGate(t)

	form := url.Values{"password": {"hunter2"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	g.HandleLogin(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"token"`)
}

func TestHandleLogin_Failures(t *testing.T) {
	g := newTestGate(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"wrong password", `{"password":"nope"}`, http.StatusUnauthorized},
		{"empty password", `{}`, http.StatusUnauthorized},
		{"malformed body", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			g.HandleLogin(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, rec.Result().Cookies())
		})
	}
}

func TestHandleLogout(t *testing.T) {
	g := newTestGate(t)

	rec := httptest.NewRecorder()
	g.HandleLogout(rec, httptest.NewRequest(http.MethodPost, "/logout", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
	assert.Empty(t, cookies[0].Value)
	assert.True(t, cookies[0].MaxAge < 0)
}

func TestHandleLogin_SecureCookie(t *testing.T) {
	g, err := NewGate(Config{Password: "hunter2", Secret: testSecret, SecureCookie: true}, quietLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"password":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.HandleLogin(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].Secure)

	// Off unless asked for.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"password":"hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	newTestGate(t).HandleLogin(rec, req)
	require.Len(t, rec.Result().Cookies(), 1)
	assert.False(t, rec.Result().Cookies()[0].Secure)
}

func TestHandleLogout_EndsBearerSession(t *testing.T) {
	g := newTestGate(t)
	kept, err := g.verifier.Generate(subject, time.Hour)
	require.NoError(t, err)
	ended, err := g.verifier.Generate(subject, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, kept, ended)

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/get_chats", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		g.Middleware(protected()).ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, call(ended))

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Authorization", "Bearer "+ended)
	rec := httptest.NewRecorder()
	g.HandleLogout(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, call(ended))
	assert.Equal(t, http.StatusOK, call(kept), "other sessions stay valid")
}
