package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// SessionCookieName is the name of the session cookie.
const SessionCookieName = "parley_session"

// subject is the principal every session token is issued for; there is
// a single shared credential.
const subject = "parley"

// Config configures a Gate.
type Config struct {
	// Password is compared in constant time. PasswordHash, a bcrypt
	// hash, takes precedence when set. With neither set the gate is
	// open.
	Password     string
	PasswordHash string
	Secret       string
	TTL          time.Duration
	// SecureCookie marks the session cookie Secure.
	SecureCookie bool
}

// Gate authenticates API requests.
type Gate struct {
	enabled  bool
	password []byte
	hash     []byte
	verifier *JWTVerifier
	ttl      time.Duration
	secure   bool
	logger   *slog.Logger

	mu      sync.Mutex
	revoked map[string]time.Time // token -> when it expires anyway
}

// NewGate creates a gate. A gate without a password lets every request
// through.
func NewGate(cfg Config, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		enabled: cfg.Password != "" || cfg.PasswordHash != "",
		ttl:     cfg.TTL,
		secure:  cfg.SecureCookie,
		logger:  logger,
		revoked: make(map[string]time.Time),
	}
	if !g.enabled {
		return g, nil
	}
	if g.ttl <= 0 {
		g.ttl = 24 * time.Hour
	}

	if cfg.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
			return nil, fmt.Errorf("password_hash: %w", err)
		}
		g.hash = []byte(cfg.PasswordHash)
	} else {
		g.password = []byte(cfg.Password)
	}

	v, err := NewJWTVerifier([]byte(cfg.Secret))
	if err != nil {
		return nil, err
	}
	g.verifier = v
	return g, nil
}

// Enabled reports whether the gate requires a login.
func (g *Gate) Enabled() bool { return g.enabled }

// CheckPassword reports whether password is the configured credential.
func (g *Gate) CheckPassword(password string) bool {
	if !g.enabled {
		return true
	}
	if g.hash != nil {
		return bcrypt.CompareHashAndPassword(g.hash, []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare(g.password, []byte(password)) == 1
}

// Middleware rejects requests that carry no valid session token with
// 401 and a JSON error body.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	if !g.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if _, err := g.verifier.Verify(token); err != nil {
			g.logger.Debug("rejected session token", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		if g.isRevoked(token) {
			writeError(w, http.StatusUnauthorized, "session ended")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenFromRequest prefers a bearer token over the session cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

type loginRequest struct {
	Password string `json:"password"`
}

// HandleLogin checks the password from a JSON or form body, sets the
// session cookie and returns the token.
func (g *Gate) HandleLogin(w http.ResponseWriter, r *http.Request) {
	password, err := readPassword(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !g.CheckPassword(password) {
		g.logger.Warn("login failed", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	if !g.enabled {
		writeJSON(w, http.StatusOK, map[string]any{"message": "authentication disabled"})
		return
	}

	token, err := g.verifier.Generate(subject, g.ttl)
	if err != nil {
		g.logger.Error("failed to sign session token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.ttl.Seconds()),
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})

	g.logger.Info("login successful", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "logged in",
		"token":      token,
		"expires_in": int(g.ttl.Seconds()),
	})
}

// HandleLogout ends the session presented with the request, whether it
// came as a bearer token or the cookie, and clears the cookie.
// Revocations live in memory and do not survive a restart.
func (g *Gate) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if token := tokenFromRequest(r); token != "" && g.enabled {
		if _, err := g.verifier.Verify(token); err == nil {
			g.revoke(token)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"message": "logged out"})
}

// revoke blocks token until its expiry and forgets revocations whose
// tokens have expired.
func (g *Gate) revoke(token string) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for t, exp := range g.revoked {
		if now.After(exp) {
			delete(g.revoked, t)
		}
	}
	g.revoked[token] = now.Add(g.ttl)
}

func (g *Gate) isRevoked(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.revoked[token]
	return ok
}

func readPassword(r *http.Request) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		if err := r.ParseForm(); err != nil {
			return "", err
		}
		return r.FormValue("password"), nil
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16)).Decode(&req); err != nil {
		return "", err
	}
	return req.Password, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
