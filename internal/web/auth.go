package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// authGate exchanges the configured password for random bearer tokens that
// live only in memory. With no password configured every request passes.
type authGate struct {
	password string

	mu     sync.Mutex
	tokens []string
}

func newAuthGate(password string) *authGate {
	return &authGate{password: password}
}

func (g *authGate) enabled() bool {
	return g.password != ""
}

// issue validates the password and mints a new token.
func (g *authGate) issue(password string) (string, bool) {
	if !g.enabled() || !secureEqual(password, g.password) {
		return "", false
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", false
	}
	token := hex.EncodeToString(buf)

	g.mu.Lock()
	g.tokens = append(g.tokens, token)
	g.mu.Unlock()
	return token, true
}

func (g *authGate) validToken(token string) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tokens {
		if secureEqual(token, t) {
			return true
		}
	}
	return false
}

func (s *Server) authorizeRequest(r *http.Request) bool {
	if !s.auth.enabled() {
		return true
	}

	queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
	if s.auth.validToken(queryToken) {
		return true
	}

	return s.auth.validToken(bearerToken(r.Header.Get("Authorization")))
}

type authRequest struct {
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.auth.enabled() {
		writeAPIError(w, http.StatusBadRequest, "AUTH_DISABLED", "no password is configured")
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}

	token, ok := s.auth.issue(req.Password)
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid password")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token})
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	if token == "" {
		return ""
	}
	return token
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
