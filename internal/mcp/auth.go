package mcp

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/engramlabs/engram/internal/config"
)

// Auth modes.
const (
	AuthModeAPIKey = "api_key"
	AuthModeJWT    = "jwt"
)

var (
	errMissingCredential = errors.New("authentication required")
	errInvalidCredential = errors.New("invalid API key")
	errInvalidToken      = errors.New("invalid token")
)

// authenticator checks request credentials for the HTTP and WebSocket
// transports. Keys arrive in MCP-API-Key, X-API-Key, or as a bearer
// token; in jwt mode the bearer value is validated as an HS256 token
// instead of compared literally.
type authenticator struct {
	require bool
	mode    string
	apiKey  string
	secret  []byte
}

// newAuthenticator builds an authenticator from config, with
// MCP_REQUIRE_AUTH and MCP_API_KEY taking precedence over the file.
func newAuthenticator(cfg config.AuthConfig) *authenticator {
	if v := os.Getenv("MCP_REQUIRE_AUTH"); v != "" {
		cfg.Require = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MCP_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	mode := cfg.Mode
	if mode == "" {
		mode = AuthModeAPIKey
	}
	return &authenticator{
		require: cfg.Require,
		mode:    mode,
		apiKey:  cfg.APIKey,
		secret:  []byte(cfg.JWTSecret),
	}
}

// authorize validates the request credential. Nil means allowed.
func (a *authenticator) authorize(r *http.Request) error {
	if !a.require {
		return nil
	}

	credential := extractCredential(r)
	if credential == "" {
		return errMissingCredential
	}

	if a.mode == AuthModeJWT {
		return a.validateJWT(credential)
	}
	if a.apiKey == "" || credential != a.apiKey {
		return errInvalidCredential
	}
	return nil
}

// extractCredential pulls the key or token out of the request,
// checking MCP-API-Key first, then X-API-Key, then a bearer token.
func extractCredential(r *http.Request) string {
	if v := r.Header.Get("MCP-API-Key"); v != "" {
		return v
	}
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (a *authenticator) validateJWT(token string) error {
	if len(a.secret) == 0 {
		return errors.New("jwt auth enabled but no secret configured")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return errInvalidToken
	}
	return nil
}
