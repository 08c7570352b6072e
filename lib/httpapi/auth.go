package httpapi

import (
	"net/http"
	"os"
	"strings"
)

// AuthConfig holds API key authentication configuration. Auth is off
// unless a key is configured.
type AuthConfig struct {
	APIKey   string
	Required bool
}

// NewAuthConfig creates an AuthConfig from the SLACK_AGENTS_API_KEY
// environment variable.
func NewAuthConfig() *AuthConfig {
	apiKey := os.Getenv("SLACK_AGENTS_API_KEY")
	required := apiKey != ""

	return &AuthConfig{
		APIKey:   apiKey,
		Required: required,
	}
}

// AuthMiddleware returns a middleware that validates the API key on
// API endpoints.
func (a *AuthConfig) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Required {
				next.ServeHTTP(w, r)
				return
			}

			if a.shouldSkipAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			var token string

			// For SSE endpoints (/events), check the query parameter
			// first since EventSource doesn't support custom headers.
			if strings.HasPrefix(r.URL.Path, "/events") {
				queryToken := r.URL.Query().Get("api_key")
				if queryToken != "" {
					token = queryToken
				}
			}

			if token == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					http.Error(w, "Missing Authorization header or api_key query parameter", http.StatusUnauthorized)
					return
				}

				const bearerPrefix = "Bearer "
				if !strings.HasPrefix(authHeader, bearerPrefix) {
					http.Error(w, "Authorization header must start with 'Bearer '", http.StatusUnauthorized)
					return
				}

				token = strings.TrimPrefix(authHeader, bearerPrefix)
			}

			if token == "" {
				http.Error(w, "Missing API key in Authorization header or api_key query parameter", http.StatusUnauthorized)
				return
			}

			if token != a.APIKey {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// shouldSkipAuth reports whether authentication is skipped for a path.
// The schema, the docs page and the root redirect stay open so the API
// remains discoverable; everything that touches the platform requires
// the key.
func (a *AuthConfig) shouldSkipAuth(path string) bool {
	skipPaths := []string{
		"/openapi.json",
		"/docs",
	}

	for _, skipPath := range skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}

	// Skip root redirect
	if path == "/" {
		return true
	}

	return false
}
