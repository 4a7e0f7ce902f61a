// ABOUTME: HTTP middleware enforcing bearer-token auth on the operator API.
// ABOUTME: Accepts a token query parameter for EventSource and WebSocket clients.

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// requestToken pulls the token from the Authorization header, falling back
// to the token query parameter since EventSource cannot set headers.
func requestToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", "invalid authorization header format"
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}

	return "", "missing authorization"
}

// Middleware verifies the request token and attaches the operator identity
// to the request context.
func Middleware(a *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := requestToken(r)
			if errMsg != "" {
				unauthorized(w, errMsg)
				return
			}

			operator, err := a.Verify(token)
			if err != nil {
				logger.Debug("token rejected", "path", r.URL.Path, "error", err)
				unauthorized(w, "invalid token")
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{Operator: operator})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
