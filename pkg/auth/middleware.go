package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware returns HTTP middleware that validates bearer tokens when
// present. Requests without an Authorization header pass through as
// anonymous; requests with an invalid or expired token are rejected with 401
// before they reach the rate limiter.
func Middleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeUnauthorized(w, "Invalid Authorization format, expected: Bearer <token>")
				return
			}

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				slog.Debug("Rejected bearer token", "error", err)
				writeUnauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"` + message + `"}}`))
}
