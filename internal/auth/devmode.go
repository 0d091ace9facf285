package auth

import (
	"log/slog"
	"net/http"
)

// DevModeMiddleware injects a synthetic Principal with all scopes and admin role.
// Use only when AUTH_ENABLED=false (development).
func DevModeMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	logger.Warn("DEV MODE: Authentication disabled — all requests get admin principal")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := &Principal{
				Sub: "dev-user",
				Scopes: map[string]bool{
					"openid":           true,
					"opinionmap:read":  true,
					"opinionmap:write": true,
					"opinionmap:admin": true,
				},
				Roles: map[string]bool{
					"echolens_admin":   true,
					"echolens_analyst": true,
					"echolens_viewer":  true,
				},
				ClientID: "dev",
				Issuer:   "dev",
				Email:    "dev@echolens.dev",
			}
			ctx := WithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
