package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/imageforge/pkg/jwt"
)

type authContextKey string

const contextKeyTenant authContextKey = "imageforge-tenant"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request carries a valid tenant token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := requestToken(req)
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := jwt.Parse(token, r.jwtSecret)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyTenant, claims.TenantID)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func tenantFromContext(ctx context.Context) (string, bool) {
	tenant, ok := ctx.Value(contextKeyTenant).(string)
	return tenant, ok && tenant != ""
}

// requestToken reads the bearer token, falling back to access_token for
// websocket and EventSource clients that cannot set headers.
func requestToken(req *http.Request) (string, error) {
	header := req.Header.Get("Authorization")
	if strings.TrimSpace(header) == "" {
		if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
