package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

type tenantsContextKey struct{ name string }

var tenantsCtxKey = &tenantsContextKey{"allowed-tenants"}

// TenantsHeader carries the tenants the caller may act on. It is set by the
// API gateway after token validation, this service trusts it as-is.
const TenantsHeader = "X-Allowed-Tenants"

// RequireTenants rejects requests that arrive without any tenant scope and
// stores the allowed tenants in the request context for the handlers.
func RequireTenants() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenants := splitTenants(r.Header.Get(TenantsHeader))

			if len(tenants) == 0 {
				logging.GetFromContext(r.Context()).Info("request without tenant scope denied")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), tenantsCtxKey, tenants)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetAllowedTenantsFromContext(ctx context.Context) []string {
	tenants, ok := ctx.Value(tenantsCtxKey).([]string)
	if !ok {
		return []string{}
	}

	return tenants
}

func splitTenants(header string) []string {
	tenants := make([]string, 0, 4)

	for _, t := range strings.Split(header, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tenants = append(tenants, t)
		}
	}

	return tenants
}
