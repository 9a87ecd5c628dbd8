package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/solaius/credential-registry/pkg/orchestrator"
)

// Headers set by the authenticating proxy in front of the server.
const (
	UserHeader  = "X-Remote-User"
	GroupHeader = "X-Remote-Group"
)

type identityCtxKey struct{}

// WithIdentity returns a new context with the given Identity attached.
func WithIdentity(ctx context.Context, id orchestrator.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the zero value and false if no identity is set.
func IdentityFromContext(ctx context.Context) (orchestrator.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(orchestrator.Identity)
	return id, ok
}

// IdentityMiddleware extracts the caller from X-Remote-User and the
// comma-separated X-Remote-Group headers. Requests without a user are
// rejected with 401; authentication happens upstream.
func IdentityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get(UserHeader))
			if user == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+UserHeader+" header")
				return
			}

			var groups []string
			if groupHeader := strings.TrimSpace(r.Header.Get(GroupHeader)); groupHeader != "" {
				for _, g := range strings.Split(groupHeader, ",") {
					if g = strings.TrimSpace(g); g != "" {
						groups = append(groups, g)
					}
				}
			}

			ctx := WithIdentity(r.Context(), orchestrator.Identity{Actor: user, Groups: groups})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
