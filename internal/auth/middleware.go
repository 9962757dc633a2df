package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

// Middleware admits requests carrying an active, unexpired access token
// and puts its owner into the request context.
func Middleware(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}

		entry, err := service.Authenticate(r.Context(), tokenStr)
		if err != nil {
			writeBoundaryError(w, r, err, "failed to authenticate", service.now())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUsername(r.Context(), entry.Username)))
	})
}

func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, contextKey{}, username)
}

func UsernameFrom(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(contextKey{}).(string)
	return username, ok && username != ""
}
