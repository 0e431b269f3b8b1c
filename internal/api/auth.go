package api

import (
	"context"
	"net/http"
	"strings"

	"hookrelay/internal/auth"
)

type ctxKeyPrincipal struct{}

// authMiddleware resolves the caller from the bearer token.
// Without a token only dev mode lets the request through.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			p   auth.Principal
			err error
		)
		authz := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			p, err = s.Auth.Verify(strings.TrimSpace(authz[len("Bearer "):]))
			if err != nil {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
				return
			}
		} else {
			var ok bool
			if p, ok = s.Auth.Anonymous(); !ok {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required", r.URL.Path)
				return
			}
		}
		ctx := context.WithValue(r.Context(), ctxKeyPrincipal{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireWrite rejects principals that may only read.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r.Context()).CanWrite() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "admin role required", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal{}).(auth.Principal)
	return p
}
