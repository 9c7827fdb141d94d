package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"fieldroute/internal/auth"
	"fieldroute/internal/store"
)

var errUnauthenticated = errors.New("unauthenticated")

// principal resolves the caller once per request. A bearer token wins; its
// tenant claim is authoritative. Without a token (dev mode only) the tenant
// comes from X-Tenant-Id, then the X-User-Id profile, then the default tenant.
func (s *Server) principal(r *http.Request) (auth.Principal, error) {
	if p, ok, err := s.bearer(r); ok {
		if err != nil {
			return auth.Principal{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
		}
		return p, nil
	}
	if !s.devAuth() {
		return auth.Principal{}, fmt.Errorf("%w: bearer token required", errUnauthenticated)
	}

	p := auth.Principal{
		Tenant: strings.TrimSpace(r.Header.Get("X-Tenant-Id")),
		Role:   strings.ToLower(strings.TrimSpace(r.Header.Get("X-Role"))),
		UserID: strings.TrimSpace(r.Header.Get("X-User-Id")),
	}
	if p.Role == "" {
		p.Role = auth.RoleDispatcher
	}
	if p.Tenant == "" && p.UserID != "" {
		t, err := s.Store.TenantForUser(r.Context(), p.UserID)
		switch {
		case err == nil:
			p.Tenant = t
		case !errors.Is(err, store.ErrNotFound):
			return auth.Principal{}, fmt.Errorf("resolve tenant: %w", err)
		}
	}
	if p.Tenant == "" {
		p.Tenant = s.DefaultTenant
	}
	return p, nil
}

type bearerCtxKey struct{}

type bearerResult struct {
	p   auth.Principal
	err error
}

func bearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(authz[len("Bearer "):]), true
}

// bearer returns the verified bearer principal. ok is false when the request
// carries no bearer token. The result of authenticate is reused when present.
func (s *Server) bearer(r *http.Request) (p auth.Principal, ok bool, err error) {
	if v, cached := r.Context().Value(bearerCtxKey{}).(bearerResult); cached {
		return v.p, true, v.err
	}
	tok, found := bearerToken(r)
	if !found || s.Auth == nil {
		return auth.Principal{}, false, nil
	}
	p, err = s.Auth.Verify(r.Context(), tok)
	return p, true, err
}

// authenticate verifies the bearer token once, ahead of rate limiting.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, found := bearerToken(r); found && s.Auth != nil {
			p, _, err := s.bearer(r)
			r = r.WithContext(context.WithValue(r.Context(), bearerCtxKey{}, bearerResult{p: p, err: err}))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) devAuth() bool { return s.Auth == nil || s.Auth.Mode == "dev" }

// authorize writes 401/403 and returns false when the caller may not proceed.
// allow is nil for "any authenticated caller".
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, allow func(auth.Principal) bool) (auth.Principal, bool) {
	p, err := s.principal(r)
	if err != nil {
		if errors.Is(err, errUnauthenticated) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
		} else {
			writeError(w, r, "Tenant resolution failed", err)
		}
		return p, false
	}
	if allow != nil && !allow(p) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "role "+p.Role+" not permitted", r.URL.Path)
		return p, false
	}
	return p, true
}

func dispatchers(p auth.Principal) bool { return p.CanDispatch() }
func admins(p auth.Principal) bool      { return p.IsAdmin() }

// canSeeTechnician lets dispatchers see everyone and technicians only themselves.
func canSeeTechnician(p auth.Principal, technicianID string) bool {
	return p.CanDispatch() || (p.Role == auth.RoleTechnician && p.UserID != "" && p.UserID == technicianID)
}
