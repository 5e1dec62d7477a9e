package profile

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/auth"
)

type principalKey struct{}

// Resolver turns the authenticated subject into a Principal by looking up the
// caller's profile role. Profiles are cached by id.
type Resolver struct {
	repo  Repository
	cache *lru.Cache
}

func NewResolver(repo Repository, cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, _ := lru.New(cacheSize)
	return &Resolver{repo: repo, cache: cache}
}

// Lookup returns a profile, serving repeats from the cache.
func (r *Resolver) Lookup(ctx context.Context, id uuid.UUID) (*Profile, error) {
	if v, ok := r.cache.Get(id); ok {
		return v.(*Profile), nil
	}
	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, p)
	return p, nil
}

// LookupMany returns the profiles that exist among ids, keyed by id. Only
// cache misses reach the repository.
func (r *Resolver) LookupMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Profile, error) {
	out := make(map[uuid.UUID]*Profile, len(ids))
	var missing []uuid.UUID
	for _, id := range ids {
		if v, ok := r.cache.Get(id); ok {
			out[id] = v.(*Profile)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	found, err := r.repo.ListByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, p := range found {
		r.cache.Add(p.ID, p)
		out[p.ID] = p
	}
	return out, nil
}

// Invalidate drops a cached profile, e.g. after a role change.
func (r *Resolver) Invalidate(id uuid.UUID) {
	r.cache.Remove(id)
}

// ResolveCaller returns the principal for the authenticated subject on ctx.
// A principal already attached by Middleware is returned as is.
func (r *Resolver) ResolveCaller(ctx context.Context) (Principal, error) {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p, nil
	}
	sub := auth.UserIDFromContext(ctx)
	if sub == "" {
		return Principal{}, apperror.Unauthenticated("no authenticated caller")
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return Principal{}, apperror.Unauthenticated("subject %q is not a profile id", sub)
	}
	p, err := r.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return Principal{}, apperror.Unauthenticated("no profile for caller")
		}
		return Principal{}, err
	}
	kind, ok := KindForRole(p.Role)
	if !ok {
		return Principal{}, apperror.Forbidden("role %q may not use messaging", p.Role)
	}
	return Principal{ID: id, Kind: kind}, nil
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware resolves the caller once per request.
func (r *Resolver) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			p, err := r.ResolveCaller(ctx)
			if err != nil {
				return apperror.ToHTTP(err)
			}
			c.SetRequest(c.Request().WithContext(WithPrincipal(ctx, p)))
			return next(c)
		}
	}
}

// RequireStaff rejects callers that are not staff. It must run after Middleware.
func RequireStaff() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated caller")
			}
			if !p.IsStaff() {
				return echo.NewHTTPError(http.StatusForbidden, "staff only")
			}
			return next(c)
		}
	}
}
