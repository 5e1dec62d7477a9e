package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// DevUserHeader names the caller in development when no token is sent.
const DevUserHeader = "X-Dev-User"

// Claims carries only the subject. The caller's role is read from their
// profile, not the token.
type Claims struct {
	jwt.RegisteredClaims
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 validation instead of JWKS.
	SigningKey []byte
	Skipper    func(c echo.Context) bool
	Logger     zerolog.Logger
}

const jwksCacheTTL = 5 * time.Minute

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter which browsers use for websocket upgrades.
func bearerToken(c echo.Context) (string, bool) {
	if header := c.Request().Header.Get(echo.HeaderAuthorization); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return "", false
		}
		return strings.TrimSpace(token), true
	}
	if token := c.QueryParam("access_token"); token != "" {
		return token, true
	}
	return "", false
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		url := cfg.JWKSURL
		if url == "" && cfg.Issuer != "" {
			discovered, err := DiscoverJWKSURL(cfg.Issuer)
			if err != nil {
				cfg.Logger.Warn().Err(err).Str("issuer", cfg.Issuer).Msg("jwks discovery failed")
			}
			url = discovered
		}
		keyFunc = NewJWKSCache(url, jwksCacheTTL).KeyFunc()
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			if c.Request().Header.Get(echo.HeaderAuthorization) == "" && c.QueryParam("access_token") == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			tokenStr, ok := bearerToken(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), claims.Subject)))
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts X-Dev-User (or the dev_user query parameter) when
// no bearer token is sent. Requests carrying a token go through withToken.
func DevAuthMiddleware(withToken echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := next
		if withToken != nil {
			validated = withToken(next)
		}
		return func(c echo.Context) error {
			if _, ok := bearerToken(c); ok {
				return validated(c)
			}
			uid := c.Request().Header.Get(DevUserHeader)
			if uid == "" {
				uid = c.QueryParam("dev_user")
			}
			if uid != "" {
				c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), uid)))
			}
			return next(c)
		}
	}
}

// WithUser stores the authenticated subject on ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}
