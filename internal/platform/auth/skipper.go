package auth

import (
	"github.com/labstack/echo/v4"
)

// SkipRoutes returns a Skipper that lets the named routes through without a
// token. Matching is on the registered route, so "/health" does not cover
// "/health/extra".
func SkipRoutes(routes ...string) func(echo.Context) bool {
	open := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		open[r] = struct{}{}
	}
	return func(c echo.Context) bool {
		_, ok := open[c.Path()]
		return ok
	}
}
