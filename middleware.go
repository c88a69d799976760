package micropub

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (a *App) setupMiddleware() {
	e := a.Echo

	e.HTTPErrorHandler = a.httpErrorHandler

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			c.Logger().Infof("%s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	e.Use(middleware.Recover())

	// Micropub clients attach up to 8 photos per request.
	e.Use(middleware.BodyLimit("32M"))
}

const tokenInfoKey = "micropub.token"

// requireToken authenticates the request's bearer token and stores the
// introspection result on the context. Scope checks happen later, once
// the requested operation is known.
func (a *App) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, err := bearerToken(c.Request())
		if err != nil {
			return err
		}
		info, err := a.Verifier.Verify(c.Request().Context(), token)
		if err != nil {
			return err
		}
		c.Set(tokenInfoKey, info)
		return next(c)
	}
}

func bearerToken(r *http.Request) (string, error) {
	authz := r.Header.Get(echo.HeaderAuthorization)
	if authz == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "no auth token provided")
	}
	scheme, token, _ := strings.Cut(authz, " ")
	if scheme != "Bearer" {
		return "", echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("invalid authorization type '%s', only 'Bearer' is supported", scheme))
	}
	return token, nil
}

func tokenInfo(c echo.Context) *TokenInfo {
	info, _ := c.Get(tokenInfoKey).(*TokenInfo)
	return info
}

func requireScope(c echo.Context, scope string) error {
	info := tokenInfo(c)
	if info == nil || !info.HasScope(scope) {
		return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("'%s' scope is required", scope))
	}
	return nil
}
