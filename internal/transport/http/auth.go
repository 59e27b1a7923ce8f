package http

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// TokenAuth authenticates requests with an HMAC-signed bearer token. The
// token's "origin" claim must match the X-M2M-Origin header, so a client can
// only speak for the originator it was issued.
func TokenAuth(secret string) echo.MiddlewareFunc {
	key := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isOpenPath(c.Path()) {
				return next(c)
			}
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "bearer token required")
			}
			token, err := jwt.Parse(auth[len("Bearer "):], func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
			}
			origin, _ := claims["origin"].(string)
			if origin == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token misses origin claim")
			}
			header := c.Request().Header.Get("X-M2M-Origin")
			if header == "" {
				c.Request().Header.Set("X-M2M-Origin", origin)
			} else if header != origin {
				return echo.NewHTTPError(http.StatusForbidden, "originator does not match token")
			}
			return next(c)
		}
	}
}

// APIKeyAuth authenticates requests with a static API key mapped to an
// originator.
func APIKeyAuth(keys map[string]string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isOpenPath(c.Path()) {
				return next(c)
			}
			key := c.Request().Header.Get("X-API-Key")
			origin, ok := keys[key]
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown API key")
			}
			header := c.Request().Header.Get("X-M2M-Origin")
			if header == "" {
				c.Request().Header.Set("X-M2M-Origin", origin)
			} else if header != origin {
				return echo.NewHTTPError(http.StatusForbidden, "originator does not match API key")
			}
			return next(c)
		}
	}
}

func isOpenPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}
