package middleware

import (
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// RequireAuth returns a middleware that verifies a Firebase ID token sent as a bearer token,
// falling back to the session cookie. Without a Firebase client every request is let through.
func RequireAuth(authClient *auth.Client) echo.MiddlewareFunc {
	if authClient == nil {
		log.Warn("Firebase is not configured, API authentication is disabled")
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authClient == nil {
				return next(c)
			}

			ctx := c.Request().Context()
			var token *auth.Token
			var err error

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if bearer, found := strings.CutPrefix(header, "Bearer "); found && bearer != "" {
				token, err = authClient.VerifyIDToken(ctx, bearer)
			} else if cookie, cerr := c.Cookie("session"); cerr == nil && cookie.Value != "" {
				token, err = authClient.VerifySessionCookie(ctx, cookie.Value)
			} else {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			c.Set("userUID", token.UID)
			if email, ok := token.Claims["email"].(string); ok {
				c.Set("userEmail", email)
			}
			if name, ok := token.Claims["name"].(string); ok {
				c.Set("userName", name)
			}

			return next(c)
		}
	}
}
