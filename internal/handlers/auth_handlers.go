package handlers

import (
	"net/http"
	"strings"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
)

const sessionLifetime = 5 * 24 * time.Hour

// AuthHandler exchanges Firebase ID tokens for session cookies
type AuthHandler struct {
	authClient   *auth.Client
	secureCookie bool
}

func NewAuthHandler(authClient *auth.Client, secureCookie bool) *AuthHandler {
	return &AuthHandler{authClient: authClient, secureCookie: secureCookie}
}

// HandleLogin verifies the Firebase ID token and creates a session cookie
func (h *AuthHandler) HandleLogin(c echo.Context) error {
	if h.authClient == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication is not configured")
	}

	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || tokenString == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}

	ctx := c.Request().Context()
	token, err := h.authClient.VerifyIDToken(ctx, tokenString)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	cookieValue, err := h.authClient.SessionCookie(ctx, tokenString, sessionLifetime)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}

	c.SetCookie(&http.Cookie{
		Name:     "session",
		Value:    cookieValue,
		MaxAge:   int(sessionLifetime.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})

	return c.JSON(http.StatusOK, ok(map[string]string{"uid": token.UID}))
}

// HandleLogout clears the session cookie
func (h *AuthHandler) HandleLogout(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:     "session",
		Value:    "",
		MaxAge:   -1,
		HttpOnly: true,
		Path:     "/",
	})
	return c.JSON(http.StatusOK, Response{Success: true, Message: "logged out"})
}
