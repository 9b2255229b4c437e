package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"school_billing_echo/internal/handlers"
	"school_billing_echo/internal/services"
)

type errorResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// StatusFor maps an error onto an HTTP status code
func StatusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}

	switch services.KindOf(err) {
	case services.KindInvalidInput:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindConflict:
		return http.StatusConflict
	case services.KindGateway:
		var ge *services.GatewayError
		if errors.As(err, &ge) && (ge.Timeout || ge.HTTPStatus >= 500 || ge.HTTPStatus == 0) {
			return http.StatusBadGateway
		}
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// CustomErrorHandler renders every error as the JSON envelope
func CustomErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := StatusFor(err)
	resp := errorResponse{Success: false}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		resp.Error = http.StatusText(code)
		if msg, ok := he.Message.(string); ok && msg != "" {
			resp.Message = msg
		} else {
			resp.Message = http.StatusText(code)
		}
	} else {
		resp.Error = string(services.KindOf(err))
		var se *services.Error
		if errors.As(err, &se) {
			resp.Message = se.Message
		}
		if code == http.StatusInternalServerError || resp.Message == "" {
			resp.Message = "Something went wrong. Please try again later."
		}
	}
	resp.Data = c.Get(handlers.ErrorDataKey)

	if code >= http.StatusInternalServerError {
		c.Logger().Error(err)
	} else {
		c.Logger().Warn(err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		c.Logger().Error(err)
	}
}
