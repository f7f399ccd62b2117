package apperror

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPErrorHandler returns an Echo error handler that renders application
// errors as `{"error": {"code", "message", "details?"}}`.
func HTTPErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		errorObj := map[string]any{
			"code":    "internal_error",
			"message": "An internal error occurred",
		}

		if appErr, ok := err.(*Error); ok {
			code = appErr.HTTPStatus
			errorObj["code"] = appErr.Code
			errorObj["message"] = appErr.Message
			if len(appErr.Details) > 0 {
				errorObj["details"] = appErr.Details
			}
		} else if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				errorObj["message"] = msg
				switch code {
				case http.StatusUnauthorized:
					errorObj["code"] = "auth_error"
				case http.StatusNotFound:
					errorObj["code"] = "not_found"
				case http.StatusBadRequest:
					errorObj["code"] = "bad_request"
				case http.StatusConflict:
					errorObj["code"] = "conflict"
				case http.StatusTooManyRequests:
					errorObj["code"] = "rate_limited"
				case http.StatusUnprocessableEntity:
					errorObj["code"] = "validation_error"
				}
			}
		}

		if code >= 500 {
			log.Error("request error",
				slog.Int("status", code),
				slog.String("error", err.Error()),
			)
		}

		response := map[string]any{"error": errorObj}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
		} else {
			_ = c.JSON(code, response)
		}
	}
}
