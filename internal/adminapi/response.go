package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type errorBody struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"data": data})
}

func accepted(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusAccepted, map[string]interface{}{"data": data})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, errorBody{Error: code, Message: message, Details: details})
}
