package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

// ResponseError is the body of every error reply.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

func writeBadRequest(c *echo.Context, msg, param string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, param)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

// writeErr maps an error to a reply.
func writeErr(c *echo.Context, err error, param string) error {
	if errors.Is(err, ErrInvalidRequest) {
		return writeBadRequest(c, err.Error(), param)
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), param)
}

func parseRequestID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", newInvalidRequest("id", "must be a UUID")
	}
	return id.String(), nil
}

// wrapHandler serves a plain http.Handler from an echo route.
func wrapHandler(h http.Handler) echo.HandlerFunc {
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
