package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/eshaffer321/lodgetix-reconcile/internal/api/dto"
	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// Base provides shared functionality for all handlers.
type Base struct {
	logger *slog.Logger
}

// NewBase creates a new base handler with the given logger.
func NewBase(logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{logger: logger}
}

// WriteJSON writes a JSON response with the given status code.
func (b *Base) WriteJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// WriteError writes an error response with the given status code.
func (b *Base) WriteError(c *gin.Context, status int, err dto.APIError) {
	c.AbortWithStatusJSON(status, err)
}

// HandleError maps a service error onto a status code:
// ValidationError 400, NotFoundError 404, anything else 500.
func (b *Base) HandleError(c *gin.Context, err error) {
	var ve *model.ValidationError
	var nf *model.NotFoundError
	var ce *model.ConflictError
	switch {
	case errors.As(err, &ve):
		b.WriteError(c, http.StatusBadRequest, dto.ValidationError(ve.Error()))
	case errors.As(err, &nf):
		b.WriteError(c, http.StatusNotFound, dto.NotFoundError(nf.Error()))
	case errors.As(err, &ce):
		b.WriteError(c, http.StatusConflict, dto.ConflictError(ce.Error()))
	default:
		b.logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err)
		b.WriteError(c, http.StatusInternalServerError, dto.InternalError())
	}
}

// ParseIntParam parses an integer query parameter with a default value.
func ParseIntParam(c *gin.Context, name string, defaultVal int) int {
	val := c.Query(name)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

// ParseBoolParam parses a boolean query parameter with a default value.
func ParseBoolParam(c *gin.Context, name string, defaultVal bool) bool {
	val := c.Query(name)
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "1"
}
