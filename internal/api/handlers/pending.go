package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eshaffer321/lodgetix-reconcile/internal/api/dto"
	"github.com/eshaffer321/lodgetix-reconcile/internal/application/pending"
)

// PendingHandler handles the /api/pending endpoints.
type PendingHandler struct {
	*Base
	resolver *pending.Resolver
	defaults pending.Options
}

// NewPendingHandler creates a new pending handler. defaults apply when a
// process request leaves a setting unset.
func NewPendingHandler(resolver *pending.Resolver, defaults pending.Options, logger *slog.Logger) *PendingHandler {
	return &PendingHandler{
		Base:     NewBase(logger),
		resolver: resolver,
		defaults: defaults,
	}
}

// Stats handles GET /api/pending/stats.
func (h *PendingHandler) Stats(c *gin.Context) {
	stats, err := h.resolver.Statistics(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, stats)
}

// Process handles POST /api/pending/process.
func (h *PendingHandler) Process(c *gin.Context) {
	var req dto.ProcessPendingRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}

	opts := h.defaults
	if req.MaxRetries > 0 {
		opts.MaxRetries = req.MaxRetries
	}
	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}

	result, err := h.resolver.ProcessPending(c.Request.Context(), opts)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, result)
}

// Failed handles GET /api/pending/failed.
func (h *PendingHandler) Failed(c *gin.Context) {
	failed, err := h.resolver.ListFailed(c.Request.Context(), ParseIntParam(c, "limit", 50))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, dto.FailedRegistrationListResponse{
		Registrations: failed,
		Count:         len(failed),
	})
}
