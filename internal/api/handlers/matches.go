package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eshaffer321/lodgetix-reconcile/internal/api/dto"
	"github.com/eshaffer321/lodgetix-reconcile/internal/application/matching"
	"github.com/eshaffer321/lodgetix-reconcile/internal/domain/model"
)

// Query actions accepted by GET /api/matches
const (
	ActionStatistics = "statistics"
	ActionReprocess  = "reprocess"
	ActionBatch      = "batch"
)

// MatchesHandler handles the /api/matches endpoints.
type MatchesHandler struct {
	*Base
	service *matching.Service
}

// NewMatchesHandler creates a new matches handler.
func NewMatchesHandler(service *matching.Service, logger *slog.Logger) *MatchesHandler {
	return &MatchesHandler{
		Base:    NewBase(logger),
		service: service,
	}
}

// Find handles POST /api/matches - runs the matcher for one payment.
// With ?persist=true a positive result is written to the store.
func (h *MatchesHandler) Find(c *gin.Context) {
	var req dto.FindMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}
	persist := ParseBoolParam(c, "persist", false)
	ctx := c.Request.Context()

	var payment *model.Payment
	switch {
	case req.PaymentID != "":
		p, err := h.service.GetPayment(ctx, req.PaymentID)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		payment = p
	case len(req.Payment) > 0:
		p := model.NormalizePayment(req.Payment)
		payment = &p
	default:
		h.WriteError(c, http.StatusBadRequest, dto.ValidationError("payment or paymentId is required"))
		return
	}

	result, err := h.service.FindMatch(ctx, payment)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := dto.MatchResponse{PaymentID: payment.ID, MatchResult: result}
	if persist && result.IsMatch {
		if payment.ID == "" {
			h.WriteError(c, http.StatusBadRequest, dto.ValidationError("payment id is required to persist a match"))
			return
		}
		if err := h.service.PersistMatch(ctx, payment.ID, result); err != nil {
			h.HandleError(c, err)
			return
		}
		resp.Persisted = true
	}

	h.WriteJSON(c, http.StatusOK, resp)
}

// Get handles GET /api/matches?action=statistics|reprocess|batch.
func (h *MatchesHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	limit := ParseIntParam(c, "limit", 0)
	offset := ParseIntParam(c, "offset", 0)

	switch c.Query("action") {
	case ActionStatistics:
		stats, err := h.service.GetStatistics(ctx)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		h.WriteJSON(c, http.StatusOK, stats)

	case ActionReprocess:
		result, err := h.service.ReprocessUnmatched(ctx, matching.ReprocessFilter{
			MaxConfidence: ParseIntParam(c, "maxConfidence", 0),
			Limit:         limit,
			Offset:        offset,
			Workers:       ParseIntParam(c, "workers", 0),
		})
		if err != nil {
			h.HandleError(c, err)
			return
		}
		h.WriteJSON(c, http.StatusOK, result)

	case ActionBatch:
		items, err := h.service.BatchPreview(ctx, limit, offset)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		h.WriteJSON(c, http.StatusOK, dto.BatchResponse{
			Results: items,
			Count:   len(items),
			Limit:   limit,
			Offset:  offset,
		})

	default:
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("action must be one of statistics, reprocess, batch"))
	}
}

// ManualMatch handles PATCH /api/matches - operator override.
func (h *MatchesHandler) ManualMatch(c *gin.Context) {
	var req dto.ManualMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.WriteError(c, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}

	result, err := h.service.SetManualMatch(c.Request.Context(), matching.ManualMatchRequest{
		PaymentID:      req.PaymentID,
		RegistrationID: req.RegistrationID,
		Confidence:     req.Confidence,
		Method:         req.Method,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.WriteJSON(c, http.StatusOK, dto.MatchResponse{PaymentID: req.PaymentID, Persisted: true, MatchResult: result})
}

// Delete handles DELETE /api/matches?paymentId= - clears a match.
func (h *MatchesHandler) Delete(c *gin.Context) {
	paymentID := c.Query("paymentId")
	if paymentID == "" {
		h.WriteError(c, http.StatusBadRequest, dto.ValidationError("paymentId is required"))
		return
	}

	if err := h.service.RemoveMatch(c.Request.Context(), paymentID); err != nil {
		h.HandleError(c, err)
		return
	}

	h.WriteJSON(c, http.StatusOK, dto.MessageResponse{Message: "match removed"})
}

// Audit handles POST /api/matches/audit[?dryRun=true].
func (h *MatchesHandler) Audit(c *gin.Context) {
	result, err := h.service.AuditMatches(c.Request.Context(), matching.AuditOptions{
		DryRun: ParseBoolParam(c, "dryRun", false),
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.WriteJSON(c, http.StatusOK, result)
}
