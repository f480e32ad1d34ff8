package multisig

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/triadpay/escrowd/internal/escrow"
	"github.com/triadpay/escrowd/internal/walletrpc"
)

// Handler provides HTTP endpoints for multisig setup.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new multisig handler.
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes sets up multisig routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:id/contributions", h.SubmitContribution)
	r.GET("/escrow/:id/service-blob", h.ServiceBlob)
}

// ContributionRequest is the body of POST /api/escrow/:id/contributions.
type ContributionRequest struct {
	Participant string `json:"participant" binding:"required"`
	Round       int    `json:"round" binding:"required"`
	Blob        string `json:"blob" binding:"required"`
}

// SubmitContribution handles POST /api/escrow/:id/contributions.
func (h *Handler) SubmitContribution(c *gin.Context) {
	escrowID := c.Param("id")

	var req ContributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "participant, round and blob are required",
		})
		return
	}

	result, err := h.orchestrator.SubmitContribution(c.Request.Context(), escrowID, req.Participant, req.Round, req.Blob)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrUnknownParticipant):
			status = http.StatusBadRequest
			code = "unknown_participant"
		case errors.Is(err, ErrInvalidPhaseOrder):
			status = http.StatusBadRequest
			code = "invalid_phase_order"
		case errors.Is(err, ErrSetupClosed):
			status = http.StatusConflict
			code = "setup_closed"
		case errors.Is(err, walletrpc.ErrRPCTimeout), errors.Is(err, walletrpc.ErrRPCUnavailable):
			status = http.StatusServiceUnavailable
			code = "wallet_unavailable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	resp := gin.H{
		"multisig_phase": result.Phase,
		"round_complete": result.RoundComplete,
	}
	if result.RoundOutput != "" {
		resp["round_output"] = result.RoundOutput
	}
	if result.Address != "" {
		resp["multisig_address"] = result.Address
	}
	c.JSON(http.StatusOK, resp)
}

// ServiceBlob handles GET /api/escrow/:id/service-blob. Participants need the
// service wallet's prepare blob before they can produce round 1 material.
func (h *Handler) ServiceBlob(c *gin.Context) {
	escrowID := c.Param("id")

	blob, err := h.orchestrator.ServiceBlob(c.Request.Context(), escrowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No service blob for this escrow",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"blob": blob})
}
