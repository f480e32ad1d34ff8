package dispute

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/triadpay/escrowd/internal/escrow"
	"github.com/triadpay/escrowd/internal/validation"
	"github.com/triadpay/escrowd/internal/walletrpc"
)

// Handler provides HTTP endpoints for disputes and settlements.
type Handler struct {
	coordinator *Coordinator
	keys        KeyDirectory
}

// NewHandler creates a new dispute handler.
func NewHandler(coordinator *Coordinator, keys KeyDirectory) *Handler {
	return &Handler{coordinator: coordinator, keys: keys}
}

// RegisterRoutes sets up dispute routes. The settle group carries the arbiter
// auth middleware; everything else is participant-facing.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, settle *gin.RouterGroup) {
	r.POST("/orders/:order_id/dispute", h.OpenDispute)
	r.PUT("/orders/:order_id/dispute", h.OpenDispute)
	r.GET("/orders/:order_id/dispute", h.GetDispute)
	r.POST("/escrow/:id/dispute/messages", h.AddMessage)
	r.POST("/escrow/:id/release", h.Release)
	r.PUT("/participants/:user_id/key", h.RegisterKey)

	settle.POST("/escrow/:id/resolve", h.Resolve)
}

// OpenRequest is the body of POST /api/orders/:order_id/dispute.
type OpenRequest struct {
	OpenedBy    string `json:"opened_by" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// OpenDispute handles POST /api/orders/:order_id/dispute.
func (h *Handler) OpenDispute(c *gin.Context) {
	orderID := c.Param("order_id")

	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "opened_by, reason and description are required",
		})
		return
	}

	d, err := h.coordinator.OpenForOrder(c.Request.Context(), orderID,
		validation.SanitizeString(req.OpenedBy, 128),
		validation.SanitizeString(req.Reason, 256),
		validation.SanitizeString(req.Description, validation.MaxStringLength))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrDisputeExists):
			status = http.StatusConflict
			code = "dispute_exists"
		case errors.Is(err, ErrIllegalDisputeState):
			status = http.StatusConflict
			code = "illegal_state"
		case errors.Is(err, escrow.ErrConcurrentModification):
			status = http.StatusConflict
			code = "concurrent_modification"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, d)
}

// GetDispute handles GET /api/orders/:order_id/dispute.
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.coordinator.GetByOrder(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, escrow.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

// MessageRequest is the body of POST /api/escrow/:id/dispute/messages.
type MessageRequest struct {
	Author string `json:"author" binding:"required"`
	Body   string `json:"body" binding:"required"`
}

// AddMessage handles POST /api/escrow/:id/dispute/messages.
func (h *Handler) AddMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "author and body are required",
		})
		return
	}

	msg, err := h.coordinator.AddMessage(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Author, 128), req.Body)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// Resolve handles POST /api/escrow/:id/resolve. Arbiter-only.
func (h *Handler) Resolve(c *gin.Context) {
	var req SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution, unsigned_txset, signed_txset and signature_set are required",
		})
		return
	}

	d, err := h.coordinator.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.settlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Release handles POST /api/escrow/:id/release, the undisputed happy path.
func (h *Handler) Release(c *gin.Context) {
	var req SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution, unsigned_txset, signed_txset and signature_set are required",
		})
		return
	}

	e, txHash, err := h.coordinator.Release(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.settlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow_id":        e.ID,
		"order_id":         e.OrderID,
		"status":           e.Status,
		"transaction_hash": txHash,
	})
}

func (h *Handler) settlementError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyResolved):
		status = http.StatusConflict
		code = "already_resolved"
	case errors.Is(err, ErrInvalidResolution):
		status = http.StatusBadRequest
		code = "invalid_resolution"
	case errors.Is(err, ErrInvalidSignatureQuorum):
		status = http.StatusForbidden
		code = "quorum_not_met"
	case errors.Is(err, ErrIllegalDisputeState), errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrTerminalState):
		status = http.StatusConflict
		code = "illegal_state"
	case errors.Is(err, escrow.ErrConcurrentModification):
		status = http.StatusConflict
		code = "concurrent_modification"
	case errors.Is(err, walletrpc.ErrRPCTimeout), errors.Is(err, walletrpc.ErrRPCUnavailable):
		status = http.StatusServiceUnavailable
		code = "wallet_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// KeyRequest is the body of PUT /api/participants/:user_id/key.
type KeyRequest struct {
	PublicKey string `json:"public_key" binding:"required"` // hex
}

// RegisterKey handles PUT /api/participants/:user_id/key.
func (h *Handler) RegisterKey(c *gin.Context) {
	var req KeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "public_key is required",
		})
		return
	}

	key, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_key",
			"message": "public_key must be 32 bytes of hex",
		})
		return
	}

	if err := h.keys.RegisterKey(c.Request.Context(), c.Param("user_id"), ed25519.PublicKey(key)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": true})
}
