package escrow

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/triadpay/escrowd/internal/validation"
)

// Order carries the order parameters an escrow is opened for.
type Order struct {
	OrderID      string
	BuyerID      string
	VendorID     string
	ArbiterID    string
	AmountAtomic int64
}

// Initiator opens a new escrow for an order and starts multisig setup.
// Implemented by the multisig orchestrator.
type Initiator interface {
	Begin(ctx context.Context, order Order) (*Escrow, error)
}

// InitRequest is the body of POST /api/orders/:order_id/init-escrow.
type InitRequest struct {
	BuyerID      string `json:"buyer_id" binding:"required"`
	VendorID     string `json:"vendor_id" binding:"required"`
	ArbiterID    string `json:"arbiter_id" binding:"required"`
	AmountAtomic int64  `json:"amount_atomic" binding:"required"`
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	store     Store
	initiator Initiator
}

// NewHandler creates a new escrow handler.
func NewHandler(store Store, initiator Initiator) *Handler {
	return &Handler{store: store, initiator: initiator}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:order_id/init-escrow", h.InitEscrow)
	r.GET("/escrow/:id/status", h.EscrowStatus)
}

// InitEscrow handles POST /api/orders/:order_id/init-escrow.
// Replaying the call for an order that already has an escrow returns the
// existing escrow instead of creating a second one.
func (h *Handler) InitEscrow(c *gin.Context) {
	orderID := c.Param("order_id")

	var req InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyer_id, vendor_id, arbiter_id and amount_atomic are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("order_id", orderID),
		validation.MaxLength("order_id", orderID, 128),
		validation.PositiveAmount("amount_atomic", req.AmountAtomic),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if existing, err := h.store.GetByOrder(c.Request.Context(), orderID); err == nil {
		c.JSON(http.StatusOK, initResponse(existing))
		return
	}

	created, err := h.initiator.Begin(c.Request.Context(), Order{
		OrderID:      orderID,
		BuyerID:      req.BuyerID,
		VendorID:     req.VendorID,
		ArbiterID:    req.ArbiterID,
		AmountAtomic: req.AmountAtomic,
	})
	if err != nil {
		// Two init calls racing: the loser re-reads the winner's row.
		if errors.Is(err, ErrDuplicateOrder) {
			if existing, getErr := h.store.GetByOrder(c.Request.Context(), orderID); getErr == nil {
				c.JSON(http.StatusOK, initResponse(existing))
				return
			}
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_init_failed",
			"message": "Failed to initialize escrow",
		})
		return
	}

	c.JSON(http.StatusCreated, initResponse(created))
}

func initResponse(e *Escrow) gin.H {
	return gin.H{
		"escrow_id":      e.ID,
		"order_id":       e.OrderID,
		"status":         e.Status,
		"multisig_phase": e.Phase,
	}
}

// EscrowStatus handles GET /api/escrow/:id/status.
func (h *Handler) EscrowStatus(c *gin.Context) {
	id := c.Param("id")

	e, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	var address any
	if e.MultisigAddress != "" {
		address = e.MultisigAddress
	}
	var txHash any
	if e.TxHash != "" {
		txHash = e.TxHash
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow_id":        e.ID,
		"order_id":         e.OrderID,
		"status":           e.Status,
		"multisig_phase":   e.Phase,
		"multisig_address": address,
		"amount_atomic":    e.AmountAtomic,
		"confirmations":    e.Confirmations,
		"transaction_hash": txHash,
		"needs_review":     e.NeedsReview,
	})
}
