package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sitepay/escrowd/internal/logging"
)

// Handler exposes the escrow service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates an HTTP handler for the escrow service.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the public contract endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/contracts", h.createContract)
	r.GET("/contracts", h.listContracts)
	r.GET("/contracts/:id", h.getContract)
	r.POST("/contracts/:id/fund", h.fundContract)
	r.POST("/contracts/:id/confirm", h.confirmDelivery)
	r.POST("/contracts/:id/dispute", h.raiseDispute)
}

// RegisterAdminRoutes registers the override endpoints. The caller is
// expected to mount these behind admin authentication.
func (h *Handler) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/contracts/:id/release", h.forceRelease)
	r.POST("/contracts/:id/refund", h.forceRefund)
}

func (h *Handler) createContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": err.Error()})
		return
	}

	contract, err := h.svc.CreateAndFund(c.Request.Context(), req)
	if errors.Is(err, ErrLedgerUnavailable) && contract != nil {
		// The contract exists but funding failed; the client can retry
		// funding against the returned id.
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "ledger_unavailable",
			"detail":   err.Error(),
			"contract": contract,
		})
		return
	}
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, contract)
}

func (h *Handler) fundContract(c *gin.Context) {
	contract, err := h.svc.Fund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *Handler) getContract(c *gin.Context) {
	contract, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *Handler) listContracts(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": "limit must be 1-500"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	switch {
	case c.Query("party") != "":
		contracts, err := h.svc.ListByParty(ctx, c.Query("party"), limit)
		if err != nil {
			h.mapError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"contracts": contracts, "count": len(contracts)})
	case c.Query("status") != "":
		contracts, err := h.svc.ListByStatus(ctx, Status(c.Query("status")), limit)
		if err != nil {
			h.mapError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"contracts": contracts, "count": len(contracts)})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": "party or status query parameter is required"})
	}
}

type confirmRequest struct {
	PartyID string `json:"partyId" binding:"required"`
}

func (h *Handler) confirmDelivery(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": err.Error()})
		return
	}

	contract, err := h.svc.ConfirmDelivery(c.Request.Context(), c.Param("id"), req.PartyID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

type disputeRequest struct {
	PartyID string `json:"partyId" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

func (h *Handler) raiseDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": err.Error()})
		return
	}

	contract, err := h.svc.RaiseDispute(c.Request.Context(), c.Param("id"), req.PartyID, req.Reason)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

type overrideRequest struct {
	AdminID string `json:"adminId" binding:"required"`
}

func (h *Handler) forceRelease(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": err.Error()})
		return
	}

	contract, err := h.svc.ForceRelease(c.Request.Context(), c.Param("id"), req.AdminID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (h *Handler) forceRefund(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": err.Error()})
		return
	}

	contract, err := h.svc.ForceRefund(c.Request.Context(), c.Param("id"), req.AdminID)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// mapError translates domain errors into HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrContractNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "detail": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "detail": err.Error()})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": err.Error()})
	case errors.Is(err, ErrStaleConfirmation):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_confirmation", "detail": err.Error()})
	case errors.Is(err, ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal_transition", "detail": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "detail": err.Error()})
	case errors.Is(err, ErrLedgerUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_unavailable", "detail": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("unhandled escrow error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
