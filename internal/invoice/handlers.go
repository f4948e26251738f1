package invoice

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for payment requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new invoice handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/invoices", h.Create)
	r.GET("/invoices", h.List)
	r.GET("/invoices/:id", h.Get)
	r.POST("/invoices/:id/expire", h.Expire)
	r.POST("/invoices/:id/cancel", h.Cancel)
}

// Create handles POST /invoices
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	inv, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "create_failed"
		if errors.Is(err, ErrMalformed) {
			status = http.StatusBadRequest
			code = "malformed_invoice"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, inv)
}

// Get handles GET /invoices/:id
func (h *Handler) Get(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Invoice not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed", "message": "Failed to load invoice"})
		return
	}
	c.JSON(http.StatusOK, inv)
}

// List handles GET /invoices?merchantId=...&limit=...
func (h *Handler) List(c *gin.Context) {
	merchantID := c.Query("merchantId")
	if merchantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "merchantId is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	invoices, err := h.service.ListByMerchant(c.Request.Context(), merchantID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list invoices"})
		return
	}
	if invoices == nil {
		invoices = []*Invoice{}
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices, "count": len(invoices)})
}

// Expire handles POST /invoices/:id/expire. It applies client-observed
// expiry through the same conditional transition the coordinator uses,
// so repeating it (or racing the coordinator) is a no-op.
func (h *Handler) Expire(c *gin.Context) {
	inv, err := h.service.MarkExpired(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Invoice not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "expire_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inv)
}

// Cancel handles POST /invoices/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	inv, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Invoice not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_failed", "message": "Failed to cancel invoice"})
		return
	}
	c.JSON(http.StatusOK, inv)
}
