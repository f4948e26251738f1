package merchant

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for merchant configuration.
type Handler struct {
	service *Service
}

// NewHandler creates a new merchant handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up merchant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/merchants", h.Create)
	r.GET("/merchants/:id", h.Get)
	r.PUT("/merchants/:id/webhook", h.SetWebhook)
}

// CreateRequest contains parameters for registering a merchant.
type CreateRequest struct {
	Name       string `json:"name" binding:"required"`
	WebhookURL string `json:"webhookUrl"`
}

// Create handles POST /merchants. The generated webhook secret is
// returned once, on this response only.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	m, err := h.service.Create(c.Request.Context(), req.Name, req.WebhookURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create merchant"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"merchant":      m,
		"webhookSecret": m.WebhookSecret,
	})
}

// Get handles GET /merchants/:id
func (h *Handler) Get(c *gin.Context) {
	m, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Merchant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed", "message": "Failed to load merchant"})
		return
	}
	c.JSON(http.StatusOK, m)
}

// SetWebhookRequest contains the new destination URL.
type SetWebhookRequest struct {
	URL string `json:"url"`
}

// SetWebhook handles PUT /merchants/:id/webhook. Changing the URL
// rotates the signing secret; the new secret is returned once.
func (h *Handler) SetWebhook(c *gin.Context) {
	var req SetWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	m, err := h.service.SetWebhook(c.Request.Context(), c.Param("id"), req.URL)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Merchant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": "Failed to update webhook"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"merchant":      m,
		"webhookSecret": m.WebhookSecret,
	})
}
