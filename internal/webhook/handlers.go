package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the delivery audit trail.
type Handler struct {
	store Store
}

// NewHandler creates a webhook event handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up webhook event routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/invoices/:id/events", h.ListByInvoice)
}

// eventView exposes the payload as JSON rather than base64 bytes.
type eventView struct {
	*Event
	Payload json.RawMessage `json:"payload"`
}

// ListByInvoice handles GET /invoices/:id/events. Every delivery attempt
// and its outcome is retained, so this is the full audit trail for the
// invoice's notifications.
func (h *Handler) ListByInvoice(c *gin.Context) {
	events, err := h.store.ListByInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list events"})
		return
	}

	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{Event: e, Payload: json.RawMessage(e.Payload)})
	}
	c.JSON(http.StatusOK, gin.H{"events": views, "count": len(views)})
}
