package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tufibra/evidencia/services"
)

// OpsHandler exposes the operator surface: outbox inspection/retry and the
// routing table.
type OpsHandler struct {
	outboxService  *services.OutboxService
	routingService *services.RoutingService
}

func NewOpsHandler(outboxService *services.OutboxService, routingService *services.RoutingService) *OpsHandler {
	return &OpsHandler{
		outboxService:  outboxService,
		routingService: routingService,
	}
}

// ListOutbox returns recent outbox entries, optionally filtered by ?status=.
func (h *OpsHandler) ListOutbox(c *gin.Context) {
	status := c.Query("status")
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.outboxService.List(status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// RetryOutboxEntry revives a dead entry for immediate redelivery.
func (h *OpsHandler) RetryOutboxEntry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid outbox entry id"})
		return
	}
	if err := h.outboxService.Retry(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "entry requeued"})
}

// ListRouting returns every stored routing entry.
func (h *OpsHandler) ListRouting(c *gin.Context) {
	entries, err := h.routingService.ListEntries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
