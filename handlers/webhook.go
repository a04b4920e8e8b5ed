package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tufibra/evidencia/services"
	"github.com/tufibra/evidencia/telegram"
)

type WebhookHandler struct {
	workflow *services.Workflow
	secret   string
}

func NewWebhookHandler(workflow *services.Workflow, secret string) *WebhookHandler {
	return &WebhookHandler{workflow: workflow, secret: secret}
}

// HandleTelegramWebhook receives one Bot API update. The response is always
// 200 once the payload parses; processing failures are logged, not surfaced,
// so Telegram does not redeliver the same update in a loop.
func (h *WebhookHandler) HandleTelegramWebhook(c *gin.Context) {
	if h.secret != "" && c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != h.secret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
		return
	}

	var upd telegram.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		log.Printf("Webhook: malformed update: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update payload"})
		return
	}

	h.workflow.HandleUpdate(c.Request.Context(), &upd)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
