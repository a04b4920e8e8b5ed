package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/tufibra/evidencia/services"
)

func setupWebhookRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewWebhookHandler(&services.Workflow{}, secret)
	r.POST("/webhook/telegram", h.HandleTelegramWebhook)
	return r
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	r := setupWebhookRouter("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(`{"update_id":1}`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	r := setupWebhookRouter("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(`{broken`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAcknowledgesEmptyUpdate(t *testing.T) {
	r := setupWebhookRouter("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(`{"update_id":42}`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func setupOpsRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	mw := NewOpsAuthMiddleware(secret)
	r.GET("/ops/ping", mw.RequireToken(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": c.GetString("operator")})
	})
	return r
}

func TestOpsAuthMissingHeader(t *testing.T) {
	r := setupOpsRouter("topsecret")

	req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpsAuthBadToken(t *testing.T) {
	r := setupOpsRouter("topsecret")

	req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpsAuthWrongKey(t *testing.T) {
	r := setupOpsRouter("topsecret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@tufibra",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("another-key"))
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpsAuthValidToken(t *testing.T) {
	r := setupOpsRouter("topsecret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@tufibra",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("topsecret"))
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ops/ping", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ops@tufibra")
}
