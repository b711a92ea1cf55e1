package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mmdatafocus/settlement_backend/config"
	"github.com/mmdatafocus/settlement_backend/utils"
	"github.com/mmdatafocus/settlement_backend/workflow"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler validates an event, stamps its id and publishes it for the consumer.
func Handler(publisher workflow.Publisher, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req Request
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
			return
		}

		if req.Event == workflow.EventNewTransactionBatch {
			if err := checkBatchElements(req.Params); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		env := config.Envelope{
			Event:         req.Event,
			EventId:       strings.TrimSpace(req.EventId),
			Params:        req.Params,
			CorrelationId: strings.TrimSpace(req.CorrelationId),
		}
		if env.EventId == "" {
			env.EventId = uuid.NewString()
		}
		if env.CorrelationId == "" {
			env.CorrelationId, _ = utils.GetCorrelationIdFromContext(c.Request.Context())
		}

		messageId, err := publisher.Publish(c.Request.Context(), env)
		if err != nil {
			config.LogError(logger, "handler.go", "Handler", "Publishing "+env.Event, env.EventId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
			return
		}
		logger.WithFields(logrus.Fields{
			"field":      "Webhook",
			"event":      env.Event,
			"event_id":   env.EventId,
			"message_id": messageId,
		}).Info("event accepted")
		c.JSON(http.StatusOK, gin.H{"success": true, "messageId": messageId, "eventId": env.EventId})
	}
}

// RequireAPIKey accepts only `Authorization: Bearer <key>`. An empty key rejects everything.
func RequireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if key == "" || !strings.HasPrefix(header, "Bearer ") || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
