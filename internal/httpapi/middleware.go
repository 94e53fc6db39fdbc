package httpapi

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RequestIDHeader     = "X-Request-ID"
	OrganizationHeader  = "X-Organization-ID"
	WebhookSecretHeader = "X-Webhook-Secret"
	webhookTokenQuery   = "token"

	requestIDKey      = "request_id"
	organizationIDKey = "organization_id"
)

// RequestLogger tags every request with an id and logs it once served.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		statusCode := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", statusCode),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}

		switch {
		case statusCode >= 500:
			logging.Logger.Error("[RequestLogger] server error", fields...)
		case statusCode >= 400:
			logging.Logger.Warn("[RequestLogger] client error", fields...)
		default:
			logging.Logger.Debug("[RequestLogger] request served", fields...)
		}
	}
}

// RequireOrganization scopes campaign routes to the caller's organization.
func RequireOrganization() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationID := strings.TrimSpace(c.GetHeader(OrganizationHeader))
		if organizationID == "" {
			abortWithError(c, fmt.Errorf("%w: %s header is required", ErrInvalidRequest, OrganizationHeader))
			return
		}

		c.Set(organizationIDKey, organizationID)
		c.Next()
	}
}

// RequireWebhookSecret accepts the shared secret from a header or the token
// query parameter. An empty secret disables the check.
func RequireWebhookSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		presented := c.GetHeader(WebhookSecretHeader)
		if presented == "" {
			presented = c.Query(webhookTokenQuery)
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			abortWithError(c, ErrUnauthorized)
			return
		}

		c.Next()
	}
}

func organizationID(c *gin.Context) string {
	return c.GetString(organizationIDKey)
}
