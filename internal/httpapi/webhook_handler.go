package httpapi

import (
	"errors"
	"io"
	"net/http"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/reconcile"
	"github.com/gin-gonic/gin"
)

// ProviderWebhook answers 2xx for every event it could account for, including
// ignored and duplicate ones, so the provider stops redelivering them.
func (h *Handler) ProviderWebhook(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.WebhookMaxBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			abortWithError(c, ErrBodyTooLarge)
			return
		}

		abortWithError(c, err)

		return
	}

	result, err := h.Events.HandleEvent(c.Request.Context(), reconcile.SourceWebhook, raw)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
