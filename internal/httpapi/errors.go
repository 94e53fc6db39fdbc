package httpapi

import (
	"errors"
	"net/http"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/reconcile"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	CodeInvalidTransition = "InvalidTransition"
	CodeAlreadyProcessing = "AlreadyProcessing"
	CodeNotFound          = "NotFound"
	CodeMalformedEvent    = "MalformedEvent"
	CodeInvalidRequest    = "InvalidRequest"
	CodeUnauthorized      = "Unauthorized"
	CodeInternal          = "Internal"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("invalid webhook secret")
	ErrBodyTooLarge   = errors.New("request body too large")
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, campaign.ErrInvalidTransition):
		return http.StatusBadRequest, CodeInvalidTransition
	case errors.Is(err, campaign.ErrAlreadyProcessing):
		return http.StatusConflict, CodeAlreadyProcessing
	case errors.Is(err, reconcile.ErrMalformedEvent):
		return http.StatusBadRequest, CodeMalformedEvent
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, CodeInvalidRequest
	case errors.Is(err, campaign.ErrInvalidCampaign),
		errors.Is(err, lead.ErrInvalidUpload),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// abortWithError writes the error envelope. Internal errors are logged and
// replaced by a generic message.
func abortWithError(c *gin.Context, err error) {
	status, code := classify(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.Logger.Error("[abortWithError] request failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("path", c.FullPath()),
			zap.String("error", err.Error()),
		)

		message = "internal error"
	}

	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
