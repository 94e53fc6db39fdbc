// Package httpapi exposes the campaign control plane and the provider
// webhook over gin.
package httpapi

import (
	"context"
	"net/http"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/reconcile"
	"github.com/gin-gonic/gin"
)

// EventHandler reconciles one inbound provider event.
type EventHandler interface {
	HandleEvent(ctx context.Context, source string, raw []byte) (*reconcile.Result, error)
}

type Handler struct {
	Campaigns       *campaign.CampaignService
	Leads           *lead.LeadRepository
	Importer        *lead.Importer
	Events          EventHandler
	Ready           func(ctx context.Context) error
	WebhookPath     string
	WebhookSecret   string
	WebhookMaxBytes int64
	UploadMaxBytes  int64
}

func NewHandler(
	campaigns *campaign.CampaignService,
	leads *lead.LeadRepository,
	importer *lead.Importer,
	events EventHandler,
) *Handler {
	return &Handler{
		Campaigns:       campaigns,
		Leads:           leads,
		Importer:        importer,
		Events:          events,
		WebhookPath:     config.Conf.ProviderWebhookPath,
		WebhookSecret:   config.Conf.WebhookSecret,
		WebhookMaxBytes: config.Conf.WebhookMaxBytes,
		UploadMaxBytes:  config.Conf.UploadMaxBytes,
	}
}

func NewRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())

	router.GET("/healthz", h.Health)
	router.POST(h.WebhookPath, RequireWebhookSecret(h.WebhookSecret), h.ProviderWebhook)

	campaigns := router.Group("/api/v1/campaigns", RequireOrganization())
	{
		campaigns.POST("", h.CreateCampaign)
		campaigns.GET("", h.ListCampaigns)
		campaigns.GET("/:id", h.GetCampaign)
		campaigns.DELETE("/:id", h.DeleteCampaign)
		campaigns.POST("/:id/start", h.StartCampaign)
		campaigns.POST("/:id/pause", h.PauseCampaign)
		campaigns.POST("/:id/resume", h.ResumeCampaign)
		campaigns.POST("/:id/stop", h.StopCampaign)
		campaigns.POST("/:id/leads/upload", h.UploadLeads)
		campaigns.GET("/:id/leads", h.ListLeads)
	}

	return router
}

func (h *Handler) Health(c *gin.Context) {
	if h.Ready != nil {
		err := h.Ready(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
