package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"github.com/gin-gonic/gin"
)

func (h *Handler) CreateCampaign(c *gin.Context) {
	var req campaign.CreateRequest

	err := c.ShouldBindJSON(&req)
	if err != nil {
		abortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error()))
		return
	}

	created, err := h.Campaigns.Create(c.Request.Context(), organizationID(c), &req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (h *Handler) ListCampaigns(c *gin.Context) {
	campaigns, err := h.Campaigns.List(c.Request.Context(), organizationID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

func (h *Handler) GetCampaign(c *gin.Context) {
	h.respondCampaign(c, h.Campaigns.Get)
}

func (h *Handler) DeleteCampaign(c *gin.Context) {
	err := h.Campaigns.Delete(c.Request.Context(), organizationID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) StartCampaign(c *gin.Context) {
	h.respondCampaign(c, h.Campaigns.Start)
}

func (h *Handler) PauseCampaign(c *gin.Context) {
	h.respondCampaign(c, h.Campaigns.Pause)
}

func (h *Handler) ResumeCampaign(c *gin.Context) {
	h.respondCampaign(c, h.Campaigns.Resume)
}

func (h *Handler) StopCampaign(c *gin.Context) {
	h.respondCampaign(c, h.Campaigns.Stop)
}

type campaignAction func(ctx context.Context, organizationID, id string) (*campaign.Campaign, error)

func (h *Handler) respondCampaign(c *gin.Context, action campaignAction) {
	result, err := action(c.Request.Context(), organizationID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
