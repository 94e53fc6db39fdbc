package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultLeadPageSize = 100
	maxLeadPageSize     = 1000
)

func (h *Handler) UploadLeads(c *gin.Context) {
	target, err := h.Campaigns.Get(c.Request.Context(), organizationID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	if target.Status.IsTerminal() {
		abortWithError(c, fmt.Errorf("%w: cannot add leads to a %s campaign", campaign.ErrInvalidTransition, target.Status))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.UploadMaxBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			abortWithError(c, ErrBodyTooLarge)
			return
		}

		abortWithError(c, fmt.Errorf("%w: multipart field \"file\" is required", ErrInvalidRequest))

		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer closeUpload(fileHeader.Filename, file)

	report, err := h.Importer.Import(c.Request.Context(), target, fileHeader.Filename, file)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *Handler) ListLeads(c *gin.Context) {
	target, err := h.Campaigns.Get(c.Request.Context(), organizationID(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	status := lead.Status(c.Query("status"))
	if status != "" && !status.IsValid() {
		abortWithError(c, fmt.Errorf("%w: unknown lead status %q", ErrInvalidRequest, status))
		return
	}

	limit, err := queryInt(c, "limit", defaultLeadPageSize)
	if err != nil {
		abortWithError(c, err)
		return
	}

	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}

	leads, err := h.Leads.ListForCampaign(c.Request.Context(), target.ID, status, min(limit, maxLeadPageSize), offset)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"leads": leads, "limit": min(limit, maxLeadPageSize), "offset": offset})
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidRequest, name)
	}

	return value, nil
}

func closeUpload(filename string, file io.Closer) {
	cerr := file.Close()
	if cerr != nil {
		logging.Logger.Error("[UploadLeads] failed to close uploaded file",
			zap.String("filename", filename),
			zap.String("error", cerr.Error()),
		)
	}
}
