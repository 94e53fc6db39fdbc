package reconcile

import (
	"strings"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
)

var providerStatuses = map[string]lead.Status{
	"in-progress":       lead.StatusCalling,
	"ringing":           lead.StatusCalling,
	"initiated":         lead.StatusCalling,
	"queued":            lead.StatusCalling,
	"completed":         lead.StatusCompleted,
	"disconnected":      lead.StatusCompleted,
	"call-disconnected": lead.StatusCompleted,
	"no-answer":         lead.StatusFailed,
	"failed":            lead.StatusFailed,
	"busy":              lead.StatusFailed,
	"canceled":          lead.StatusFailed,
	"cancelled":         lead.StatusFailed,
	"error":             lead.StatusFailed,
}

// MapStatus translates the provider's call status into a lead status. Unknown
// values mean the call is still in flight.
func MapStatus(providerStatus string) lead.Status {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(providerStatus)), "_", "-")

	status, ok := providerStatuses[normalized]
	if !ok {
		return lead.StatusCalling
	}

	return status
}
