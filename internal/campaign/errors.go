package campaign

import "errors"

var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	ErrAlreadyProcessing = errors.New("campaign is already being processed")
	ErrInvalidCampaign   = errors.New("invalid campaign")

	ErrInvalidCampaignResult      = errors.New("invalid result type, it should be pointer to Campaign")
	ErrInvalidCampaignSliceResult = errors.New("invalid result type, it should be slice of Campaign")
)
