package campaign

import (
	"context"
	"fmt"
	"strings"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"go.uber.org/zap"
)

// Launcher hands a campaign whose processing flag is already held to a
// dispatch loop and lets the controller interrupt that loop's pacing sleep.
type Launcher interface {
	Launch(campaignID string) error
	Wake(campaignID string)
}

type CreateRequest struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	AgentID          string `json:"agent_id"`
	CallDelaySeconds *int   `json:"call_delay_seconds"`
	LeadMaxRetries   *int   `json:"lead_max_retries"`
}

type CampaignService struct {
	Repository *CampaignRepository
	Launcher   Launcher
}

func NewService(repository *CampaignRepository, launcher Launcher) *CampaignService {
	return &CampaignService{
		Repository: repository,
		Launcher:   launcher,
	}
}

func (s *CampaignService) Create(ctx context.Context, organizationID string, req *CreateRequest) (*Campaign, error) {
	name := strings.TrimSpace(req.Name)
	agentID := strings.TrimSpace(req.AgentID)

	if name == "" || agentID == "" {
		return nil, fmt.Errorf("%w: name and agent_id are required", ErrInvalidCampaign)
	}

	campaign := &Campaign{
		OrganizationID:   organizationID,
		Name:             name,
		Description:      req.Description,
		AgentID:          agentID,
		Status:           StatusDraft,
		CallDelaySeconds: config.Conf.DispatchDefaultCallDelay,
		LeadMaxRetries:   config.Conf.LeadDefaultMaxRetries,
	}

	if req.CallDelaySeconds != nil {
		if *req.CallDelaySeconds < 0 {
			return nil, fmt.Errorf("%w: call_delay_seconds must not be negative", ErrInvalidCampaign)
		}

		if staleAfter := config.Conf.DispatchStaleAfter; staleAfter > 0 && *req.CallDelaySeconds >= staleAfter {
			return nil, fmt.Errorf("%w: call_delay_seconds must be below %d", ErrInvalidCampaign, staleAfter)
		}

		campaign.CallDelaySeconds = *req.CallDelaySeconds
	}

	if req.LeadMaxRetries != nil {
		if *req.LeadMaxRetries < 1 {
			return nil, fmt.Errorf("%w: lead_max_retries must be at least 1", ErrInvalidCampaign)
		}

		campaign.LeadMaxRetries = *req.LeadMaxRetries
	}

	err := s.Repository.Create(ctx, campaign)
	if err != nil {
		return nil, err
	}

	logging.Logger.Info("[Create] campaign created",
		zap.String("campaign_id", campaign.ID),
		zap.String("organization_id", organizationID),
	)

	return campaign, nil
}

func (s *CampaignService) List(ctx context.Context, organizationID string) ([]Campaign, error) {
	return s.Repository.ListForOrganization(ctx, organizationID)
}

func (s *CampaignService) Get(ctx context.Context, organizationID, id string) (*Campaign, error) {
	return s.Repository.GetForOrganization(ctx, organizationID, id)
}

func (s *CampaignService) Delete(ctx context.Context, organizationID, id string) error {
	err := s.Repository.Delete(ctx, organizationID, id)
	if err != nil {
		return err
	}

	logging.Logger.Info("[Delete] campaign deleted", zap.String("campaign_id", id))

	return nil
}

// Start is legal from draft or paused while no loop owns the campaign.
func (s *CampaignService) Start(ctx context.Context, organizationID, id string) (*Campaign, error) {
	_, err := s.Repository.GetForOrganization(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	started, err := s.Repository.TryStart(ctx, id)
	if err != nil {
		return nil, err
	}

	if !started {
		current, err := s.Repository.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if current.Status != StatusDraft && current.Status != StatusPaused {
			return nil, fmt.Errorf("%w: cannot start a %s campaign", ErrInvalidTransition, current.Status)
		}

		return nil, ErrAlreadyProcessing
	}

	s.launch(id)

	return s.Repository.GetByID(ctx, id)
}

// Pause leaves the processing flag to the loop, which clears it on exit.
func (s *CampaignService) Pause(ctx context.Context, organizationID, id string) (*Campaign, error) {
	campaign, err := s.transition(ctx, organizationID, id, []Status{StatusRunning}, StatusPaused)
	if err != nil {
		return nil, err
	}

	s.Launcher.Wake(id)

	return campaign, nil
}

// Resume reattaches a loop only if no loop still holds the flag. A loop that
// is still winding down from the pause observes running again and carries on.
func (s *CampaignService) Resume(ctx context.Context, organizationID, id string) (*Campaign, error) {
	_, err := s.transition(ctx, organizationID, id, []Status{StatusPaused}, StatusRunning)
	if err != nil {
		return nil, err
	}

	acquired, err := s.Repository.TryAcquireProcessing(ctx, id)
	if err != nil {
		return nil, err
	}

	if acquired {
		s.launch(id)
	} else {
		logging.Logger.Info("[Resume] live loop still owns campaign", zap.String("campaign_id", id))
	}

	return s.Repository.GetByID(ctx, id)
}

func (s *CampaignService) Stop(ctx context.Context, organizationID, id string) (*Campaign, error) {
	campaign, err := s.transition(ctx, organizationID, id,
		[]Status{StatusDraft, StatusScheduled, StatusRunning, StatusPaused},
		StatusStopped,
	)
	if err != nil {
		return nil, err
	}

	s.Launcher.Wake(id)

	return campaign, nil
}

func (s *CampaignService) transition(
	ctx context.Context,
	organizationID, id string,
	from []Status,
	to Status,
) (*Campaign, error) {
	_, err := s.Repository.GetForOrganization(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	updated, err := s.Repository.TransitionStatus(ctx, id, from, to)
	if err != nil {
		return nil, err
	}

	current, err := s.Repository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !updated {
		return nil, fmt.Errorf("%w: cannot move a %s campaign to %s", ErrInvalidTransition, current.Status, to)
	}

	logging.Logger.Info("[transition] campaign status changed",
		zap.String("campaign_id", id),
		zap.String("to", string(to)),
	)

	return current, nil
}

func (s *CampaignService) launch(id string) {
	err := s.Launcher.Launch(id)
	if err != nil {
		logging.Logger.Error("[launch] failed to hand campaign to dispatcher, recovery will retry",
			zap.String("campaign_id", id),
			zap.String("error", err.Error()),
		)
	}
}
