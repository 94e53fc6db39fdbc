package campaign

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// IsTerminal reports whether the controller can no longer move the campaign.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

type Campaign struct {
	ID                    string     `gorm:"column:id;type:uuid;primaryKey"                          json:"id"`
	OrganizationID        string     `gorm:"column:organization_id;type:varchar(64);index;not null"   json:"organization_id"`
	Name                  string     `gorm:"column:name;type:varchar(255);not null"                  json:"name"`
	Description           string     `gorm:"column:description;type:text"                            json:"description"`
	AgentID               string     `gorm:"column:agent_id;type:varchar(255);not null"              json:"agent_id"`
	Status                Status     `gorm:"column:status;type:varchar(20);index;not null"           json:"status"`
	IsProcessing          bool       `gorm:"column:is_processing;not null"                           json:"is_processing"`
	CallDelaySeconds      int        `gorm:"column:call_delay_seconds;type:int;not null"             json:"call_delay_seconds"`
	LeadMaxRetries        int        `gorm:"column:lead_max_retries;type:int;not null"               json:"lead_max_retries"`
	ProcessingHeartbeatAt *time.Time `gorm:"column:processing_heartbeat_at;type:timestamp"           json:"processing_heartbeat_at,omitempty"`
	CreatedAt             time.Time  `gorm:"column:created_at;autoCreateTime"                        json:"created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at;autoUpdateTime"                        json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

func (c *Campaign) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	return nil
}

// PacingInterval is the minimum delay between two dispatched leads.
func (c *Campaign) PacingInterval() time.Duration {
	if c.CallDelaySeconds <= 0 {
		return 0
	}

	return time.Duration(c.CallDelaySeconds) * time.Second
}
