package lead

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusCalling   Status = "calling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Rank orders statuses so that later stages of a call are never overwritten
// by earlier ones.
func (s Status) Rank() int {
	switch s {
	case StatusCalling:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusCalling, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Lead is unique per campaign on its normalized phone.
type Lead struct {
	ID              string            `gorm:"column:id;type:uuid;primaryKey"                                             json:"id"`
	OrganizationID  string            `gorm:"column:organization_id;type:varchar(64);not null"                           json:"organization_id"`
	CampaignID      string            `gorm:"column:campaign_id;type:uuid;not null;uniqueIndex:uq_leads_campaign_phone,priority:1" json:"campaign_id"`
	Phone           string            `gorm:"column:phone;type:varchar(32);not null"                                     json:"phone"`
	NormalizedPhone string            `gorm:"column:normalized_phone;type:varchar(32);not null;uniqueIndex:uq_leads_campaign_phone,priority:2;index:idx_leads_normalized_phone" json:"normalized_phone"`
	Status          Status            `gorm:"column:status;type:varchar(20);index;not null"                              json:"status"`
	Attempts        int               `gorm:"column:attempts;type:int;not null"                                          json:"attempts"`
	RetryCount      int               `gorm:"column:retry_count;type:int;not null"                                       json:"retry_count"`
	MaxRetries      int               `gorm:"column:max_retries;type:int;not null"                                       json:"max_retries"`
	ExternalCallID  *string           `gorm:"column:external_call_id;type:varchar(255);index"                            json:"external_call_id,omitempty"`
	LastContactedAt *time.Time        `gorm:"column:last_contacted_at;type:timestamp"                                    json:"last_contacted_at,omitempty"`
	CustomFields    datatypes.JSONMap `gorm:"column:custom_fields;type:jsonb"                                            json:"custom_fields,omitempty"`
	CreatedAt       time.Time         `gorm:"column:created_at;autoCreateTime"                                           json:"created_at"`
	UpdatedAt       time.Time         `gorm:"column:updated_at;autoUpdateTime"                                           json:"updated_at"`
}

func (Lead) TableName() string {
	return "leads"
}

func (l *Lead) BeforeCreate(*gorm.DB) error {
	if l.ID != "" {
		return nil
	}

	// Time ordered ids keep insertion order stable among rows sharing created_at.
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}

	l.ID = id.String()

	return nil
}
