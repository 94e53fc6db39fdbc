package call

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallRecord holds the latest known outcome of one provider call.
type CallRecord struct {
	ID                string     `gorm:"column:id;type:uuid;primaryKey"                      json:"id"`
	CallID            string     `gorm:"column:call_id;type:varchar(255);uniqueIndex;not null" json:"call_id"`
	CampaignID        *string    `gorm:"column:campaign_id;type:uuid;index"                  json:"campaign_id,omitempty"`
	LeadID            *string    `gorm:"column:lead_id;type:uuid;index"                      json:"lead_id,omitempty"`
	UserNumber        *string    `gorm:"column:user_number;type:varchar(32)"                 json:"user_number,omitempty"`
	Duration          float64    `gorm:"column:duration;not null"                            json:"duration"`
	Cost              float64    `gorm:"column:cost;not null"                                json:"cost"`
	Status            *string    `gorm:"column:status;type:varchar(50)"                      json:"status,omitempty"`
	RecordingURL      *string    `gorm:"column:recording_url;type:text"                      json:"recording_url,omitempty"`
	Transcript        *string    `gorm:"column:transcript;type:text"                         json:"transcript,omitempty"`
	InterestLevel     *string    `gorm:"column:interest_level;type:varchar(50)"              json:"interest_level,omitempty"`
	AppointmentBooked bool       `gorm:"column:appointment_booked;not null"                  json:"appointment_booked"`
	AppointmentDate   *string    `gorm:"column:appointment_date;type:varchar(100)"           json:"appointment_date,omitempty"`
	AppointmentMode   *string    `gorm:"column:appointment_mode;type:varchar(50)"            json:"appointment_mode,omitempty"`
	CustomerSentiment *string    `gorm:"column:customer_sentiment;type:varchar(50)"          json:"customer_sentiment,omitempty"`
	FinalCallSummary  *string    `gorm:"column:final_call_summary;type:text"                 json:"final_call_summary,omitempty"`
	Summary           *string    `gorm:"column:summary;type:text"                            json:"summary,omitempty"`
	TransferCall      bool       `gorm:"column:transfer_call;not null"                       json:"transfer_call"`
	PayloadHash       string     `gorm:"column:payload_hash;type:varchar(64);not null"       json:"-"`
	ExecutedAt        *time.Time `gorm:"column:executed_at;type:timestamp"                   json:"executed_at,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"                    json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"                    json:"updated_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

func (c *CallRecord) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	return nil
}
