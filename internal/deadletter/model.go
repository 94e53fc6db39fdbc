package deadletter

import (
	"time"

	"gorm.io/datatypes"
)

// EventDeadLetter keeps the last provider event per call that could not be
// reconciled because of an infrastructure failure.
type EventDeadLetter struct {
	CallID      string         `gorm:"column:call_id;type:varchar(255);primaryKey;not null"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb;not null"`
	Error       string         `gorm:"column:error;type:text;not null"`
	Status      string         `gorm:"column:status;type:varchar(20);not null"`
	RetryCount  int            `gorm:"column:retry_count;type:int;not null"`
	LastRetryAt *time.Time     `gorm:"column:last_retry_at;type:timestamp"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
}

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
)

func (EventDeadLetter) TableName() string {
	return "event_dead_letters"
}
