package model

import (
	"time"

	"gorm.io/datatypes"
)

// swagger:model SecurityLog
// SecurityLog 只追加，事件缓冲区被截断后仍保留用于审查
type SecurityLog struct {
	ID          uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType   string         `gorm:"size:100;index;not null" json:"eventType"`
	Description string         `gorm:"size:500" json:"description"`
	AttemptID   *uint          `gorm:"index" json:"attemptId,omitempty"`
	UserID      *uint          `gorm:"index" json:"userId,omitempty"`
	IPAddress   string         `gorm:"size:64" json:"ipAddress"`
	UserAgent   string         `gorm:"size:512" json:"userAgent"`
	Path        string         `gorm:"size:255" json:"path"`
	Method      string         `gorm:"size:10" json:"method"`
	Severity    Severity       `gorm:"size:20;index" json:"severity"`
	Timestamp   time.Time      `gorm:"index;not null" json:"timestamp"`
	Details     datatypes.JSON `json:"details,omitempty"`
}

func (SecurityLog) TableName() string {
	return "security_logs"
}
