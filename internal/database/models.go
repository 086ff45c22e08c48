package database

import "time"

// SSHAuditLog is one audited SSH operation. Credentials are never stored.
type SSHAuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID string    `gorm:"index" json:"connection_id"`
	EventType    string    `gorm:"index;not null" json:"event_type"`
	Host         string    `json:"host"`
	Username     string    `json:"username"`
	TargetID     string    `json:"target_id,omitempty"` // tunnel or session ID
	Details      string    `gorm:"type:text" json:"details"`
	Duration     int64     `json:"duration_ms"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (SSHAuditLog) TableName() string {
	return "ssh_audit_logs"
}
