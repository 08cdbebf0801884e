package model

import "time"

// WebhookEvent records one inbound notification delivery. Redeliveries each
// create their own row; deduplication happens on the transaction, not here.
type WebhookEvent struct {
	ID                 uint64 `gorm:"primaryKey"`
	EventID            string `gorm:"size:64;not null;index"`
	Provider           string `gorm:"size:32;not null"`
	TxRef              string `gorm:"size:64;index"`
	Payload            string `gorm:"type:jsonb;not null"`
	SignatureVerified  bool   `gorm:"not null;default:false"`
	Processed          bool   `gorm:"not null;default:false"`
	ProcessingAttempts int    `gorm:"not null;default:0"`
	LatencyMS          int64  `gorm:"not null;default:0"`
	ErrorMessage       string `gorm:"type:text"`
	ProcessedAt        *time.Time
	CreatedAt          time.Time `gorm:"autoCreateTime"`
}

func (WebhookEvent) TableName() string { return "webhook_event" }
