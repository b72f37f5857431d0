package models

import "time"

// Message is one inbound communication ingested from a channel.
type Message struct {
	ID                  string     `gorm:"primaryKey;size:32"`
	WorkspaceID         string     `gorm:"size:32;not null;index:idx_workspace_review"`
	ConnectionID        string     `gorm:"size:64;index"`
	ProviderThreadID    string     `gorm:"size:255"`
	ProviderMessageID   string     `gorm:"size:255"`
	Sender              string     `gorm:"size:255"`
	Subject             string     `gorm:"size:512"`
	Body                string     `gorm:"type:text"`
	Priority            string     `gorm:"size:16;default:normal"`
	Category            string     `gorm:"size:32"`
	ReceivedAt          time.Time  `gorm:"index"`
	RequiresHumanReview bool       `gorm:"default:false;index:idx_workspace_review"`
	ReviewReason        string     `gorm:"size:64"`
	ReviewedAt          *time.Time
	ReviewedBy          string     `gorm:"size:64"`
	ReviewAction        string     `gorm:"size:16"`
	HandledByAssistant  bool       `gorm:"default:false;index"`
	HandledAt           *time.Time
	HandleAction        string     `gorm:"size:32"`
	ArchivedInProvider  bool       `gorm:"default:false"`
	CreatedAt           time.Time
	UpdatedAt           time.Time

	Drafts []Draft `gorm:"foreignKey:MessageID"`
}

// HasProviderRef reports whether the message can be addressed in its provider.
func (m *Message) HasProviderRef() bool {
	return m.ConnectionID != "" && (m.ProviderMessageID != "" || m.ProviderThreadID != "")
}
