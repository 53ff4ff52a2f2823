package models

import (
	"time"
)

// Email is a stored mail item, keyed by the mailbox's own message id.
type Email struct {
	ID         string     `gorm:"primaryKey;size:255" json:"id"`
	Subject    string     `gorm:"index" json:"subject"`
	Sender     string     `gorm:"index" json:"sender"`
	Snippet    string     `gorm:"type:text" json:"snippet"`
	Body       string     `gorm:"type:text" json:"body"`
	ReceivedAt *time.Time `json:"received_at"`
	Category   string     `gorm:"index" json:"category"`
	CreatedAt  time.Time  `json:"created_at"`

	// Relations
	Summaries []Summary `gorm:"foreignKey:EmailID" json:"summaries,omitempty"`
}

// Summary is a generated summary for an Email. Rows are append-only.
type Summary struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EmailID   string    `gorm:"not null;index;size:255" json:"email_id"`
	Summary   string    `gorm:"type:text" json:"summary"`
	CreatedAt time.Time `json:"created_at"`

	// Relations
	Email *Email `gorm:"foreignKey:EmailID" json:"-"`
}
