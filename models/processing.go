package models

import (
	"strings"
	"time"
)

// Action is the suggested next step for a message.
type Action string

const (
	ActionReply  Action = "Reply"
	ActionRead   Action = "Read"
	ActionIgnore Action = "Ignore"
	ActionOther  Action = "Other"
)

// Actions lists the allowed action labels.
var Actions = []Action{ActionReply, ActionRead, ActionIgnore, ActionOther}

// ParseAction matches s case-insensitively against the allowed labels.
// Anything else is Other.
func ParseAction(s string) Action {
	s = strings.TrimSpace(s)
	for _, a := range Actions {
		if strings.EqualFold(s, string(a)) {
			return a
		}
	}
	return ActionOther
}

// Category is the classification label stored on an Email.
type Category string

const (
	CategoryImportant Category = "important"
	CategoryModerate  Category = "moderate"
	CategoryOther     Category = "other"
)

func (c Category) IsValid() bool {
	switch c {
	case CategoryImportant, CategoryModerate, CategoryOther:
		return true
	}
	return false
}

// ProcessingState tracks a message through an auto-process run.
type ProcessingState string

const (
	StateFetched  ProcessingState = "fetched"
	StateDecided  ProcessingState = "decided"
	StateActed    ProcessingState = "acted"
	StateRecorded ProcessingState = "recorded"
	StateFailed   ProcessingState = "failed"
)

// ProcessingResult is the outcome for one message of an auto-process run.
// It is returned to the caller and never stored.
type ProcessingResult struct {
	MessageID       string          `json:"message_id"`
	Subject         string          `json:"subject,omitempty"`
	SuggestedAction Action          `json:"suggested_action,omitempty"`
	TaskID          *string         `json:"task_id,omitempty"`
	State           ProcessingState `json:"state"`
	MarkedRead      bool            `json:"marked_read"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Fail moves the result to the terminal failed state. Side effects already
// performed are not undone.
func (r *ProcessingResult) Fail(reason string) {
	r.State = StateFailed
	r.Error = reason
}

// ProcessedMessage records that a task exists for a message, so a later run
// that sees the same message unread again does not create a second task.
type ProcessedMessage struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID   string    `gorm:"size:255;not null;uniqueIndex" json:"message_id"`
	Action      Action    `gorm:"size:20" json:"action"`
	TaskID      string    `gorm:"size:255" json:"task_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

func (ProcessedMessage) TableName() string {
	return "processed_messages"
}
