package models

import (
	"time"

	"gorm.io/gorm"
)

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// AutoProcessRun tracks one background batch run.
type AutoProcessRun struct {
	gorm.Model
	Status       RunStatus  `gorm:"size:20;default:'queued';index" json:"status"` // queued, running, completed, failed
	Trigger      string     `gorm:"size:20" json:"trigger"`                      // api, schedule
	MaxResults   int        `json:"max_results"`
	Processed    int        `gorm:"default:0" json:"processed"`
	TasksCreated int        `gorm:"default:0" json:"tasks_created"`
	Failed       int        `gorm:"default:0" json:"failed"`
	Error        string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}
