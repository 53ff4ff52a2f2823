package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailtriage/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// Store is the GORM-backed repository for emails, summaries, the processed
// ledger and auto-process runs.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateEmail(ctx context.Context, email *models.Email) error {
	exists, err := s.EmailExists(ctx, email.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("email %s: %w", email.ID, ErrAlreadyExists)
	}
	if err := s.db.WithContext(ctx).Create(email).Error; err != nil {
		return fmt.Errorf("failed to create email: %w", err)
	}
	return nil
}

func (s *Store) GetEmail(ctx context.Context, id string) (*models.Email, error) {
	var email models.Email
	err := s.db.WithContext(ctx).First(&email, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &email, nil
}

func (s *Store) EmailExists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Email{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return count > 0, nil
}

// ListEmails pages through stored emails in insertion order.
func (s *Store) ListEmails(ctx context.Context, skip, limit int) ([]models.Email, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	emails := []models.Email{}
	err := s.db.WithContext(ctx).
		Order("created_at ASC, id ASC").
		Offset(skip).
		Limit(limit).
		Find(&emails).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	return emails, nil
}

// CreateSummary appends a summary to an existing email.
func (s *Store) CreateSummary(ctx context.Context, emailID, text string) (*models.Summary, error) {
	exists, err := s.EmailExists(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("email %s: %w", emailID, ErrNotFound)
	}

	summary := &models.Summary{EmailID: emailID, Summary: text}
	if err := s.db.WithContext(ctx).Create(summary).Error; err != nil {
		return nil, fmt.Errorf("failed to create summary: %w", err)
	}
	return summary, nil
}

func (s *Store) ListSummaries(ctx context.Context, emailID string) ([]models.Summary, error) {
	summaries := []models.Summary{}
	err := s.db.WithContext(ctx).
		Where("email_id = ?", emailID).
		Order("id ASC").
		Find(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	return summaries, nil
}

// LookupProcessed returns the ledger entry for a message, or nil when the
// message has not been given a task yet.
func (s *Store) LookupProcessed(ctx context.Context, messageID string) (*models.ProcessedMessage, error) {
	var entry models.ProcessedMessage
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up processed message: %w", err)
	}
	return &entry, nil
}

// RecordProcessed upserts the ledger entry for a message.
func (s *Store) RecordProcessed(ctx context.Context, entry *models.ProcessedMessage) error {
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"action", "task_id", "processed_at"}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("failed to record processed message: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run *models.AutoProcessRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun saves every field of the run.
func (s *Store) UpdateRun(ctx context.Context, run *models.AutoProcessRun) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("failed to update run %d: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id uint) (*models.AutoProcessRun, error) {
	var run models.AutoProcessRun
	err := s.db.WithContext(ctx).First(&run, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}
