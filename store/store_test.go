package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/config"
	"mailtriage/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := config.Open(config.DriverSQLite, "file::memory:?cache=private")
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, config.MigrateDB(db))
	return New(db)
}

func TestEmailLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	received := time.Date(2024, time.March, 5, 14, 30, 0, 0, time.UTC)
	email := &models.Email{ID: "m1", Subject: "Hi", Sender: "a@example.com", ReceivedAt: &received, Category: "important"}
	require.NoError(t, s.CreateEmail(ctx, email))

	err := s.CreateEmail(ctx, &models.Email{ID: "m1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.GetEmail(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Hi", got.Subject)
	require.NotNil(t, got.ReceivedAt)
	assert.True(t, got.ReceivedAt.Equal(received))

	_, err = s.GetEmail(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := s.EmailExists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestListEmailsPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateEmail(ctx, &models.Email{ID: fmt.Sprintf("m%d", i)}))
	}

	page, err := s.ListEmails(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", page[0].ID)
	assert.Equal(t, "m2", page[1].ID)

	all, err := s.ListEmails(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	empty, err := s.ListEmails(ctx, 10, 10)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSummary(ctx, "nope", "text")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CreateEmail(ctx, &models.Email{ID: "m1"}))
	first, err := s.CreateSummary(ctx, "m1", "first")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	_, err = s.CreateSummary(ctx, "m1", "second")
	require.NoError(t, err)

	list, err := s.ListSummaries(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Summary)
	assert.Equal(t, "second", list[1].Summary)

	none, err := s.ListSummaries(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestProcessedLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.LookupProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, s.RecordProcessed(ctx, &models.ProcessedMessage{MessageID: "m1", Action: models.ActionReply, TaskID: "t1"}))
	require.NoError(t, s.RecordProcessed(ctx, &models.ProcessedMessage{MessageID: "m1", Action: models.ActionRead, TaskID: "t2"}))

	entry, err = s.LookupProcessed(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "t2", entry.TaskID)
	assert.Equal(t, models.ActionRead, entry.Action)
	assert.False(t, entry.ProcessedAt.IsZero())
}

func TestRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.AutoProcessRun{Status: models.RunQueued, Trigger: "api", MaxResults: 5}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NotZero(t, run.ID)

	run.Status = models.RunCompleted
	run.Processed = 3
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, 3, got.Processed)

	_, err = s.GetRun(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}
