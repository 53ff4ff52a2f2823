package tasks

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/mailbox"
	"mailtriage/models"
)

type fakePages struct {
	requests []*notionapi.PageCreateRequest
	err      error
}

func (f *fakePages) Create(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &notionapi.Page{ID: notionapi.ObjectID("page-123")}, nil
}

func testSink(pages pageCreator) *NotionSink {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &NotionSink{pages: pages, databaseID: "db-1", logger: logrus.NewEntry(l)}
}

func TestCreateTask(t *testing.T) {
	received := time.Date(2024, time.March, 5, 14, 30, 0, 0, time.UTC)
	msg := mailbox.Message{
		ID:         "m1",
		Subject:    "Lunch?",
		Sender:     "bob@example.com",
		Snippet:    "Are you free",
		ReceivedAt: &received,
	}

	pages := &fakePages{}
	id, err := testSink(pages).CreateTask(context.Background(), msg, models.ActionReply, "")
	require.NoError(t, err)
	assert.Equal(t, "page-123", id)

	require.Len(t, pages.requests, 1)
	req := pages.requests[0]
	assert.Equal(t, notionapi.DatabaseID("db-1"), req.Parent.DatabaseID)

	title := req.Properties["Name"].(notionapi.TitleProperty)
	assert.Equal(t, "Reply: Lunch?", title.Title[0].Text.Content)

	status := req.Properties["Status"].(notionapi.StatusProperty)
	assert.Equal(t, DefaultStatus, status.Status.Name)

	date := req.Properties["Received"].(notionapi.DateProperty)
	assert.True(t, time.Time(*date.Date.Start).Equal(received))

	action := req.Properties["Action"].(notionapi.SelectProperty)
	assert.Equal(t, "Reply", action.Select.Name)
}

func TestBuildPropertiesEdges(t *testing.T) {
	msg := mailbox.Message{ID: "m2", Snippet: strings.Repeat("x", 2500)}

	props := buildProperties(msg, models.ActionOther, "In Progress")
	_, hasDate := props["Received"]
	assert.False(t, hasDate)

	title := props["Name"].(notionapi.TitleProperty)
	assert.Equal(t, "Other: No Subject", title.Title[0].Text.Content)

	snippet := props["Snippet"].(notionapi.RichTextProperty)
	assert.Len(t, snippet.RichText[0].Text.Content, 2000)

	status := props["Status"].(notionapi.StatusProperty)
	assert.Equal(t, "In Progress", status.Status.Name)
}

func TestCreateTaskPropagatesRemoteFault(t *testing.T) {
	pages := &fakePages{err: errors.New("validation_error")}
	id, err := testSink(pages).CreateTask(context.Background(), mailbox.Message{ID: "m3"}, models.ActionRead, "")
	assert.Error(t, err)
	assert.Empty(t, id)
}

func TestCreateTaskMissingCredentials(t *testing.T) {
	sink := NewNotionSink("", "db-1", logrus.NewEntry(logrus.New()))
	_, err := sink.CreateTask(context.Background(), mailbox.Message{ID: "m4"}, models.ActionRead, "")
	assert.ErrorIs(t, err, ErrMissingCredentials)

	sink = NewNotionSink("secret", "", logrus.NewEntry(logrus.New()))
	_, err = sink.CreateTask(context.Background(), mailbox.Message{ID: "m4"}, models.ActionRead, "")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}
