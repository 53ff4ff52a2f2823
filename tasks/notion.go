package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jomei/notionapi"
	"github.com/sirupsen/logrus"

	"mailtriage/mailbox"
	"mailtriage/models"
)

const (
	DefaultStatus = "To Do"

	// Notion rejects rich text content longer than this.
	richTextLimit = 2000

	noSubject = "No Subject"
)

var ErrMissingCredentials = errors.New("notion token and database id are required")

// pageCreator is the slice of the Notion client the sink needs.
type pageCreator interface {
	Create(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
}

// NotionSink files follow-up tasks as pages in a Notion database.
type NotionSink struct {
	pages      pageCreator
	databaseID string
	logger     *logrus.Entry
}

// NewNotionSink returns a sink for databaseID. The credentials are checked on
// each call so a misconfigured sink fails before touching the network.
func NewNotionSink(token, databaseID string, logger *logrus.Entry) *NotionSink {
	sink := &NotionSink{databaseID: databaseID, logger: logger}
	if token != "" {
		sink.pages = notionapi.NewClient(notionapi.Token(token)).Page
	}
	return sink
}

// CreateTask creates one page and returns its id.
func (s *NotionSink) CreateTask(ctx context.Context, msg mailbox.Message, action models.Action, status string) (string, error) {
	if s.pages == nil || s.databaseID == "" {
		return "", ErrMissingCredentials
	}

	page, err := s.pages.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(s.databaseID),
		},
		Properties: buildProperties(msg, action, status),
	})
	if err != nil {
		return "", fmt.Errorf("creating notion page for message %s: %w", msg.ID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"task_id":    page.ID.String(),
		"action":     action,
	}).Info("task created")
	return page.ID.String(), nil
}

func buildProperties(msg mailbox.Message, action models.Action, status string) notionapi.Properties {
	if status == "" {
		status = DefaultStatus
	}

	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Title: richText(TaskTitle(action, msg.Subject)),
		},
		"Sender": notionapi.RichTextProperty{
			RichText: richText(msg.Sender),
		},
		"Snippet": notionapi.RichTextProperty{
			RichText: richText(truncate(msg.Snippet, richTextLimit)),
		},
		"Action": notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(action)},
		},
		"Status": notionapi.StatusProperty{
			Status: notionapi.Status{Name: status},
		},
	}

	if msg.ReceivedAt != nil {
		start := notionapi.Date(msg.ReceivedAt.UTC().Truncate(time.Second))
		props["Received"] = notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &start},
		}
	}
	return props
}

// TaskTitle is the page title for a message, e.g. "Reply: Lunch?".
func TaskTitle(action models.Action, subject string) string {
	if subject == "" {
		subject = noSubject
	}
	return fmt.Sprintf("%s: %s", action, subject)
}

func richText(content string) []notionapi.RichText {
	return []notionapi.RichText{
		{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: content}},
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
