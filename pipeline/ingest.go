package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"mailtriage/mailbox"
	"mailtriage/models"
)

// ErrIngestUnavailable is returned by Ingest when the pipeline was built
// without an analyzer or email store.
var ErrIngestUnavailable = errors.New("ingest requires an analyzer and an email store")

// IngestResult reports what Ingest did with one message.
type IngestResult struct {
	MessageID string          `json:"message_id"`
	Subject   string          `json:"subject,omitempty"`
	Category  models.Category `json:"category,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Stored    bool            `json:"stored"`
	Skipped   bool            `json:"skipped,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Ingest classifies, summarizes and stores unread messages that are not
// stored yet. Messages stay unread.
func (p *Pipeline) Ingest(ctx context.Context, maxResults int) ([]IngestResult, error) {
	if p.analyzer == nil || p.emails == nil {
		return nil, ErrIngestUnavailable
	}

	messages, err := p.fetch(ctx, maxResults)
	if err != nil {
		return nil, err
	}

	results := make([]IngestResult, 0, len(messages))
	for _, msg := range messages {
		results = append(results, p.ingest(ctx, msg))
	}
	return results, nil
}

func (p *Pipeline) ingest(ctx context.Context, msg mailbox.Message) IngestResult {
	result := IngestResult{MessageID: msg.ID, Subject: msg.Subject}
	log := p.logger.WithField("message_id", msg.ID)

	exists, err := p.emails.EmailExists(ctx, msg.ID)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if exists {
		result.Skipped = true
		return result
	}

	text := msg.Body
	if text == "" {
		text = msg.Snippet
	}

	classified := p.analyzer.Classify(ctx, text)
	result.Category = classified.Category

	email := &models.Email{
		ID:         msg.ID,
		Subject:    msg.Subject,
		Sender:     msg.Sender,
		Snippet:    msg.Snippet,
		Body:       msg.Body,
		ReceivedAt: msg.ReceivedAt,
		Category:   string(classified.Category),
	}
	if err := p.emails.CreateEmail(ctx, email); err != nil {
		log.WithError(err).Warn("failed to store email")
		result.Error = fmt.Sprintf("storing email: %v", err)
		return result
	}
	result.Stored = true

	summarized := p.analyzer.Summarize(ctx, text)
	if !summarized.OK() {
		result.Error = summarized.Err.Error()
		return result
	}
	if _, err := p.emails.CreateSummary(ctx, msg.ID, summarized.Text); err != nil {
		log.WithError(err).Warn("failed to store summary")
		result.Error = fmt.Sprintf("storing summary: %v", err)
		return result
	}
	result.Summary = summarized.Text

	log.WithFields(logrus.Fields{"category": classified.Category}).Debug("message ingested")
	return result
}
