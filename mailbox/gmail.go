package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailUser   = "me"
	unreadQuery = "is:unread"
	unreadLabel = "UNREAD"
)

// GmailCredentials is the OAuth token triple for an installed-app client.
type GmailCredentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

func (c GmailCredentials) complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// GmailSource reads the account's mailbox through the Gmail API.
type GmailSource struct {
	creds  GmailCredentials
	opts   []option.ClientOption
	logger *logrus.Entry
}

// NewGmailSource builds an adapter. Extra client options are appended after
// the OAuth token source, so tests can point it at a local endpoint.
func NewGmailSource(creds GmailCredentials, logger *logrus.Entry, opts ...option.ClientOption) *GmailSource {
	return &GmailSource{
		creds:  creds,
		opts:   opts,
		logger: logger,
	}
}

// session exchanges the refresh token for a live Gmail service.
func (s *GmailSource) session(ctx context.Context) (*gmail.Service, error) {
	if !s.creds.complete() {
		return nil, ErrMissingCredentials
	}

	oauthConfig := &oauth2.Config{
		ClientID:     s.creds.ClientID,
		ClientSecret: s.creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.MailGoogleComScope},
	}
	tokenSource := oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: s.creds.RefreshToken})

	opts := append([]option.ClientOption{option.WithTokenSource(tokenSource)}, s.opts...)
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return srv, nil
}

func (s *GmailSource) FetchUnread(ctx context.Context, maxResults int) ([]Message, error) {
	srv, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	list, err := srv.Users.Messages.List(gmailUser).
		Q(unreadQuery).
		MaxResults(int64(ClampMaxResults(maxResults))).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("listing unread messages: %w", err)
	}

	messages := make([]Message, 0, len(list.Messages))
	for _, ref := range list.Messages {
		full, err := srv.Users.Messages.Get(gmailUser, ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("getting message %s: %w", ref.Id, err)
		}
		messages = append(messages, messageFromGmail(full))
	}

	s.logger.WithField("count", len(messages)).Debug("fetched unread messages")
	return messages, nil
}

func (s *GmailSource) MarkRead(ctx context.Context, id string) error {
	srv, err := s.session(ctx)
	if err != nil {
		return err
	}

	_, err = srv.Users.Messages.Modify(gmailUser, id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{unreadLabel},
	}).Context(ctx).Do()
	if err != nil {
		s.logger.WithError(err).WithField("message_id", id).Warn("failed to mark message as read")
		return fmt.Errorf("marking message %s read: %w", id, wrapNotFound(err))
	}
	return nil
}

func (s *GmailSource) Delete(ctx context.Context, id string) error {
	srv, err := s.session(ctx)
	if err != nil {
		return err
	}

	if err := srv.Users.Messages.Delete(gmailUser, id).Context(ctx).Do(); err != nil {
		s.logger.WithError(err).WithField("message_id", id).Warn("failed to delete message")
		return fmt.Errorf("deleting message %s: %w", id, wrapNotFound(err))
	}
	return nil
}

// wrapNotFound maps a Gmail 404 onto ErrNotFound.
func wrapNotFound(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	}
	return err
}
