// Package mailbox fetches unread mail from a remote mailbox and applies
// mark-read and delete side effects. Adapters keep no message state between
// calls; each call opens its own session.
package mailbox

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultMaxResults = 10
	MaxResultsLimit   = 100
)

var (
	// ErrMissingCredentials is returned before any network attempt when the
	// adapter was built without a complete credential set.
	ErrMissingCredentials = errors.New("mailbox credentials are not configured")

	// ErrNotFound is returned when the message does not exist at the source,
	// e.g. on a second delete of the same id.
	ErrNotFound = errors.New("message not found")
)

// Message is a normalized unread mail item.
type Message struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	Sender     string     `json:"sender"`
	DateHeader string     `json:"received_at"`
	ReceivedAt *time.Time `json:"received_at_parsed,omitempty"`
	Snippet    string     `json:"snippet"`
	Body       string     `json:"body"`
	Category   string     `json:"category"`
}

// Source is a remote mailbox.
type Source interface {
	// FetchUnread returns up to maxResults messages currently flagged unread.
	// A listing or transport fault fails the whole call.
	FetchUnread(ctx context.Context, maxResults int) ([]Message, error)
	// MarkRead is idempotent.
	MarkRead(ctx context.Context, id string) error
	// Delete returns ErrNotFound for an id that no longer exists.
	Delete(ctx context.Context, id string) error
}

// ClampMaxResults maps a requested batch size into 1..MaxResultsLimit.
func ClampMaxResults(n int) int {
	if n <= 0 {
		return DefaultMaxResults
	}
	if n > MaxResultsLimit {
		return MaxResultsLimit
	}
	return n
}
