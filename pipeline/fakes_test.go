package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mailtriage/decision"
	"mailtriage/mailbox"
	"mailtriage/models"
)

var errRemote = errors.New("remote unavailable")

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// trace records the order of side effects across fakes.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) add(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, fmt.Sprintf(format, args...))
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

type fakeSource struct {
	trace       *trace
	messages    []mailbox.Message
	fetchErr    error
	markReadErr map[string]error
	fetchedMax  int
}

func (f *fakeSource) FetchUnread(ctx context.Context, maxResults int) ([]mailbox.Message, error) {
	f.fetchedMax = maxResults
	f.trace.add("fetch")
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.messages, nil
}

func (f *fakeSource) MarkRead(ctx context.Context, id string) error {
	f.trace.add("mark_read:%s", id)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("mark read called without a deadline")
	}
	return f.markReadErr[id]
}

type fakeCompleter struct {
	replies map[string]string
	err     error
}

func (f *fakeCompleter) Complete(ctx context.Context, req decision.CompletionRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for needle, reply := range f.replies {
		if strings.Contains(req.User, needle) {
			return reply, nil
		}
	}
	return "Other", nil
}

func newEngine(c decision.Completer) *decision.Engine {
	return decision.NewEngine(c, time.Second, testLogger())
}

type createdTask struct {
	msg    mailbox.Message
	action models.Action
	status string
}

type fakeSink struct {
	trace   *trace
	failFor map[string]bool
	created []createdTask
}

func (f *fakeSink) CreateTask(ctx context.Context, msg mailbox.Message, action models.Action, status string) (string, error) {
	f.trace.add("create_task:%s", msg.ID)
	if f.failFor[msg.ID] {
		return "", errRemote
	}
	f.created = append(f.created, createdTask{msg: msg, action: action, status: status})
	return "task-" + msg.ID, nil
}

type fakeLedger struct {
	entries   map[string]*models.ProcessedMessage
	recordErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: map[string]*models.ProcessedMessage{}}
}

func (f *fakeLedger) LookupProcessed(ctx context.Context, id string) (*models.ProcessedMessage, error) {
	return f.entries[id], nil
}

func (f *fakeLedger) RecordProcessed(ctx context.Context, entry *models.ProcessedMessage) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.entries[entry.MessageID] = entry
	return nil
}

type fakeEmails struct {
	emails    map[string]*models.Email
	summaries map[string][]string
}

func newFakeEmails() *fakeEmails {
	return &fakeEmails{emails: map[string]*models.Email{}, summaries: map[string][]string{}}
}

func (f *fakeEmails) EmailExists(ctx context.Context, id string) (bool, error) {
	_, ok := f.emails[id]
	return ok, nil
}

func (f *fakeEmails) CreateEmail(ctx context.Context, email *models.Email) error {
	f.emails[email.ID] = email
	return nil
}

func (f *fakeEmails) CreateSummary(ctx context.Context, emailID, text string) (*models.Summary, error) {
	f.summaries[emailID] = append(f.summaries[emailID], text)
	return &models.Summary{EmailID: emailID, Summary: text}, nil
}

type recorder struct {
	mu      sync.Mutex
	results []models.ProcessingResult
}

func (r *recorder) Observe(result models.ProcessingResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

// heldLocker reports every key in held as taken.
type heldLocker struct {
	held map[string]bool
}

func (l heldLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	if l.held[key] {
		return nil, false, nil
	}
	return func() {}, true, nil
}
