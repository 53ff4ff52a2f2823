package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mailtriage/decision"
	"mailtriage/mailbox"
	"mailtriage/models"
	"mailtriage/tasks"
)

// ErrNotFound is returned by ProcessOne when the id is not in the current
// unread set.
var ErrNotFound = errors.New("message not found among unread messages")

const DefaultCallTimeout = 30 * time.Second

type MailSource interface {
	FetchUnread(ctx context.Context, maxResults int) ([]mailbox.Message, error)
	MarkRead(ctx context.Context, id string) error
}

type ActionDecider interface {
	SuggestAction(ctx context.Context, subject, body string) decision.ActionResult
}

type Analyzer interface {
	Summarize(ctx context.Context, text string) decision.SummaryResult
	Classify(ctx context.Context, text string) decision.CategoryResult
}

type TaskSink interface {
	CreateTask(ctx context.Context, msg mailbox.Message, action models.Action, status string) (string, error)
}

// Ledger remembers which messages already have a task.
type Ledger interface {
	LookupProcessed(ctx context.Context, messageID string) (*models.ProcessedMessage, error)
	RecordProcessed(ctx context.Context, entry *models.ProcessedMessage) error
}

// EmailStore is what Ingest needs from the persistence layer.
type EmailStore interface {
	EmailExists(ctx context.Context, id string) (bool, error)
	CreateEmail(ctx context.Context, email *models.Email) error
	CreateSummary(ctx context.Context, emailID, text string) (*models.Summary, error)
}

// Observer is told about every finished message.
type Observer interface {
	Observe(result models.ProcessingResult)
}

// Deps are the collaborators of a Pipeline. Locker defaults to a
// MemoryLocker. Ledger, Analyzer and Emails may be nil; Ingest needs the
// latter two.
type Deps struct {
	Source      MailSource
	Decider     ActionDecider
	Sink        TaskSink
	Locker      Locker
	Ledger      Ledger
	Analyzer    Analyzer
	Emails      EmailStore
	CallTimeout time.Duration
	TaskStatus  string
	Logger      *logrus.Entry
}

type Pipeline struct {
	source      MailSource
	decider     ActionDecider
	sink        TaskSink
	locker      Locker
	ledger      Ledger
	analyzer    Analyzer
	emails      EmailStore
	callTimeout time.Duration
	taskStatus  string
	observers   []Observer
	logger      *logrus.Entry
}

func New(deps Deps) *Pipeline {
	p := &Pipeline{
		source:      deps.Source,
		decider:     deps.Decider,
		sink:        deps.Sink,
		locker:      deps.Locker,
		ledger:      deps.Ledger,
		analyzer:    deps.Analyzer,
		emails:      deps.Emails,
		callTimeout: deps.CallTimeout,
		taskStatus:  deps.TaskStatus,
		logger:      deps.Logger,
	}
	if p.locker == nil {
		p.locker = NewMemoryLocker()
	}
	if p.callTimeout <= 0 {
		p.callTimeout = DefaultCallTimeout
	}
	if p.taskStatus == "" {
		p.taskStatus = tasks.DefaultStatus
	}
	if p.logger == nil {
		p.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return p
}

// AddObserver registers o for results of every later run. Not safe to call
// while a run is in progress.
func (p *Pipeline) AddObserver(o Observer) {
	p.observers = append(p.observers, o)
}

// ProcessBatch fetches up to maxResults unread messages and processes each
// in fetch order. Only a fetch fault is returned as an error; per-message
// faults are reported on the results.
func (p *Pipeline) ProcessBatch(ctx context.Context, maxResults int) ([]models.ProcessingResult, error) {
	messages, err := p.fetch(ctx, maxResults)
	if err != nil {
		return nil, err
	}

	results := make([]models.ProcessingResult, 0, len(messages))
	for _, msg := range messages {
		results = append(results, p.process(ctx, msg))
	}

	p.logger.WithFields(logrus.Fields{
		"fetched":   len(messages),
		"failed":    countFailed(results),
		"requested": maxResults,
	}).Info("batch processed")
	return results, nil
}

// ProcessOne processes a single message, located by re-fetching the unread
// set.
func (p *Pipeline) ProcessOne(ctx context.Context, id string) (models.ProcessingResult, error) {
	messages, err := p.fetch(ctx, mailbox.MaxResultsLimit)
	if err != nil {
		return models.ProcessingResult{}, err
	}

	for _, msg := range messages {
		if msg.ID == id {
			return p.process(ctx, msg), nil
		}
	}
	return models.ProcessingResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (p *Pipeline) fetch(ctx context.Context, maxResults int) ([]mailbox.Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	messages, err := p.source.FetchUnread(callCtx, maxResults)
	if err != nil {
		return nil, fmt.Errorf("fetching unread messages: %w", err)
	}
	return messages, nil
}

func (p *Pipeline) process(ctx context.Context, msg mailbox.Message) models.ProcessingResult {
	result := models.ProcessingResult{
		MessageID: msg.ID,
		Subject:   msg.Subject,
		State:     models.StateFetched,
	}
	log := p.logger.WithField("message_id", msg.ID)
	defer func() { p.notify(result) }()

	unlock, ok, err := p.locker.TryLock(ctx, msg.ID)
	if err != nil {
		log.WithError(err).Warn("could not acquire message lock")
		result.Fail(fmt.Sprintf("acquiring lock: %v", err))
		return result
	}
	if !ok {
		log.Info("message is already being processed")
		result.Fail("already being processed")
		return result
	}
	defer unlock()

	if entry := p.lookup(ctx, msg.ID, log); entry != nil {
		taskID := entry.TaskID
		result.SuggestedAction = entry.Action
		result.TaskID = &taskID
		result.Duplicate = true
		result.State = models.StateActed
	} else {
		decided := p.decider.SuggestAction(ctx, msg.Subject, msg.Body)
		result.SuggestedAction = decided.Action
		result.State = models.StateDecided

		taskID, err := p.createTask(ctx, msg, decided.Action)
		if err != nil {
			log.WithError(err).Warn("task creation failed, leaving message unread")
			result.Fail(fmt.Sprintf("creating task: %v", err))
			return result
		}
		result.TaskID = &taskID
		result.State = models.StateActed
		p.record(ctx, msg.ID, decided.Action, taskID, log)
	}

	if err := p.markRead(ctx, msg.ID); err != nil {
		log.WithError(err).Warn("mark read failed")
		result.Error = fmt.Sprintf("marking read: %v", err)
	} else {
		result.MarkedRead = true
	}
	result.State = models.StateRecorded
	return result
}

func (p *Pipeline) createTask(ctx context.Context, msg mailbox.Message, action models.Action) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.sink.CreateTask(callCtx, msg, action, p.taskStatus)
}

func (p *Pipeline) markRead(ctx context.Context, id string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.source.MarkRead(callCtx, id)
}

// lookup treats a ledger fault as "not processed".
func (p *Pipeline) lookup(ctx context.Context, id string, log *logrus.Entry) *models.ProcessedMessage {
	if p.ledger == nil {
		return nil
	}
	entry, err := p.ledger.LookupProcessed(ctx, id)
	if err != nil {
		log.WithError(err).Warn("processed ledger lookup failed")
		return nil
	}
	return entry
}

func (p *Pipeline) record(ctx context.Context, id string, action models.Action, taskID string, log *logrus.Entry) {
	if p.ledger == nil {
		return
	}
	err := p.ledger.RecordProcessed(ctx, &models.ProcessedMessage{
		MessageID: id,
		Action:    action,
		TaskID:    taskID,
	})
	if err != nil {
		log.WithError(err).Warn("failed to record processed message")
	}
}

func (p *Pipeline) notify(result models.ProcessingResult) {
	for _, o := range p.observers {
		o.Observe(result)
	}
}

func countFailed(results []models.ProcessingResult) int {
	n := 0
	for _, r := range results {
		if r.State == models.StateFailed {
			n++
		}
	}
	return n
}
