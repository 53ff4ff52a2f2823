package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mailtriage/models"
)

const (
	summarySystemPrompt  = "You are an email summarizer."
	classifySystemPrompt = "You are an email classifier. Reply with exactly one word: important, moderate, or other."
	actionSystemPrompt   = "You are an email triage assistant. Reply with exactly one word: Reply, Read, Ignore, or Other."

	summaryMaxTokens  = 100
	classifyMaxTokens = 10
	actionMaxTokens   = 10

	summaryTemperature = 0.5

	// DefaultTimeout bounds a single completion when none is configured.
	DefaultTimeout = 20 * time.Second
)

// CompletionRequest is one prompt sent to a language model.
type CompletionRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float32
}

// Completer returns the model's reply text for a request.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Operation names the decision that failed.
type Operation string

const (
	OpSummarize Operation = "summarize"
	OpClassify  Operation = "classify"
	OpSuggest   Operation = "suggest_action"
)

// Failure describes why a decision fell back to its default.
type Failure struct {
	Op  Operation
	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// SummaryResult carries a summary or the reason there is none.
type SummaryResult struct {
	Text string
	Err  *Failure
}

func (r SummaryResult) OK() bool {
	return r.Err == nil
}

// Display renders the result for HTTP clients, which expect an inline
// error marker in place of the summary.
func (r SummaryResult) Display() string {
	if r.Err != nil {
		return fmt.Sprintf("[Summary error: %v]", r.Err.Err)
	}
	return r.Text
}

// CategoryResult is always one of the allowed categories. Raw holds the
// model reply before coercion.
type CategoryResult struct {
	Category models.Category
	Raw      string
	Err      *Failure
}

// ActionResult is always one of the allowed actions.
type ActionResult struct {
	Action models.Action
	Raw    string
	Err    *Failure
}

// Engine turns message text into summaries, categories and actions.
// Model faults never escape: every operation falls back to a default and
// reports the fault on the result.
type Engine struct {
	completer Completer
	timeout   time.Duration
	logger    *logrus.Entry
}

func NewEngine(completer Completer, timeout time.Duration, logger *logrus.Entry) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		completer: completer,
		timeout:   timeout,
		logger:    logger,
	}
}

func (e *Engine) complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	reply, err := e.completer.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// Summarize produces a short free-text summary.
func (e *Engine) Summarize(ctx context.Context, text string) SummaryResult {
	reply, err := e.complete(ctx, CompletionRequest{
		System:      summarySystemPrompt,
		User:        "Summarize this email:\n" + text,
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		e.logger.WithError(err).Warn("summarize failed")
		return SummaryResult{Err: &Failure{Op: OpSummarize, Err: err}}
	}
	return SummaryResult{Text: reply}
}

// Classify labels text as important, moderate or other. Replies outside
// that set are coerced to other.
func (e *Engine) Classify(ctx context.Context, text string) CategoryResult {
	reply, err := e.complete(ctx, CompletionRequest{
		System:    classifySystemPrompt,
		User:      "Classify this email as important, moderate, or other:\n" + text,
		MaxTokens: classifyMaxTokens,
	})
	if err != nil {
		e.logger.WithError(err).Warn("classify failed")
		return CategoryResult{Category: models.CategoryOther, Err: &Failure{Op: OpClassify, Err: err}}
	}

	category := models.Category(strings.ToLower(strings.Trim(reply, " .\"'\n")))
	if !category.IsValid() {
		e.logger.WithField("reply", reply).Debug("classifier reply outside vocabulary")
		category = models.CategoryOther
	}
	return CategoryResult{Category: category, Raw: reply}
}

// SuggestAction picks the next step for a message from its subject and body.
func (e *Engine) SuggestAction(ctx context.Context, subject, body string) ActionResult {
	reply, err := e.complete(ctx, CompletionRequest{
		System:    actionSystemPrompt,
		User:      fmt.Sprintf("Subject: %s\n\n%s\n\nWhat should I do with this email?", subject, body),
		MaxTokens: actionMaxTokens,
	})
	if err != nil {
		e.logger.WithError(err).Warn("suggest action failed")
		return ActionResult{Action: models.ActionOther, Err: &Failure{Op: OpSuggest, Err: err}}
	}
	return ActionResult{Action: models.ParseAction(strings.Trim(reply, " .\"'\n")), Raw: reply}
}
