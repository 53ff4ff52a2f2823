package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/config"
	"mailtriage/decision"
	"mailtriage/mailbox"
	"mailtriage/models"
	"mailtriage/pipeline"
	"mailtriage/store"
	"mailtriage/worker"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := config.Open(config.DriverSQLite, "file::memory:?cache=private")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, config.MigrateDB(db))
	return store.New(db)
}

type fakeSource struct {
	messages []mailbox.Message
	fetchErr error
	deleted  map[string]bool
	read     map[string]int
	maxSeen  int
}

func (f *fakeSource) FetchUnread(ctx context.Context, maxResults int) ([]mailbox.Message, error) {
	f.maxSeen = maxResults
	return f.messages, f.fetchErr
}

func (f *fakeSource) MarkRead(ctx context.Context, id string) error {
	if f.read == nil {
		f.read = map[string]int{}
	}
	f.read[id]++
	return nil
}

func (f *fakeSource) Delete(ctx context.Context, id string) error {
	if f.deleted == nil {
		f.deleted = map[string]bool{}
	}
	if f.deleted[id] {
		return fmt.Errorf("deleting %s: %w", id, mailbox.ErrNotFound)
	}
	f.deleted[id] = true
	return nil
}

type fakeIngester struct {
	results []pipeline.IngestResult
	err     error
}

func (f *fakeIngester) Ingest(ctx context.Context, maxResults int) ([]pipeline.IngestResult, error) {
	return f.results, f.err
}

type fakeCompleter struct {
	reply string
	err   error
}

func (f fakeCompleter) Complete(ctx context.Context, req decision.CompletionRequest) (string, error) {
	return f.reply, f.err
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func emailApp(t *testing.T, source *fakeSource, ingester *fakeIngester) (*fiber.App, *store.Store) {
	s := newTestStore(t)
	ec := NewEmailController(source, s, ingester, time.Second, testLogger())

	app := fiber.New()
	app.Get("/emails", ec.GetEmails)
	app.Post("/emails/save", ec.SaveEmail)
	app.Get("/emails/db", ec.ListStoredEmails)
	app.Get("/emails/db/:id", ec.GetStoredEmail)
	app.Post("/emails/mark_read", ec.MarkRead)
	app.Post("/emails/delete", ec.DeleteEmail)
	app.Post("/emails/ingest", ec.Ingest)
	return app, s
}

func TestGetEmails(t *testing.T) {
	source := &fakeSource{messages: []mailbox.Message{{ID: "a", Subject: "Hi"}}}
	app, _ := emailApp(t, source, nil)

	resp, body := doJSON(t, app, "GET", "/emails?max_results=5", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, source.maxSeen)

	var got []mailbox.Message
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Hi", got[0].Subject)
}

func TestGetEmailsFetchFault(t *testing.T) {
	app, _ := emailApp(t, &fakeSource{fetchErr: errors.New("quota")}, nil)

	resp, body := doJSON(t, app, "GET", "/emails", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "quota")
}

func TestSaveAndListEmails(t *testing.T) {
	app, _ := emailApp(t, &fakeSource{}, nil)

	resp, _ := doJSON(t, app, "POST", "/emails/save", fiber.Map{
		"id":          "m1",
		"subject":     "Hello",
		"received_at": "Tue, 5 Mar 2024 14:30:00 +0000",
		"category":    "important",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, app, "POST", "/emails/save", fiber.Map{"id": "m1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, app, "POST", "/emails/save", fiber.Map{"subject": "no id"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, "POST", "/emails/save", fiber.Map{"id": "m2", "category": "spam"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := doJSON(t, app, "GET", "/emails/db?skip=0&limit=10", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var emails []models.Email
	require.NoError(t, json.Unmarshal(body, &emails))
	require.Len(t, emails, 1)
	assert.Equal(t, "Hello", emails[0].Subject)
	require.NotNil(t, emails[0].ReceivedAt)
}

func TestGetStoredEmail(t *testing.T) {
	app, s := emailApp(t, &fakeSource{}, nil)
	require.NoError(t, s.CreateEmail(context.Background(), &models.Email{ID: "m1", Subject: "Stored"}))

	resp, body := doJSON(t, app, "GET", "/emails/db/m1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var email models.Email
	require.NoError(t, json.Unmarshal(body, &email))
	assert.Equal(t, "Stored", email.Subject)

	resp, body = doJSON(t, app, "GET", "/emails/db/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), `"success":false`)
}

func TestMarkReadAndDelete(t *testing.T) {
	source := &fakeSource{}
	app, _ := emailApp(t, source, nil)

	for i := 0; i < 2; i++ {
		resp, body := doJSON(t, app, "POST", "/emails/mark_read", fiber.Map{"email_id": "a"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"success":true}`, string(body))
	}
	assert.Equal(t, 2, source.read["a"])

	resp, _ := doJSON(t, app, "POST", "/emails/delete", fiber.Map{"email_id": "a"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, app, "POST", "/emails/delete", fiber.Map{"email_id": "a"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), `"success":false`)

	resp, _ = doJSON(t, app, "POST", "/emails/mark_read", fiber.Map{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestEndpoint(t *testing.T) {
	ingester := &fakeIngester{results: []pipeline.IngestResult{{MessageID: "a", Stored: true}}}
	app, _ := emailApp(t, &fakeSource{}, ingester)

	resp, body := doJSON(t, app, "POST", "/emails/ingest", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"message_id":"a"`)

	ingester.err = errors.New("fetch failed")
	resp, _ = doJSON(t, app, "POST", "/emails/ingest", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func aiApp(t *testing.T, completer decision.Completer) (*fiber.App, *store.Store) {
	s := newTestStore(t)
	ac := NewAIController(decision.NewEngine(completer, time.Second, testLogger()), s, testLogger())

	app := fiber.New()
	app.Post("/summarize", ac.Summarize)
	app.Post("/classify", ac.Classify)
	app.Post("/summaries/save", ac.SaveSummary)
	app.Get("/summaries/:email_id", ac.ListSummaries)
	return app, s
}

func TestSummarizeEndpoint(t *testing.T) {
	app, _ := aiApp(t, fakeCompleter{reply: "Short summary."})

	resp, body := doJSON(t, app, "POST", "/summarize", fiber.Map{"email_text": "long text"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"summary":"Short summary."}`, string(body))

	resp, _ = doJSON(t, app, "POST", "/summarize", fiber.Map{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSummarizeEndpointReportsFailureInline(t *testing.T) {
	app, _ := aiApp(t, fakeCompleter{err: errors.New("invalid api key")})

	resp, body := doJSON(t, app, "POST", "/summarize", fiber.Map{"email_text": "x"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"summary":"[Summary error: invalid api key]"}`, string(body))
}

func TestClassifyEndpoint(t *testing.T) {
	app, _ := aiApp(t, fakeCompleter{reply: "Moderate"})

	resp, body := doJSON(t, app, "POST", "/classify", fiber.Map{"email_text": "x"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"category":"moderate"}`, string(body))
}

func TestSummaryEndpoints(t *testing.T) {
	app, s := aiApp(t, fakeCompleter{})
	require.NoError(t, s.CreateEmail(context.Background(), &models.Email{ID: "m1"}))

	resp, _ := doJSON(t, app, "POST", "/summaries/save?email_id=m1&summary=first", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, app, "POST", "/summaries/save", fiber.Map{"email_id": "m1", "summary": "second"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, app, "POST", "/summaries/save", fiber.Map{"email_id": "nope", "summary": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := doJSON(t, app, "GET", "/summaries/m1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var summaries []models.Summary
	require.NoError(t, json.Unmarshal(body, &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "first", summaries[0].Summary)
}

type fakeDispatcher struct {
	requested int
	err       error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, maxResults int, trigger string) (*models.AutoProcessRun, error) {
	f.requested = maxResults
	if f.err != nil {
		return nil, f.err
	}
	run := &models.AutoProcessRun{Status: models.RunQueued, Trigger: trigger, MaxResults: maxResults}
	run.ID = 7
	return run, nil
}

type fakeProcessor struct {
	err error
}

func (f fakeProcessor) ProcessOne(ctx context.Context, id string) (models.ProcessingResult, error) {
	if f.err != nil {
		return models.ProcessingResult{}, f.err
	}
	return models.ProcessingResult{MessageID: id, State: models.StateRecorded, SuggestedAction: models.ActionRead}, nil
}

func autoApp(t *testing.T, d Dispatcher, p SingleProcessor) (*fiber.App, *store.Store) {
	s := newTestStore(t)
	ac := NewAutoProcessController(d, p, s, worker.NewProgressHub(), testLogger())

	app := fiber.New()
	app.Post("/emails/auto_process", ac.Trigger)
	app.Post("/emails/:id/auto_process", ac.ProcessOne)
	app.Get("/auto_process/runs/:id", ac.GetRun)
	app.Get("/auto_process/progress", RequireUpgrade, func(c *fiber.Ctx) error { return c.SendStatus(200) })
	return app, s
}

func TestTriggerAutoProcess(t *testing.T) {
	d := &fakeDispatcher{}
	app, _ := autoApp(t, d, fakeProcessor{})

	resp, body := doJSON(t, app, "POST", "/emails/auto_process?max_results=500", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, mailbox.MaxResultsLimit, d.requested)
	assert.Contains(t, string(body), `"run_id":7`)

	d.err = errors.New("db down")
	resp, _ = doJSON(t, app, "POST", "/emails/auto_process", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	d.err = worker.ErrStopped
	resp, _ = doJSON(t, app, "POST", "/emails/auto_process", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProcessOneEndpoint(t *testing.T) {
	app, _ := autoApp(t, &fakeDispatcher{}, fakeProcessor{})
	resp, body := doJSON(t, app, "POST", "/emails/abc/auto_process", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"message_id":"abc"`)

	app, _ = autoApp(t, &fakeDispatcher{}, fakeProcessor{err: fmt.Errorf("%w: abc", pipeline.ErrNotFound)})
	resp, _ = doJSON(t, app, "POST", "/emails/abc/auto_process", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	app, _ = autoApp(t, &fakeDispatcher{}, fakeProcessor{err: errors.New("fetching unread messages: timeout")})
	resp, _ = doJSON(t, app, "POST", "/emails/abc/auto_process", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetRunEndpoint(t *testing.T) {
	app, s := autoApp(t, &fakeDispatcher{}, fakeProcessor{})
	run := &models.AutoProcessRun{Status: models.RunCompleted, Trigger: worker.TriggerAPI, Processed: 2}
	require.NoError(t, s.CreateRun(context.Background(), run))

	resp, body := doJSON(t, app, "GET", fmt.Sprintf("/auto_process/runs/%d", run.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"completed"`)

	resp, _ = doJSON(t, app, "GET", "/auto_process/runs/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, app, "GET", "/auto_process/runs/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProgressRequiresUpgrade(t *testing.T) {
	app, _ := autoApp(t, &fakeDispatcher{}, fakeProcessor{})
	resp, _ := doJSON(t, app, "GET", "/auto_process/progress", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
