package controller

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"mailtriage/mailbox"
	"mailtriage/models"
	"mailtriage/pipeline"
	"mailtriage/store"
	"mailtriage/utils"
	"mailtriage/worker"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, maxResults int, trigger string) (*models.AutoProcessRun, error)
}

type SingleProcessor interface {
	ProcessOne(ctx context.Context, id string) (models.ProcessingResult, error)
}

type RunReader interface {
	GetRun(ctx context.Context, id uint) (*models.AutoProcessRun, error)
}

type AutoProcessController struct {
	dispatcher Dispatcher
	processor  SingleProcessor
	runs       RunReader
	hub        *worker.ProgressHub
	logger     *logrus.Entry
}

func NewAutoProcessController(dispatcher Dispatcher, processor SingleProcessor, runs RunReader, hub *worker.ProgressHub, logger *logrus.Entry) *AutoProcessController {
	return &AutoProcessController{
		dispatcher: dispatcher,
		processor:  processor,
		runs:       runs,
		hub:        hub,
		logger:     logger,
	}
}

// Trigger queues a background batch and acknowledges immediately.
func (ac *AutoProcessController) Trigger(c *fiber.Ctx) error {
	maxResults := mailbox.ClampMaxResults(utils.QueryInt(c, "max_results", mailbox.DefaultMaxResults))

	run, err := ac.dispatcher.Dispatch(c.UserContext(), maxResults, worker.TriggerAPI)
	if errors.Is(err, worker.ErrStopped) {
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Server is shutting down", err)
	}
	if err != nil {
		utils.LogError("AUTO_PROCESS_DISPATCH_FAILED", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start auto-processing", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":  "Auto-processing started in background.",
		"run_id":  run.ID,
		"run":     run,
		"success": true,
	})
}

// ProcessOne handles a single unread message synchronously.
func (ac *AutoProcessController) ProcessOne(c *fiber.Ctx) error {
	id := c.Params("id")

	result, err := ac.processor.ProcessOne(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Email not found among unread messages", err)
		}
		utils.LogError("AUTO_PROCESS_SINGLE_FAILED", err, map[string]interface{}{"email_id": id})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch unread emails", err)
	}
	return c.JSON(result)
}

func (ac *AutoProcessController) GetRun(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid run id", nil)
	}

	run, err := ac.runs.GetRun(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Run not found", err)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load run", err)
	}
	return c.JSON(run)
}

// StreamProgress pushes processing events to a websocket client until it
// disconnects.
func (ac *AutoProcessController) StreamProgress(c *websocket.Conn) {
	defer c.Close()

	events, unsubscribe := ac.hub.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(event); err != nil {
				ac.logger.WithError(err).Debug("progress client went away")
				return
			}
		case <-closed:
			return
		}
	}
}

// RequireUpgrade rejects plain HTTP requests on websocket routes.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
