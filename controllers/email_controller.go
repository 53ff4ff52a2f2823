package controller

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailtriage/mailbox"
	"mailtriage/models"
	"mailtriage/pipeline"
	"mailtriage/store"
	"mailtriage/utils"
)

type EmailRepository interface {
	CreateEmail(ctx context.Context, email *models.Email) error
	GetEmail(ctx context.Context, id string) (*models.Email, error)
	ListEmails(ctx context.Context, skip, limit int) ([]models.Email, error)
}

type Ingester interface {
	Ingest(ctx context.Context, maxResults int) ([]pipeline.IngestResult, error)
}

type SaveEmailRequest struct {
	ID         string `json:"id" validate:"required,max=255"`
	Subject    string `json:"subject"`
	Sender     string `json:"sender"`
	Snippet    string `json:"snippet"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`
	Category   string `json:"category" validate:"omitempty,oneof=important moderate other"`
}

type EmailIDRequest struct {
	EmailID string `json:"email_id" validate:"required"`
}

type EmailController struct {
	source      mailbox.Source
	emails      EmailRepository
	ingester    Ingester
	callTimeout time.Duration
	logger      *logrus.Entry
}

func NewEmailController(source mailbox.Source, emails EmailRepository, ingester Ingester, callTimeout time.Duration, logger *logrus.Entry) *EmailController {
	return &EmailController{
		source:      source,
		emails:      emails,
		ingester:    ingester,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

func (ec *EmailController) remoteContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	if ec.callTimeout <= 0 {
		return context.WithCancel(c.UserContext())
	}
	return context.WithTimeout(c.UserContext(), ec.callTimeout)
}

// GetEmails fetches unread messages live from the mailbox.
func (ec *EmailController) GetEmails(c *fiber.Ctx) error {
	ctx, cancel := ec.remoteContext(c)
	defer cancel()

	messages, err := ec.source.FetchUnread(ctx, utils.QueryInt(c, "max_results", mailbox.DefaultMaxResults))
	if err != nil {
		utils.LogError("EMAIL_FETCH_FAILED", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch emails", err)
	}
	if messages == nil {
		messages = []mailbox.Message{}
	}
	return c.JSON(messages)
}

func (ec *EmailController) SaveEmail(c *fiber.Ctx) error {
	var req SaveEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	email := &models.Email{
		ID:       req.ID,
		Subject:  req.Subject,
		Sender:   req.Sender,
		Snippet:  req.Snippet,
		Body:     req.Body,
		Category: req.Category,
	}
	if req.ReceivedAt != "" {
		if t, err := utils.ParseMailDate(req.ReceivedAt); err == nil {
			email.ReceivedAt = &t
		}
	}

	if err := ec.emails.CreateEmail(c.UserContext(), email); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Email already saved", err)
		}
		utils.LogError("EMAIL_SAVE_FAILED", err, map[string]interface{}{"email_id": req.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save email", err)
	}
	return c.Status(fiber.StatusCreated).JSON(email)
}

// ListStoredEmails pages through saved emails.
func (ec *EmailController) ListStoredEmails(c *fiber.Ctx) error {
	emails, err := ec.emails.ListEmails(
		c.UserContext(),
		utils.QueryInt(c, "skip", 0),
		utils.QueryInt(c, "limit", store.DefaultListLimit),
	)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list emails", err)
	}
	return c.JSON(emails)
}

// GetStoredEmail returns one saved email by its mailbox id.
func (ec *EmailController) GetStoredEmail(c *fiber.Ctx) error {
	email, err := ec.emails.GetEmail(c.UserContext(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Email not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get email", err)
	}
	return c.JSON(email)
}

func (ec *EmailController) MarkRead(c *fiber.Ctx) error {
	emailID, err := bindEmailID(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	ctx, cancel := ec.remoteContext(c)
	defer cancel()

	if err := ec.source.MarkRead(ctx, emailID); err != nil {
		ec.logger.WithError(err).WithField("email_id", emailID).Warn("mark read failed")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to mark email as read", err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (ec *EmailController) DeleteEmail(c *fiber.Ctx) error {
	emailID, err := bindEmailID(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	ctx, cancel := ec.remoteContext(c)
	defer cancel()

	if err := ec.source.Delete(ctx, emailID); err != nil {
		ec.logger.WithError(err).WithField("email_id", emailID).Warn("delete failed")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete email", err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// Ingest summarizes, classifies and stores unread mail without marking it
// read.
func (ec *EmailController) Ingest(c *fiber.Ctx) error {
	results, err := ec.ingester.Ingest(c.UserContext(), utils.QueryInt(c, "max_results", mailbox.DefaultMaxResults))
	if err != nil {
		utils.LogError("INGEST_FAILED", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to ingest emails", err)
	}
	return c.JSON(utils.SuccessResponse(results))
}

// bindEmailID parses and validates an {email_id} body.
func bindEmailID(c *fiber.Ctx) (string, error) {
	var req EmailIDRequest
	if err := c.BodyParser(&req); err != nil {
		return "", errors.New("invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return "", err
	}
	return req.EmailID, nil
}
