package controller

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailtriage/decision"
	"mailtriage/models"
	"mailtriage/store"
	"mailtriage/utils"
)

type Analyzer interface {
	Summarize(ctx context.Context, text string) decision.SummaryResult
	Classify(ctx context.Context, text string) decision.CategoryResult
}

type SummaryRepository interface {
	CreateSummary(ctx context.Context, emailID, text string) (*models.Summary, error)
	ListSummaries(ctx context.Context, emailID string) ([]models.Summary, error)
}

type EmailTextRequest struct {
	EmailText string `json:"email_text" validate:"required"`
}

type SaveSummaryRequest struct {
	EmailID string `json:"email_id" query:"email_id" validate:"required"`
	Summary string `json:"summary" query:"summary" validate:"required"`
}

type AIController struct {
	analyzer  Analyzer
	summaries SummaryRepository
	logger    *logrus.Entry
}

func NewAIController(analyzer Analyzer, summaries SummaryRepository, logger *logrus.Entry) *AIController {
	return &AIController{
		analyzer:  analyzer,
		summaries: summaries,
		logger:    logger,
	}
}

// Summarize always answers 200. A failed completion is reported inline as
// "[Summary error: ...]".
func (ac *AIController) Summarize(c *fiber.Ctx) error {
	var req EmailTextRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	result := ac.analyzer.Summarize(c.UserContext(), req.EmailText)
	return c.JSON(fiber.Map{"summary": result.Display()})
}

func (ac *AIController) Classify(c *fiber.Ctx) error {
	var req EmailTextRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	result := ac.analyzer.Classify(c.UserContext(), req.EmailText)
	return c.JSON(fiber.Map{"category": result.Category})
}

// SaveSummary accepts email_id and summary as query parameters or as a
// JSON body.
func (ac *AIController) SaveSummary(c *fiber.Ctx) error {
	var req SaveSummaryRequest
	if err := c.QueryParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameters", err)
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	summary, err := ac.summaries.CreateSummary(c.UserContext(), req.EmailID, req.Summary)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Email not found", err)
		}
		utils.LogError("SUMMARY_SAVE_FAILED", err, map[string]interface{}{"email_id": req.EmailID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save summary", err)
	}
	return c.Status(fiber.StatusCreated).JSON(summary)
}

func (ac *AIController) ListSummaries(c *fiber.Ctx) error {
	summaries, err := ac.summaries.ListSummaries(c.UserContext(), c.Params("email_id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list summaries", err)
	}
	return c.JSON(summaries)
}
