package routes

import (
	controller "mailtriage/controllers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

// Controllers bundles the handlers the router mounts.
type Controllers struct {
	Email       *controller.EmailController
	AI          *controller.AIController
	AutoProcess *controller.AutoProcessController

	// AILimiter guards the completion-backed endpoints. Optional.
	AILimiter fiber.Handler
}

func SetupEmailRoutes(app *fiber.App, h Controllers) {
	emails := app.Group("/emails", accessLog())
	emails.Get("/", h.Email.GetEmails)
	emails.Post("/save", h.Email.SaveEmail)
	emails.Get("/db", h.Email.ListStoredEmails)
	emails.Get("/db/:id", h.Email.GetStoredEmail)
	emails.Post("/mark_read", h.Email.MarkRead)
	emails.Post("/delete", h.Email.DeleteEmail)
	emails.Post("/ingest", h.Email.Ingest)
	emails.Post("/auto_process", h.AutoProcess.Trigger)
	emails.Post("/:id/auto_process", h.AutoProcess.ProcessOne)
}

func SetupAIRoutes(app *fiber.App, h Controllers) {
	app.Post("/summarize", aiHandlers(h, h.AI.Summarize)...)
	app.Post("/classify", aiHandlers(h, h.AI.Classify)...)

	summaries := app.Group("/summaries", accessLog())
	summaries.Post("/save", h.AI.SaveSummary)
	summaries.Get("/:email_id", h.AI.ListSummaries)
}

func aiHandlers(h Controllers, handler fiber.Handler) []fiber.Handler {
	handlers := []fiber.Handler{accessLog()}
	if h.AILimiter != nil {
		handlers = append(handlers, h.AILimiter)
	}
	return append(handlers, handler)
}

func SetupAutoProcessRoutes(app *fiber.App, h Controllers) {
	runs := app.Group("/auto_process", accessLog())
	runs.Get("/runs/:id", h.AutoProcess.GetRun)

	app.Get("/auto_process/progress", controller.RequireUpgrade, websocket.New(h.AutoProcess.StreamProgress))
}

func SetupRoutes(app *fiber.App, h Controllers) {
	app.Use(recover.New())

	app.Get("/", controller.Root)
	app.Get("/health", controller.Health)

	SetupEmailRoutes(app, h)
	SetupAIRoutes(app, h)
	SetupAutoProcessRoutes(app, h)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	logrus.WithField("component", "routes").Info("routes initialized")
}

func accessLog() fiber.Handler {
	return logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})
}
