package controller

import (
	"github.com/gofiber/fiber/v2"
)

func Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": "Mail triage backend is running!"})
}

func Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
