package handlers

import (
	"errors"

	"xp-quest-backend/middleware"
	"xp-quest-backend/services"

	"github.com/gofiber/fiber/v2"
)

func SetupQuestRoutes(app *fiber.App, questService *services.QuestService, jwtSecret []byte) {
	secured := app.Group("/", middleware.UserContextMiddleware(jwtSecret))

	secured.Get("/quests", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		quests, err := questService.ListForUser(c.Context(), userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load quests"})
		}
		return c.JSON(quests)
	})

	secured.Post("/quests/:id/claim", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		questID := c.Params("id")

		xp, err := questService.Claim(c.Context(), userID, questID)
		switch {
		case errors.Is(err, services.ErrQuestNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrQuestNotCompleted):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrQuestAlreadyClaimed):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "claim failed"})
		}

		return c.JSON(fiber.Map{
			"message":    "Quest reward claimed",
			"xp_awarded": xp,
		})
	})
}
