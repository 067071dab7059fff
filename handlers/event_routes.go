package handlers

import (
	"strconv"

	"xp-quest-backend/middleware"
	"xp-quest-backend/services"

	"github.com/gofiber/fiber/v2"
)

func SetupEventRoutes(app *fiber.App, xpService *services.XPService, jwtSecret []byte) {
	secured := app.Group("/", middleware.UserContextMiddleware(jwtSecret))

	secured.Post("/events", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req services.SubmitEventInput
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if req.ActionType == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "action_type is required"})
		}

		result, err := xpService.SubmitEvent(c.Context(), userID, req)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "event processing failed",
				"cause": err.Error(),
			})
		}

		status := fiber.StatusOK
		if result.Duplicate {
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(result)
	})

	secured.Get("/ledger", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		summary, err := xpService.GetLedgerSummary(c.Context(), userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load ledger summary"})
		}

		page, _ := strconv.Atoi(c.Query("page", "1"))
		size, _ := strconv.Atoi(c.Query("size", "20"))
		entries, total, err := xpService.GetLedgerEntries(c.Context(), userID, page, size)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load ledger entries"})
		}

		return c.JSON(fiber.Map{
			"total_xp":  summary.TotalXP,
			"by_reason": summary.ByReason,
			"entries":   entries,
			"page":      page,
			"size":      size,
			"total":     total,
		})
	})
}
