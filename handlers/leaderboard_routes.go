package handlers

import (
	"errors"
	"strconv"

	"xp-quest-backend/middleware"
	"xp-quest-backend/services"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

func SetupLeaderboardRoutes(app *fiber.App, leaderboardService *services.LeaderboardService, jwtSecret []byte) {
	app.Get("/leaderboard", func(c *fiber.Ctx) error {
		period := c.Query("period", services.PeriodKey(leaderboardService.Now()))
		limit, _ := strconv.Atoi(c.Query("limit", "50"))
		offset, _ := strconv.Atoi(c.Query("offset", "0"))

		rows, err := leaderboardService.Top(c.Context(), period, limit, offset)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load leaderboard"})
		}
		return c.JSON(fiber.Map{
			"period":  period,
			"entries": rows,
		})
	})

	secured := app.Group("/", middleware.UserContextMiddleware(jwtSecret))

	secured.Get("/leaderboard/me", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		period := c.Query("period", services.PeriodKey(leaderboardService.Now()))
		radius, _ := strconv.Atoi(c.Query("radius", "5"))

		rows, err := leaderboardService.Around(c.Context(), period, userID, radius)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "user not in this period's snapshot"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load leaderboard"})
		}
		return c.JSON(fiber.Map{
			"period":  period,
			"entries": rows,
		})
	})
}
