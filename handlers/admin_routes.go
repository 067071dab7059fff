package handlers

import (
	"errors"

	"xp-quest-backend/middleware"
	"xp-quest-backend/models"
	"xp-quest-backend/services"

	"github.com/gofiber/fiber/v2"
)

func SetupAdminRoutes(app *fiber.App, ruleService *services.RuleService, xpService *services.XPService, questService *services.QuestService, referralService *services.ReferralService, jwtSecret []byte) {
	admin := app.Group("/admin", middleware.UserContextMiddleware(jwtSecret), middleware.AdminOnly())

	admin.Get("/rules", func(c *fiber.Ctx) error {
		rules, err := ruleService.ListRules(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list rules"})
		}
		return c.JSON(rules)
	})

	admin.Put("/rules", func(c *fiber.Ctx) error {
		var rule models.XPRule
		if err := c.BodyParser(&rule); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if rule.ActionType == "" || rule.XPAmount < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "action_type required and xp_amount must be >= 0"})
		}

		saved, err := ruleService.UpsertRule(c.Context(), rule)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to save rule"})
		}
		return c.JSON(saved)
	})

	admin.Post("/quests", func(c *fiber.Ctx) error {
		var quest models.Quest
		if err := c.BodyParser(&quest); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		if quest.ActionType == "" || quest.RewardXP < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "action_type required and reward_xp must be >= 0"})
		}

		saved, err := questService.CreateQuest(c.Context(), quest)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create quest"})
		}
		return c.Status(fiber.StatusCreated).JSON(saved)
	})

	admin.Post("/xp/adjust", func(c *fiber.Ctx) error {
		var req struct {
			UserID      string `json:"user_id"`
			DeltaXP     int64  `json:"delta_xp"`
			Reason      string `json:"reason"`
			Description string `json:"description"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		entry, err := xpService.AdjustXP(c.Context(), req.UserID, req.DeltaXP,
			models.LedgerReason(req.Reason), req.Description)
		switch {
		case errors.Is(err, services.ErrInvalidAdjustReason):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrUserNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrInsufficientBalance):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "adjustment failed"})
		}

		return c.JSON(entry)
	})

	admin.Post("/referrals/:id/reject", func(c *fiber.Ctx) error {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		err := referralService.Reject(c.Context(), c.Params("id"), req.Reason)
		switch {
		case errors.Is(err, services.ErrReferralNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrReferralTerminal):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "rejection failed"})
		}

		return c.JSON(fiber.Map{"message": "referral rejected"})
	})
}
