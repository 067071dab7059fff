package handlers

import (
	"errors"

	"xp-quest-backend/middleware"
	"xp-quest-backend/services"

	"github.com/gofiber/fiber/v2"
)

func SetupReferralRoutes(app *fiber.App, referralService *services.ReferralService, jwtSecret []byte) {
	secured := app.Group("/", middleware.UserContextMiddleware(jwtSecret))

	// The authenticated caller is the invitee redeeming someone's code.
	secured.Post("/referrals", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req struct {
			ReferralCode string `json:"referral_code"`
		}
		if err := c.BodyParser(&req); err != nil || req.ReferralCode == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "referral_code is required"})
		}

		referral, err := referralService.Create(c.Context(), userID, req.ReferralCode)
		switch {
		case errors.Is(err, services.ErrInvalidReferralCode):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrSelfReferral):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrAlreadyReferred):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "referral creation failed"})
		}

		return c.Status(fiber.StatusCreated).JSON(referral)
	})

	secured.Get("/referrals/me", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		asInvitee, err := referralService.GetForInvitee(c.Context(), userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load referral"})
		}
		asInviter, err := referralService.ListForInviter(c.Context(), userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load referrals"})
		}

		return c.JSON(fiber.Map{
			"as_invitee": asInvitee,
			"as_inviter": asInviter,
		})
	})
}
