package handlers

import (
	"errors"

	"xp-quest-backend/services"

	"github.com/gofiber/fiber/v2"
)

func SetupAuthRoutes(app *fiber.App, authService *services.AuthService) {
	app.Post("/auth/challenge", func(c *fiber.Ctx) error {
		var req struct {
			WalletAddress string `json:"wallet_address"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		user, message, err := authService.Challenge(c.Context(), req.WalletAddress)
		if err != nil {
			if errors.Is(err, services.ErrInvalidAddress) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "challenge failed"})
		}

		return c.JSON(fiber.Map{
			"wallet_address": user.WalletAddress,
			"message":        message,
		})
	})

	app.Post("/auth/login", func(c *fiber.Ctx) error {
		var req struct {
			WalletAddress string `json:"wallet_address"`
			Signature     string `json:"signature"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		token, user, err := authService.Login(c.Context(), req.WalletAddress, req.Signature)
		switch {
		case errors.Is(err, services.ErrInvalidAddress),
			errors.Is(err, services.ErrBadSignature):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrNonceExpired):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error(), "retry": "request a new challenge"})
		case errors.Is(err, services.ErrUserNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no challenge outstanding for this wallet"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "login failed"})
		}

		return c.JSON(fiber.Map{
			"token": token,
			"user":  user,
		})
	})
}
