package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"subpilot/models"
	"subpilot/utils"
)

// AuthController exposes the caller's session. Tokens are issued elsewhere;
// this service only verifies and revokes them.
type AuthController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewAuthController(db *gorm.DB, logger *logrus.Logger) *AuthController {
	return &AuthController{
		DB:     db,
		Logger: logger,
	}
}

func (ac *AuthController) GetCurrentUser(c *fiber.Ctx) error {
	user, ok := c.Locals("user").(*models.User)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
	}
	return c.JSON(utils.SuccessResponse(user))
}

// RevokeTokens bumps the token version, which invalidates every access
// token issued to the caller so far, including the one on this request.
func (ac *AuthController) RevokeTokens(c *fiber.Ctx) error {
	user, ok := c.Locals("user").(*models.User)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
	}

	if err := ac.DB.WithContext(c.UserContext()).Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("token_version", gorm.Expr("token_version + 1")).Error; err != nil {
		utils.LogError(ac.Logger, "token_revoke_failed", err, map[string]interface{}{"user_id": user.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to revoke tokens", nil)
	}

	utils.LogEvent(ac.Logger, "tokens_revoked", map[string]interface{}{"user_id": user.ID})
	return c.JSON(utils.SuccessResponse(fiber.Map{"revoked": true}))
}
