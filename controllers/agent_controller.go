package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"subpilot/agentconfig"
	"subpilot/models"
	"subpilot/utils"
)

type AgentController struct {
	Configs *agentconfig.Store
	Logger  *logrus.Logger
}

func NewAgentController(configs *agentconfig.Store, logger *logrus.Logger) *AgentController {
	return &AgentController{
		Configs: configs,
		Logger:  logger,
	}
}

// currentUserID returns the authenticated caller, or 0 when there is none.
func currentUserID(c *fiber.Ctx) uint {
	id, _ := c.Locals("userID").(uint)
	return id
}

// InitAgents creates any missing agent configs for the caller.
func (ac *AgentController) InitAgents(c *fiber.Ctx) error {
	userID := currentUserID(c)
	if err := ac.Configs.Ensure(c.UserContext(), userID); err != nil {
		return utils.AppErrorResponse(c, err)
	}
	status, err := ac.Configs.IsInitialized(c.UserContext(), userID)
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	return c.JSON(utils.SuccessResponse(status))
}

// GetAgentStatus reports whether the caller's agents are initialized.
func (ac *AgentController) GetAgentStatus(c *fiber.Ctx) error {
	status, err := ac.Configs.IsInitialized(c.UserContext(), currentUserID(c))
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	return c.JSON(utils.SuccessResponse(status))
}

func (ac *AgentController) ListConfigs(c *fiber.Ctx) error {
	userID := currentUserID(c)
	if userID == 0 {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
	}
	cfgs, err := ac.Configs.List(c.UserContext(), userID)
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	return c.JSON(utils.SuccessResponse(cfgs))
}

func (ac *AgentController) UpdateConfig(c *fiber.Ctx) error {
	userID := currentUserID(c)
	if userID == 0 {
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
	}

	var req agentconfig.Update
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	cfg, err := ac.Configs.Apply(c.UserContext(), userID, models.AgentType(c.Params("type")), req)
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}

	utils.LogEvent(ac.Logger, "agent_config_updated", map[string]interface{}{
		"user_id":    userID,
		"agent_type": cfg.AgentType,
	})
	return c.JSON(utils.SuccessResponse(cfg))
}
