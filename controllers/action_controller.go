package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"subpilot/apperr"
	"subpilot/executor"
	"subpilot/ledger"
	"subpilot/models"
	"subpilot/utils"
)

type ActionController struct {
	Ledger   *ledger.Ledger
	Executor *executor.Executor
	Logger   *logrus.Logger
}

func NewActionController(l *ledger.Ledger, exec *executor.Executor, logger *logrus.Logger) *ActionController {
	return &ActionController{
		Ledger:   l,
		Executor: exec,
		Logger:   logger,
	}
}

type RejectActionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type BatchApproveRequest struct {
	ActionIDs []string `json:"action_ids" validate:"required,min=1,max=100"`
}

// ListActions returns the caller's actions, newest first.
func (ac *ActionController) ListActions(c *fiber.Ctx) error {
	filter := ledger.Filter{
		Status:    models.ActionStatus(c.Query("status")),
		AgentType: models.AgentType(c.Query("agent_type")),
		Limit:     c.QueryInt("limit", ledger.DefaultPageSize),
		Offset:    c.QueryInt("offset", 0),
	}
	page, err := ac.Ledger.List(c.UserContext(), currentUserID(c), filter)
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	return c.JSON(utils.SuccessResponse(page))
}

func (ac *ActionController) GetSummary(c *fiber.Ctx) error {
	userID := currentUserID(c)
	if userID == 0 {
		return utils.AppErrorResponse(c, apperr.Unauthorized("actions.summary", "missing caller identity"))
	}
	summary, err := ac.Ledger.Summary(c.UserContext(), userID)
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	return c.JSON(utils.SuccessResponse(summary))
}

func (ac *ActionController) GetAction(c *fiber.Ctx) error {
	action, err := ac.Ledger.Get(c.UserContext(), c.Params("id"), currentUserID(c))
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	return c.JSON(utils.SuccessResponse(action))
}

// ApproveAction approves one action and runs it. A failed side effect is
// reported as 502 together with the failed action.
func (ac *ActionController) ApproveAction(c *fiber.Ctx) error {
	action, err := ac.Executor.ApproveAndExecute(c.UserContext(), c.Params("id"), currentUserID(c))
	return ac.respondExecution(c, action, err)
}

// ExecuteAction resumes an action that was approved but never executed.
func (ac *ActionController) ExecuteAction(c *fiber.Ctx) error {
	action, err := ac.Executor.Execute(c.UserContext(), c.Params("id"), currentUserID(c))
	return ac.respondExecution(c, action, err)
}

func (ac *ActionController) respondExecution(c *fiber.Ctx, action *models.AgentAction, err error) error {
	if err != nil && action != nil && apperr.Is(err, apperr.KindDownstream) {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"code":    string(apperr.KindDownstream),
			"error":   "Action failed during execution",
			"data":    action,
		})
	}
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	return c.JSON(utils.SuccessResponse(action))
}

func (ac *ActionController) RejectAction(c *fiber.Ctx) error {
	var req RejectActionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
		if err := utils.ValidateStruct(req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
		}
	}

	action, err := ac.Executor.Reject(c.UserContext(), c.Params("id"), currentUserID(c), req.Reason)
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	return c.JSON(utils.SuccessResponse(action))
}

// BatchApprove approves and executes a list of actions with per-item results.
func (ac *ActionController) BatchApprove(c *fiber.Ctx) error {
	userID := currentUserID(c)
	if userID == 0 {
		return utils.AppErrorResponse(c, apperr.Unauthorized("actions.batch_approve", "missing caller identity"))
	}

	var req BatchApproveRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "action_ids must be a list of action ids", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	result, err := ac.Executor.BatchApprove(c.UserContext(), req.ActionIDs, userID)
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	return c.JSON(utils.SuccessResponse(result))
}
