package controller

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"subpilot/models"
	"subpilot/utils"
	"subpilot/worker"
)

type CronController struct {
	Scheduler *worker.Scheduler
	Logger    *logrus.Logger
}

func NewCronController(scheduler *worker.Scheduler, logger *logrus.Logger) *CronController {
	return &CronController{
		Scheduler: scheduler,
		Logger:    logger,
	}
}

// cronSecret reads the shared secret from "Authorization: Bearer" or X-Cron-Secret.
func cronSecret(c *fiber.Ctx) string {
	if auth := c.Get(fiber.HeaderAuthorization); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Get("X-Cron-Secret")
}

// RunPass returns a handler that triggers one pass of seq.
func (cc *CronController) RunPass(seq models.SequenceType) fiber.Handler {
	return func(c *fiber.Ctx) error {
		res, err := cc.Scheduler.Trigger(c.UserContext(), cronSecret(c), seq)
		if err != nil {
			return utils.AppErrorResponse(c, err)
		}
		return c.JSON(utils.SuccessResponse(res))
	}
}
