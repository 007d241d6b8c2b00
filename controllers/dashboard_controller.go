package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"subpilot/agentconfig"
	"subpilot/ledger"
	"subpilot/models"
	"subpilot/utils"
)

type DashboardController struct {
	DB      *gorm.DB
	Configs *agentconfig.Store
	Ledger  *ledger.Ledger
	Logger  *logrus.Logger
}

func NewDashboardController(db *gorm.DB, configs *agentconfig.Store, l *ledger.Ledger, logger *logrus.Logger) *DashboardController {
	return &DashboardController{
		DB:      db,
		Configs: configs,
		Ledger:  l,
		Logger:  logger,
	}
}

type AgentOverview struct {
	AgentType models.AgentType `json:"agent_type"`
	Enabled   bool             `json:"enabled"`
	LastRunAt *time.Time       `json:"last_run_at"`
}

type SequenceCount struct {
	SequenceType models.SequenceType `json:"sequence_type"`
	Status       string              `json:"status"`
	Count        int64               `json:"count"`
}

type DashboardOverview struct {
	Status    agentconfig.Status            `json:"status"`
	Agents    []AgentOverview               `json:"agents"`
	Actions   map[models.ActionStatus]int64 `json:"actions"`
	Sequences []SequenceCount               `json:"sequences"`
	AtRisk    int64                         `json:"at_risk_subscribers"`
	PastDue   int64                         `json:"past_due_subscribers"`
}

// GetOverview ensures the caller's agents exist and returns the numbers the
// dashboard cards are built from.
func (dc *DashboardController) GetOverview(c *fiber.Ctx) error {
	userID := currentUserID(c)
	ctx := c.UserContext()

	if err := dc.Configs.Ensure(ctx, userID); err != nil {
		return utils.AppErrorResponse(c, err)
	}

	var overview DashboardOverview
	var err error
	if overview.Status, err = dc.Configs.IsInitialized(ctx, userID); err != nil {
		return utils.AppErrorResponse(c, err)
	}

	cfgs, err := dc.Configs.List(ctx, userID)
	if err != nil {
		return utils.AppErrorResponse(c, err)
	}
	threshold := models.DefaultHealthScoreThreshold
	for _, cfg := range cfgs {
		overview.Agents = append(overview.Agents, AgentOverview{
			AgentType: cfg.AgentType,
			Enabled:   cfg.Enabled,
			LastRunAt: cfg.LastRunAt,
		})
		if cfg.AgentType == models.AgentRetention {
			threshold = cfg.Threshold(models.ThresholdHealthScore, threshold)
		}
	}

	if overview.Actions, err = dc.Ledger.Summary(ctx, userID); err != nil {
		return utils.AppErrorResponse(c, err)
	}

	if err := dc.DB.WithContext(ctx).Model(&models.SequenceState{}).
		Select("sequence_type, status, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("sequence_type, status").
		Order("sequence_type, status").
		Scan(&overview.Sequences).Error; err != nil {
		utils.LogError(dc.Logger, "dashboard_query_failed", err, map[string]interface{}{"user_id": userID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get sequence stats", nil)
	}

	if err := dc.DB.WithContext(ctx).Model(&models.Subscriber{}).
		Where("user_id = ? AND status IN ? AND health_score < ?", userID,
			[]string{models.SubscriberActive, models.SubscriberPastDue}, threshold).
		Count(&overview.AtRisk).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get subscriber stats", nil)
	}
	if err := dc.DB.WithContext(ctx).Model(&models.Subscriber{}).
		Where("user_id = ? AND status = ?", userID, models.SubscriberPastDue).
		Count(&overview.PastDue).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get subscriber stats", nil)
	}

	return c.JSON(utils.SuccessResponse(overview))
}
