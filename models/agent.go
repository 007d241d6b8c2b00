package models

import (
	"time"

	"gorm.io/gorm"
)

// AgentType names a category of autonomous behaviour.
type AgentType string

const (
	AgentRecovery   AgentType = "recovery"
	AgentRetention  AgentType = "retention"
	AgentConversion AgentType = "conversion"
)

// AgentTypes lists every known agent type. A user is initialized when a
// config row exists for each of them.
var AgentTypes = []AgentType{AgentRecovery, AgentRetention, AgentConversion}

// AgentTypeCount is the number of config rows an initialized user has. It
// must match len(AgentTypes).
const AgentTypeCount = 3

// DefaultHealthScoreThreshold is the retention threshold used when an owner
// has not configured one. Subscribers scoring below it are at risk.
const DefaultHealthScoreThreshold = 40.0

func (t AgentType) Valid() bool {
	for _, known := range AgentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Threshold keys read by the sequence processors.
const (
	ThresholdOnboardingWindowDays = "onboarding_window_days"
	ThresholdTipsAfterDays        = "tips_after_days"
	ThresholdNudgeAfterDays       = "nudge_after_days"

	ThresholdReminderAfterDays = "reminder_after_days"
	ThresholdRetryAfterDays    = "retry_after_days"
	ThresholdFinalNoticeDays   = "final_notice_after_days"

	ThresholdHealthScore    = "health_score_threshold"
	ThresholdOfferAfterDays = "offer_after_days"
	ThresholdCooldownDays   = "cooldown_days"
)

// Setting keys.
const (
	SettingRetentionCoupon = "retention_coupon_id"
	SettingAtRiskTag       = "at_risk_tag"
	SettingTipsURL         = "tips_url"
)

// AgentConfig is the per-user configuration of one agent type.
type AgentConfig struct {
	gorm.Model
	UserID    uint      `gorm:"not null;uniqueIndex:idx_agent_config_user_type" json:"user_id"`
	AgentType AgentType `gorm:"not null;size:32;uniqueIndex:idx_agent_config_user_type" json:"agent_type"`

	Enabled    bool               `gorm:"default:true" json:"enabled"`
	Tone       string             `gorm:"default:'friendly'" json:"tone"`
	Thresholds map[string]float64 `gorm:"type:jsonb;serializer:json" json:"thresholds"`
	Settings   map[string]string  `gorm:"type:jsonb;serializer:json" json:"settings"`

	LastRunAt *time.Time `json:"last_run_at"`
}

// Threshold returns the named threshold or fallback when unset.
func (c *AgentConfig) Threshold(name string, fallback float64) float64 {
	if v, ok := c.Thresholds[name]; ok {
		return v
	}
	return fallback
}

// Days reads a threshold expressed in days as a duration.
func (c *AgentConfig) Days(name string, fallback float64) time.Duration {
	return time.Duration(c.Threshold(name, fallback) * float64(24*time.Hour))
}

func (c *AgentConfig) Setting(name, fallback string) string {
	if v, ok := c.Settings[name]; ok && v != "" {
		return v
	}
	return fallback
}

// DefaultAgentConfig returns the config a user starts with for agentType.
func DefaultAgentConfig(userID uint, agentType AgentType) AgentConfig {
	cfg := AgentConfig{
		UserID:    userID,
		AgentType: agentType,
		Enabled:   true,
		Tone:      "friendly",
		Settings:  map[string]string{},
	}
	switch agentType {
	case AgentConversion:
		cfg.Thresholds = map[string]float64{
			ThresholdOnboardingWindowDays: 14,
			ThresholdTipsAfterDays:        3,
			ThresholdNudgeAfterDays:       7,
		}
	case AgentRecovery:
		cfg.Thresholds = map[string]float64{
			ThresholdReminderAfterDays: 1,
			ThresholdRetryAfterDays:    3,
			ThresholdFinalNoticeDays:   7,
		}
	case AgentRetention:
		cfg.Thresholds = map[string]float64{
			ThresholdHealthScore:    DefaultHealthScoreThreshold,
			ThresholdOfferAfterDays: 7,
			ThresholdCooldownDays:   30,
		}
		cfg.Settings[SettingAtRiskTag] = "at-risk"
	}
	return cfg
}
